// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for sccgate. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
// Every section is optional; missing sections keep their defaults.
type Config struct {
	Services  ServicesConfig  `toml:"services"`
	Transfers TransfersConfig `toml:"transfers"`
	Network   NetworkConfig   `toml:"network"`
	Server    ServerConfig    `toml:"server"`
	Logging   LoggingConfig   `toml:"logging"`
	Ledger    LedgerConfig    `toml:"ledger"`
}

// ServicesConfig names the three service bindings looked up in VCAP_SERVICES.
type ServicesConfig struct {
	Identity     string `toml:"identity"`
	Destination  string `toml:"destination"`
	Connectivity string `toml:"connectivity"`
}

// TransfersConfig controls the directory mirror: worker ceiling, the size at
// which files are streamed instead of inlined, and what happens when a
// target path already exists locally.
type TransfersConfig struct {
	ParallelDownloads  int    `toml:"parallel_downloads"`
	LargeFileThreshold string `toml:"large_file_threshold"`
	ChunkSize          string `toml:"chunk_size"`
	BandwidthLimit     string `toml:"bandwidth_limit"`
	LargeObjectMarker  string `toml:"large_object_marker"`
	OnExisting         string `toml:"on_existing"`
}

// NetworkConfig controls HTTP client behavior for the token issuer, the
// destination catalog and the connectivity tunnel.
type NetworkConfig struct {
	ConnectTimeout        string `toml:"connect_timeout"`
	RequestTimeout        string `toml:"request_timeout"`
	ResponseHeaderTimeout string `toml:"response_header_timeout"`
	StreamIdleTimeout     string `toml:"stream_idle_timeout"`
	NoProxy               string `toml:"no_proxy"`
	UserAgent             string `toml:"user_agent"`
	TokenCache            bool   `toml:"token_cache"`
	ReuseSession          bool   `toml:"reuse_session"`
}

// ServerConfig controls the HTTP front-end started by "sccgate serve".
type ServerConfig struct {
	ListenAddr      string  `toml:"listen_addr"`
	WorkDir         string  `toml:"work_dir"`
	RunSubdirs      bool    `toml:"run_subdirs"`
	RateLimit       float64 `toml:"rate_limit"`
	RateBurst       int     `toml:"rate_burst"`
	ShutdownTimeout string  `toml:"shutdown_timeout"`
}

// LoggingConfig controls log output: level and handler format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// LedgerConfig controls the SQLite run ledger.
type LedgerConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	Workers    *int    // --workers flag
	OnExisting *string // --overwrite flag maps to "overwrite"
	ListenAddr *string // --listen flag
}

// Timeouts holds the parsed network timeouts. Only valid after Validate.
type Timeouts struct {
	Connect        time.Duration
	Request        time.Duration
	ResponseHeader time.Duration
	StreamIdle     time.Duration
}

// Timeouts parses the network durations. Values were checked by Validate,
// so parse errors fall back to zero (no timeout).
func (n *NetworkConfig) Timeouts() Timeouts {
	return Timeouts{
		Connect:        mustDuration(n.ConnectTimeout),
		Request:        mustDuration(n.RequestTimeout),
		ResponseHeader: mustDuration(n.ResponseHeaderTimeout),
		StreamIdle:     mustDuration(n.StreamIdleTimeout),
	}
}

// ShutdownDuration returns the parsed shutdown timeout.
func (s *ServerConfig) ShutdownDuration() time.Duration {
	return mustDuration(s.ShutdownTimeout)
}

// Sizes holds the parsed transfer sizes in bytes. Only valid after Validate.
type Sizes struct {
	LargeFileThreshold int64
	ChunkSize          int64
}

// Sizes parses the transfer size strings.
func (t *TransfersConfig) Sizes() Sizes {
	threshold, _ := ParseSize(t.LargeFileThreshold)
	chunk, _ := ParseSize(t.ChunkSize)

	return Sizes{LargeFileThreshold: threshold, ChunkSize: chunk}
}

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}

	return d
}
