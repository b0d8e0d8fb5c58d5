package config

// Default values for configuration options. These represent "layer 0" of
// the override chain and reproduce the behavior of a bare Cloud Foundry
// deployment with the three standard service bindings.
const (
	defaultIdentityService       = "uaa"
	defaultDestinationService    = "destination"
	defaultConnectivityService   = "connectivity"
	defaultParallelDownloads     = 8
	defaultLargeFileThreshold    = "1MiB"
	defaultChunkSize             = "1KiB"
	defaultBandwidthLimit        = "0"
	defaultLargeObjectMarker     = "raw_lfs"
	defaultOnExisting            = OnExistingFail
	defaultConnectTimeout        = "10s"
	defaultRequestTimeout        = "60s"
	defaultResponseHeaderTimeout = "60s"
	defaultStreamIdleTimeout     = "60s"
	defaultUserAgent             = "sccgate/0.1"
	defaultListenAddr            = ":8080"
	defaultWorkDir               = "."
	defaultRateLimit             = 5.0
	defaultRateBurst             = 5
	defaultShutdownTimeout       = "30s"
	defaultLogLevel              = "info"
	defaultLogFormat             = "auto"
)

// Values accepted by transfers.on_existing.
const (
	OnExistingFail      = "fail"
	OnExistingOverwrite = "overwrite"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Services: ServicesConfig{
			Identity:     defaultIdentityService,
			Destination:  defaultDestinationService,
			Connectivity: defaultConnectivityService,
		},
		Transfers: TransfersConfig{
			ParallelDownloads:  defaultParallelDownloads,
			LargeFileThreshold: defaultLargeFileThreshold,
			ChunkSize:          defaultChunkSize,
			BandwidthLimit:     defaultBandwidthLimit,
			LargeObjectMarker:  defaultLargeObjectMarker,
			OnExisting:         defaultOnExisting,
		},
		Network: NetworkConfig{
			ConnectTimeout:        defaultConnectTimeout,
			RequestTimeout:        defaultRequestTimeout,
			ResponseHeaderTimeout: defaultResponseHeaderTimeout,
			StreamIdleTimeout:     defaultStreamIdleTimeout,
			UserAgent:             defaultUserAgent,
		},
		Server: ServerConfig{
			ListenAddr:      defaultListenAddr,
			WorkDir:         defaultWorkDir,
			RateLimit:       defaultRateLimit,
			RateBurst:       defaultRateBurst,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Ledger: LedgerConfig{
			Enabled: true,
		},
	}
}
