package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Validation range constants.
const (
	minParallelDownloads = 1
	maxParallelDownloads = 64
	minChunkBytes        = 512
	maxChunkBytes        = 4 * mebibyte
	minConnectTimeout    = 1 * time.Second
	minRequestTimeout    = 1 * time.Second
	minShutdownTimeout   = 1 * time.Second
	maxRateBurst         = 10_000
)

// validLogLevels and validLogFormats are the accepted logging values.
var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"auto", "text", "json"}
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServices(&cfg.Services)...)
	errs = append(errs, validateTransfers(&cfg.Transfers)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)
	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateServices(s *ServicesConfig) []error {
	var errs []error

	for _, f := range []struct{ key, val string }{
		{"services.identity", s.Identity},
		{"services.destination", s.Destination},
		{"services.connectivity", s.Connectivity},
	} {
		if strings.TrimSpace(f.val) == "" {
			errs = append(errs, fmt.Errorf("%s: must not be empty", f.key))
		}
	}

	return errs
}

func validateTransfers(t *TransfersConfig) []error {
	var errs []error

	if t.ParallelDownloads < minParallelDownloads || t.ParallelDownloads > maxParallelDownloads {
		errs = append(errs, fmt.Errorf("transfers.parallel_downloads: must be between %d and %d, got %d",
			minParallelDownloads, maxParallelDownloads, t.ParallelDownloads))
	}

	threshold, err := ParseSize(t.LargeFileThreshold)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("transfers.large_file_threshold: %w", err))
	case threshold <= 0:
		errs = append(errs, errors.New("transfers.large_file_threshold: must be positive"))
	}

	chunk, err := ParseSize(t.ChunkSize)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("transfers.chunk_size: %w", err))
	case chunk < minChunkBytes || chunk > maxChunkBytes:
		errs = append(errs, fmt.Errorf("transfers.chunk_size: must be between %d and %d bytes, got %d",
			minChunkBytes, maxChunkBytes, chunk))
	}

	if _, err := ParseBandwidth(t.BandwidthLimit); err != nil {
		errs = append(errs, fmt.Errorf("transfers.bandwidth_limit: %w", err))
	}

	if t.LargeObjectMarker == "" {
		errs = append(errs, errors.New("transfers.large_object_marker: must not be empty"))
	}

	if t.OnExisting != OnExistingFail && t.OnExisting != OnExistingOverwrite {
		errs = append(errs, fmt.Errorf("transfers.on_existing: must be %q or %q, got %q",
			OnExistingFail, OnExistingOverwrite, t.OnExisting))
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDuration("network.connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDuration("network.request_timeout", n.RequestTimeout, minRequestTimeout)...)
	errs = append(errs, validateDuration("network.response_header_timeout", n.ResponseHeaderTimeout, minRequestTimeout)...)
	errs = append(errs, validateDuration("network.stream_idle_timeout", n.StreamIdleTimeout, minRequestTimeout)...)

	return errs
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	if s.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr: must not be empty"))
	}

	if s.WorkDir == "" {
		errs = append(errs, errors.New("server.work_dir: must not be empty"))
	}

	if s.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit: must be non-negative, got %g", s.RateLimit))
	}

	if s.RateBurst < 1 || s.RateBurst > maxRateBurst {
		errs = append(errs, fmt.Errorf("server.rate_burst: must be between 1 and %d, got %d",
			maxRateBurst, s.RateBurst))
	}

	errs = append(errs, validateDuration("server.shutdown_timeout", s.ShutdownTimeout, minShutdownTimeout)...)

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !slices.Contains(validLogLevels, l.LogLevel) {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of %s, got %q",
			strings.Join(validLogLevels, ", "), l.LogLevel))
	}

	if !slices.Contains(validLogFormats, l.LogFormat) {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of %s, got %q",
			strings.Join(validLogFormats, ", "), l.LogFormat))
	}

	return errs
}

// validateDuration parses a Go duration string and enforces a lower bound.
func validateDuration(key, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", key, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be at least %s, got %s", key, minimum, d)}
	}

	return nil
}

// ParseBandwidth parses "5MB/s", "100KiB/s", "0" into bytes per second.
// The "/s" suffix is optional. Zero means unlimited.
func ParseBandwidth(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}

	normalized := s
	if strings.HasSuffix(strings.ToLower(normalized), "/s") {
		normalized = normalized[:len(normalized)-len("/s")]
	}

	n, err := ParseSize(normalized)
	if err != nil {
		return 0, fmt.Errorf("invalid bandwidth rate %q: %w", s, err)
	}

	return n, nil
}
