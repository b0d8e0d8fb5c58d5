package config

import (
	"log/slog"
	"net"
	"os"
)

// Environment variable names for overrides. PORT is the Cloud Foundry
// convention for the port an application must listen on.
const (
	EnvConfig   = "SCCGATE_CONFIG"
	EnvLogLevel = "SCCGATE_LOG_LEVEL"
	EnvWorkDir  = "SCCGATE_WORK_DIR"
	EnvPort     = "PORT"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // SCCGATE_CONFIG: override config file path
	LogLevel   string // SCCGATE_LOG_LEVEL: override logging.log_level
	WorkDir    string // SCCGATE_WORK_DIR: override server.work_dir
	Port       string // PORT: override the port of server.listen_addr
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides(logger *slog.Logger) EnvOverrides {
	o := EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		LogLevel:   os.Getenv(EnvLogLevel),
		WorkDir:    os.Getenv(EnvWorkDir),
		Port:       os.Getenv(EnvPort),
	}

	logger.Debug("environment overrides",
		slog.String("config_path", o.ConfigPath),
		slog.String("log_level", o.LogLevel),
		slog.String("work_dir", o.WorkDir),
		slog.String("port", o.Port),
	)

	return o
}

// applyPort replaces the port of a host:port listen address, keeping the host.
func applyPort(listenAddr, port string) string {
	host, _, err := net.SplitHostPort(listenAddr)
	if err != nil {
		host = ""
	}

	return net.JoinHostPort(host, port)
}
