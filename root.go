package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/sccgate/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by PersistentPreRunE.
var resolvedCfg *config.Config

// stderr is where logs go; tests swap it.
var stderr io.Writer = os.Stderr

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sccgate",
		Short: "Gateway to on-premise systems behind a cloud connector",
		Long: "sccgate fetches resources from on-premise systems through the platform's\n" +
			"connectivity proxy, and mirrors remote directory trees to local disk.",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "show info-level logs")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "show debug-level logs")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "only show errors")
	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newFetchCmd())
	cmd.AddCommand(newMirrorCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRunsCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the four-layer
// override chain and stores the result in resolvedCfg.
func loadConfig(cmd *cobra.Command) error {
	logger := bootstrapLogger()

	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	if f := cmd.Flags().Lookup("workers"); f != nil && f.Changed {
		n, err := cmd.Flags().GetInt("workers")
		if err != nil {
			return err
		}

		cli.Workers = &n
	}

	if f := cmd.Flags().Lookup("overwrite"); f != nil && f.Changed {
		policy := config.OnExistingOverwrite
		cli.OnExisting = &policy
	}

	if f := cmd.Flags().Lookup("listen"); f != nil && f.Changed {
		addr, err := cmd.Flags().GetString("listen")
		if err != nil {
			return err
		}

		cli.ListenAddr = &addr
	}

	cfg, err := config.Resolve(config.ReadEnvOverrides(logger), cli, logger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = cfg

	return nil
}

// flagLevel returns the level forced by -v/--debug/-q, if any.
func flagLevel() (slog.Level, bool) {
	switch {
	case flagDebug:
		return slog.LevelDebug, true
	case flagVerbose:
		return slog.LevelInfo, true
	case flagQuiet:
		return slog.LevelError, true
	default:
		return 0, false
	}
}

// bootstrapLogger is used before the config is loaded. Default level is
// Warn so config resolution stays silent.
func bootstrapLogger() *slog.Logger {
	level := slog.LevelWarn
	if l, ok := flagLevel(); ok {
		level = l
	}

	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
}

// buildLogger creates the command logger. Config provides the baseline
// level and handler format; CLI flags override the level.
func buildLogger() *slog.Logger {
	level := slog.LevelWarn
	format := "auto"

	if resolvedCfg != nil {
		level = parseLevel(resolvedCfg.Logging.LogLevel)
		format = resolvedCfg.Logging.LogFormat
	}

	if l, ok := flagLevel(); ok {
		level = l
	}

	opts := &slog.HandlerOptions{Level: level}

	if useJSONLogs(format, stderr) {
		return slog.New(slog.NewJSONHandler(stderr, opts))
	}

	return slog.New(slog.NewTextHandler(stderr, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// useJSONLogs resolves log_format. "auto" picks text for a terminal and
// JSON otherwise, which is what log collectors on the platform expect.
func useJSONLogs(format string, w io.Writer) bool {
	switch format {
	case "json":
		return true
	case "text":
		return false
	}

	f, ok := w.(*os.File)
	if !ok {
		return true
	}

	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
