package main

import (
	"github.com/spf13/cobra"

	"github.com/tonimelisma/sccgate/internal/mirror"
	"github.com/tonimelisma/sccgate/internal/server"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve /getData and /downloadDir over HTTP",
		Long: "Serve starts the HTTP front-end. The PORT environment variable overrides the\n" +
			"port of server.listen_addr; --listen overrides both.",
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("listen", "", "listen address (host:port)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := shutdownContext(cmd.Context(), logger)
	cfg := resolvedCfg

	a, err := newApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	opts, err := a.mirrorOptions()
	if err != nil {
		return err
	}

	var store server.RunStore
	if a.ledger != nil {
		store = a.ledger
	}

	srv := server.New(a.gateway, mirror.New(a.gateway, opts, logger), store, server.Options{
		WorkDir:         cfg.Server.WorkDir,
		RunSubdirs:      cfg.Server.RunSubdirs,
		RateLimit:       cfg.Server.RateLimit,
		RateBurst:       cfg.Server.RateBurst,
		ShutdownTimeout: cfg.Server.ShutdownDuration(),
	}, logger)

	return srv.ListenAndServe(ctx, cfg.Server.ListenAddr)
}
