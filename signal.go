package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// forceExit ends the process on a second signal; tests replace it.
var forceExit = func() { os.Exit(130) }

// shutdownContext returns a context that is canceled on the first
// SIGINT/SIGTERM. Cancellation stops the mirror walk and in-flight
// transfers and lets serve drain; a second signal exits immediately.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("signal received, shutting down", slog.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("second signal received, exiting now", slog.String("signal", sig.String()))
			forceExit()
		case <-parent.Done():
			return
		}
	}()

	return ctx
}
