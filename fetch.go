package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/sccgate/internal/gateway"
)

var (
	flagFetchOutput string
	flagFetchStream bool
	flagFetchAccept string
)

func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch DESTINATION PATH",
		Short: "Fetch a resource from an on-premise destination",
		Long: "Fetch GETs PATH on the system behind DESTINATION through the connectivity\n" +
			"proxy and writes the body to stdout, or to --output.",
		Args: cobra.ExactArgs(2),
		RunE: runFetch,
	}

	cmd.Flags().StringVarP(&flagFetchOutput, "output", "o", "", "write the body to this file")
	cmd.Flags().BoolVar(&flagFetchStream, "stream", false, "stream the body instead of buffering it")
	cmd.Flags().StringVar(&flagFetchAccept, "accept", "", "Accept header sent upstream")

	return cmd
}

func runFetch(cmd *cobra.Command, args []string) error {
	logger := buildLogger()
	ctx := shutdownContext(cmd.Context(), logger)

	a, err := newApp(ctx, resolvedCfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	req := gateway.Request{Destination: args[0], Path: args[1], Accept: flagFetchAccept}

	out := cmd.OutOrStdout()

	if flagFetchOutput != "" {
		f, err := os.Create(flagFetchOutput)
		if err != nil {
			return fmt.Errorf("creating %s: %w", flagFetchOutput, err)
		}
		defer f.Close()

		out = f
	}

	var n int64

	if flagFetchStream {
		n, err = streamTo(ctx, a, req, out)
	} else {
		var body []byte

		body, err = a.gateway.Call(ctx, req)
		if err == nil {
			var written int
			written, err = out.Write(body)
			n = int64(written)
		}
	}

	if err != nil {
		return fmt.Errorf("fetching %s from %s: %w", req.Path, req.Destination, err)
	}

	if flagFetchOutput != "" {
		statusf(flagQuiet, "Wrote %s to %s\n", formatSize(n), flagFetchOutput)
	}

	return nil
}

func streamTo(ctx context.Context, a *app, req gateway.Request, w io.Writer) (int64, error) {
	s, err := a.gateway.Open(ctx, req)
	if err != nil {
		return 0, err
	}
	defer s.Close()

	chunk := int(a.cfg.Transfers.Sizes().ChunkSize)
	if chunk <= 0 {
		chunk = 32 * 1024
	}

	return s.CopyChunks(w, chunk)
}
