package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/sccgate/internal/mirror"
)

// errTransfersFailed makes main exit non-zero after the report was printed.
var errTransfersFailed = errors.New("some transfers failed")

var flagMirrorInto string

func newMirrorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirror DESTINATION PATH",
		Short: "Copy a remote directory tree to local disk",
		Long: "Mirror walks the directory listing at PATH on DESTINATION and recreates the\n" +
			"tree under --into. Small files are written during the walk; large files are\n" +
			"streamed by a bounded pool of workers. The command waits for all transfers.",
		Args: cobra.ExactArgs(2),
		RunE: runMirror,
	}

	cmd.Flags().StringVar(&flagMirrorInto, "into", ".", "local directory to mirror into")
	cmd.Flags().Int("workers", 0, "maximum concurrent streaming transfers")
	cmd.Flags().Bool("overwrite", false, "overwrite files that already exist locally")

	return cmd
}

type taskErrorJSON struct {
	RemotePath string `json:"remote_path"`
	LocalPath  string `json:"local_path"`
	Error      string `json:"error"`
}

type reportJSON struct {
	RunID        string          `json:"run_id"`
	Dirs         int             `json:"dirs"`
	InlineFiles  int             `json:"inline_files"`
	Streamed     int             `json:"streamed"`
	Failed       int             `json:"failed"`
	BytesWritten int64           `json:"bytes_written"`
	Errors       []taskErrorJSON `json:"errors,omitempty"`
}

func runMirror(cmd *cobra.Command, args []string) error {
	logger := buildLogger()
	ctx := shutdownContext(cmd.Context(), logger)
	dest, remotePath := args[0], args[1]

	a, err := newApp(ctx, resolvedCfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	m, err := a.newMirror(ctx, dest)
	if err != nil {
		return err
	}

	rep, err := m.Mirror(ctx, dest, remotePath, flagMirrorInto)
	if err != nil {
		return fmt.Errorf("mirroring %s from %s: %w", remotePath, dest, err)
	}

	if err := printReport(cmd.OutOrStdout(), rep); err != nil {
		return err
	}

	if rep.Failed > 0 {
		return errTransfersFailed
	}

	return nil
}

func printReport(w io.Writer, rep *mirror.Report) error {
	if flagJSON {
		out := reportJSON{
			RunID:        rep.RunID,
			Dirs:         rep.Dirs,
			InlineFiles:  rep.InlineFiles,
			Streamed:     rep.Streamed,
			Failed:       rep.Failed,
			BytesWritten: rep.BytesWritten,
		}

		for _, te := range rep.Errors {
			out.Errors = append(out.Errors, taskErrorJSON{
				RemotePath: te.RemotePath, LocalPath: te.LocalPath, Error: te.Err.Error(),
			})
		}

		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}

	fmt.Fprintf(w, "Run %s\n", rep.RunID)
	fmt.Fprintf(w, "  %d directories, %d inline, %d streamed, %d failed, %s written\n",
		rep.Dirs, rep.InlineFiles, rep.Streamed, rep.Failed, formatSize(rep.BytesWritten))

	for _, te := range rep.Errors {
		fmt.Fprintf(w, "  FAILED %s: %v\n", te.RemotePath, te.Err)
	}

	return nil
}
