package main

import (
	"encoding/json"
	"errors"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/sccgate/internal/ledger"
)

var errLedgerDisabled = errors.New("the run ledger is disabled (ledger.enabled = false)")

var flagRunsLimit int

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs [RUN_ID]",
		Short: "List recorded mirror runs, or show one run's transfers",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRuns,
	}

	cmd.Flags().IntVar(&flagRunsLimit, "limit", 20, "number of runs to list")

	return cmd
}

func runRuns(cmd *cobra.Command, args []string) error {
	if !resolvedCfg.Ledger.Enabled {
		return errLedgerDisabled
	}

	logger := buildLogger()
	ctx := cmd.Context()

	l, err := ledger.Open(ctx, resolvedCfg.Ledger.Path, logger)
	if err != nil {
		return err
	}
	defer l.Close()

	out := cmd.OutOrStdout()

	if len(args) == 0 {
		runs, err := l.RecentRuns(ctx, flagRunsLimit)
		if err != nil {
			return err
		}

		return printRuns(out, runs)
	}

	rec, err := l.Run(ctx, args[0])
	if err != nil {
		return err
	}

	transfers, err := l.Transfers(ctx, rec.ID)
	if err != nil {
		return err
	}

	return printRunDetail(out, rec, transfers)
}

func printRuns(w io.Writer, runs []ledger.RunRecord) error {
	if flagJSON {
		if runs == nil {
			runs = []ledger.RunRecord{}
		}

		return encodeJSON(w, runs)
	}

	if len(runs) == 0 {
		statusf(flagQuiet, "No runs recorded.\n")
		return nil
	}

	rows := make([][]string, 0, len(runs))
	for i := range runs {
		r := &runs[i]
		rows = append(rows, []string{
			r.ID, r.Status, r.Destination, r.RemotePath, formatElapsed(r.StartedAt),
			strconv.Itoa(r.Files), strconv.Itoa(r.Failed), formatSize(r.Bytes),
		})
	}

	printTable(w, []string{"RUN", "STATUS", "DESTINATION", "PATH", "STARTED", "FILES", "FAILED", "SIZE"}, rows)

	return nil
}

func printRunDetail(w io.Writer, rec *ledger.RunRecord, transfers []ledger.TransferRecord) error {
	if flagJSON {
		return encodeJSON(w, struct {
			Run       *ledger.RunRecord       `json:"run"`
			Transfers []ledger.TransferRecord `json:"transfers"`
		}{rec, transfers})
	}

	printTable(w, []string{"FIELD", "VALUE"}, [][]string{
		{"run", rec.ID},
		{"status", rec.Status},
		{"destination", rec.Destination},
		{"remote path", rec.RemotePath},
		{"local root", rec.LocalRoot},
		{"started", formatTime(rec.StartedAt)},
		{"walk finished", formatTime(rec.WalkFinishedAt)},
		{"finished", formatTime(rec.FinishedAt)},
		{"written", formatSize(rec.Bytes)},
	})

	if rec.Error != "" {
		statusf(false, "error: %s\n", rec.Error)
	}

	if len(transfers) == 0 {
		return nil
	}

	rows := make([][]string, 0, len(transfers))
	for i := range transfers {
		t := &transfers[i]
		rows = append(rows, []string{t.Status, t.Mode, formatSize(t.Bytes), t.RemotePath, t.Error})
	}

	io.WriteString(w, "\n")
	printTable(w, []string{"STATUS", "MODE", "SIZE", "REMOTE", "ERROR"}, rows)

	return nil
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
