package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/drivefetch/internal/store"
)

var (
	historyLimit int
	historyRunID string
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past download runs",
		Long: `Show recent download runs recorded in the history database, newest
first. Use --run with a run id (or a unique prefix of one) to list the files
of that run.`,
		Example: `  drivefetch history
  drivefetch history --limit 50
  drivefetch history --run 3f2a`,
		Args: cobra.NoArgs,
		RunE: historyCmdRun,
	}

	cmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of runs to show (0 for all)")
	cmd.Flags().StringVar(&historyRunID, "run", "", "show the files of one run")

	return cmd
}

func historyCmdRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	path, err := globalCfg.HistoryDBPath()
	if err != nil {
		return err
	}
	st, err := store.New(path, logger)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer st.Close()

	if historyRunID != "" {
		return printRunDetail(os.Stdout, st, historyRunID)
	}
	return printRuns(os.Stdout, st, historyLimit)
}

func printRuns(w io.Writer, st *store.Store, limit int) error {
	runs, err := st.ListRuns(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}

	fmt.Fprintf(w, "%-8s  %-14s  %-8s  %5s  %5s  %5s  %9s  %s\n",
		"RUN", "STARTED", "STATUS", "OK", "FAIL", "SKIP", "BYTES", "SOURCE")
	for _, r := range runs {
		fmt.Fprintf(w, "%-8s  %-14s  %-8s  %5d  %5d  %5d  %9s  %s\n",
			shortID(r.ID), humanize.Time(r.StartTime), r.Status,
			r.Completed, r.Failed, r.Rejected,
			humanize.Bytes(uint64(max(r.BytesTransferred, 0))), r.Source)
	}
	return nil
}

func printRunDetail(w io.Writer, st *store.Store, id string) error {
	run, err := st.GetRun(id)
	if err != nil {
		return err
	}
	results, err := st.ListFileResults(run.ID)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Run:         %s\n", run.ID)
	fmt.Fprintf(w, "Source:      %s\n", run.Source)
	fmt.Fprintf(w, "Destination: %s\n", run.Destination)
	fmt.Fprintf(w, "Started:     %s (%s)\n", run.StartTime.Format("2006-01-02 15:04:05"), humanize.Time(run.StartTime))
	if !run.EndTime.IsZero() {
		fmt.Fprintf(w, "Duration:    %s\n", formatElapsed(run.EndTime.Sub(run.StartTime)))
	}
	fmt.Fprintf(w, "Status:      %s\n", run.Status)
	fmt.Fprintf(w, "Parallelism: %d\n", run.Parallelism)
	fmt.Fprintf(w, "Transferred: %s\n", humanize.Bytes(uint64(max(run.BytesTransferred, 0))))
	if run.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:       %s\n", run.ErrorMessage)
	}

	if len(results) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	for _, r := range results {
		switch r.Status {
		case store.FileCompleted:
			fmt.Fprintf(w, "  %-9s %s (%s) -> %s\n", r.Status, r.Name, humanize.Bytes(uint64(max(r.Size, 0))), r.Path)
		default:
			name := r.Name
			if name == "" {
				name = r.FileID
			}
			fmt.Fprintf(w, "  %-9s %s: %s\n", r.Status, name, r.Error)
		}
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
