package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/drivefetch/internal/config"
	"github.com/BadgerOps/drivefetch/internal/download"
	"github.com/BadgerOps/drivefetch/internal/drive"
	"github.com/BadgerOps/drivefetch/internal/engine"
	"github.com/BadgerOps/drivefetch/internal/store"
	"github.com/BadgerOps/drivefetch/internal/ui"
)

var (
	dlParallel  int
	dlAPIKey    string
	dlUIMode    string
	dlNoHistory bool
	dlManifest  string
)

// tuiNameColumn caps the name column of the live view.
const tuiNameColumn = 40

func newDownloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download <source> [destination]",
		Short: "Download one file or a list of files",
		Long: `Download resolves the source into Drive file ids, checks each file's
metadata, and downloads every downloadable file in parallel.

The source is one of:
  - a share link such as https://drive.google.com/file/d/<id>/view
  - a bare file id
  - a path to a text file with one link or id per line

Files that cannot be downloaded (Google Docs, Sheets, Slides and other
hosted documents, or files whose owner disabled downloads) are reported and
skipped. The command exits non-zero when any file was not downloaded.`,
		Example: `  drivefetch download XYZ
  drivefetch download https://drive.google.com/file/d/XYZ/view ./out
  drivefetch download ids.txt /data --parallelLevel 8 --apiKey $API_KEY
  drivefetch download ids.txt --ui plain --no-history`,
		Args: cobra.RangeArgs(1, 2),
		RunE: downloadRun,
	}

	addDownloadFlags(cmd)
	return cmd
}

func addDownloadFlags(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&dlParallel, "parallelLevel", "p", 0, "number of files downloaded at once (default from config)")
	cmd.Flags().StringVarP(&dlAPIKey, "apiKey", "a", "", "Google API key (overrides "+config.EnvAPIKey+" and the config file)")
	cmd.Flags().StringVar(&dlUIMode, "ui", "", "progress display: auto, tui or plain (default from config)")
	cmd.Flags().BoolVar(&dlNoHistory, "no-history", false, "do not record this run in the history database")
	cmd.Flags().StringVar(&dlManifest, "manifest", "", "write a JSON manifest with checksums of downloaded files to this path")
}

func downloadRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	src := args[0]
	dest := ""
	if len(args) > 1 {
		dest = args[1]
	}

	parallel := globalCfg.ParallelLevel
	if cmd.Flags().Changed("parallelLevel") {
		parallel = dlParallel
	}
	if parallel < 1 {
		return fmt.Errorf("parallel level must be at least 1, got %d", parallel)
	}
	if ceiling := engine.MaxParallelism(); parallel > ceiling {
		logger.Warn("parallel level exceeds limit, clamping", "requested", parallel, "limit", ceiling)
	}

	mode := dlUIMode
	if mode == "" {
		mode = globalCfg.UI.Mode
	}
	useTUI, err := wantTUI(mode, isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()))
	if err != nil {
		return err
	}

	// While the live view owns the terminal, logs are held back and flushed
	// once it exits.
	var logBuf bytes.Buffer
	runLogger := logger
	if useTUI {
		runLogger = newLogger(&logBuf)
		defer func() {
			if logBuf.Len() > 0 {
				io.Copy(os.Stderr, &logBuf)
			}
		}()
	}

	var history engine.HistoryStore
	if globalCfg.History.Enabled && !dlNoHistory {
		if st := openHistory(runLogger); st != nil {
			defer st.Close()
			history = st
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := engine.RunOptions{
		Source:      src,
		Destination: dest,
		Parallelism: parallel,
		NameWidth:   globalCfg.UI.NameWidth,
	}

	var report *engine.RunReport
	var runErr error

	if useTUI {
		tracker := engine.NewTracker()
		mgr, err := buildManager(tracker, history, runLogger)
		if err != nil {
			return err
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			report, runErr = mgr.Run(ctx, opts)
			tracker.Finish()
		}()

		uiErr := ui.Run(tracker, done, ui.Options{
			NameWidth:   min(globalCfg.UI.NameWidth, tuiNameColumn),
			OnInterrupt: cancel,
		})
		if uiErr != nil {
			runLogger.Error("progress display stopped", "error", uiErr)
			cancel()
		}
		<-done
	} else {
		mgr, err := buildManager(ui.NewPlainReporter(os.Stderr), history, runLogger)
		if err != nil {
			return err
		}
		report, runErr = mgr.Run(ctx, opts)
	}

	if runErr != nil {
		return runErr
	}

	printSummary(os.Stdout, report)

	if dlManifest != "" {
		if err := engine.WriteManifest(dlManifest, engine.BuildManifest(src, report)); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Manifest written to %s\n", dlManifest)
	}

	if n := report.Batch.Failed + report.Batch.Rejected; n > 0 {
		return fmt.Errorf("download completed with %d failures", n)
	}
	return nil
}

// wantTUI decides between the live view and plain lines.
func wantTUI(mode string, terminal bool) (bool, error) {
	switch strings.ToLower(mode) {
	case "", config.UIModeAuto:
		return terminal, nil
	case config.UIModeTUI:
		return true, nil
	case config.UIModePlain:
		return false, nil
	default:
		return false, fmt.Errorf("unknown ui mode %q (want auto, tui or plain)", mode)
	}
}

// buildManager wires the Drive client, the transfer client and the sink.
func buildManager(sink engine.Sink, history engine.HistoryStore, log *slog.Logger) (*engine.Manager, error) {
	timeout, err := globalCfg.DriveTimeout()
	if err != nil {
		return nil, err
	}
	chunk, err := globalCfg.ChunkBytes()
	if err != nil {
		return nil, err
	}

	apiKey := globalCfg.ResolveAPIKey(dlAPIKey)
	if apiKey == "" {
		log.Warn("no API key configured, requests are unauthenticated and may be rate limited")
	}

	api, err := drive.NewClient(drive.ClientOptions{
		BaseURL:          globalCfg.Drive.BaseURL,
		APIKey:           apiKey,
		Timeout:          timeout,
		AcknowledgeAbuse: globalCfg.Drive.AcknowledgeAbuse,
	}, log)
	if err != nil {
		return nil, err
	}
	fetcher := drive.NewFetcher(api, drive.DefaultTypeTable(globalCfg.Drive.UnsupportedTypes...), globalCfg.Drive.MetadataConcurrency, log)
	unit := engine.NewDriveTransfer(api, download.NewClient(log), engine.TransferOptions{
		ChunkSize:  chunk,
		RetryCount: globalCfg.Download.RetryAttempts,
		Atomic:     globalCfg.Download.AtomicWrites,
	}, log)

	return engine.NewManager(fetcher, unit, sink, history, log), nil
}

// openHistory opens the history database. A failure only disables history.
func openHistory(log *slog.Logger) *store.Store {
	path, err := globalCfg.HistoryDBPath()
	if err != nil {
		log.Warn("history disabled", "error", err)
		return nil
	}
	st, err := store.New(path, log)
	if err != nil {
		log.Warn("history disabled", "path", path, "error", err)
		return nil
	}
	return st
}

// printSummary writes the closing lines of a run.
func printSummary(w io.Writer, report *engine.RunReport) {
	elapsed := report.EndTime.Sub(report.StartTime)
	fmt.Fprintf(w, "Downloaded %d files in %s\n", report.Batch.Completed, formatElapsed(elapsed))
	if report.Batch.Failed > 0 {
		fmt.Fprintf(w, "Failed: %d\n", report.Batch.Failed)
	}
	if report.Batch.Rejected > 0 {
		fmt.Fprintf(w, "Not downloadable: %d\n", report.Batch.Rejected)
		for _, d := range report.Rejected {
			fmt.Fprintf(w, "  - %s\n", d.Err())
		}
	}
}

// formatElapsed renders d as "H hours M minutes S seconds".
func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	s := int(d/time.Second) % 60
	return fmt.Sprintf("%d hours %d minutes %d seconds", h, m, s)
}
