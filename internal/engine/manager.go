package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/BadgerOps/drivefetch/internal/drive"
	"github.com/BadgerOps/drivefetch/internal/safety"
	"github.com/BadgerOps/drivefetch/internal/source"
	"github.com/BadgerOps/drivefetch/internal/store"
)

// DestinationError means the destination directory is missing or unusable.
// It aborts the run before any network call.
type DestinationError struct {
	Path string
	Err  error
}

func (e *DestinationError) Error() string { return e.Err.Error() }

func (e *DestinationError) Unwrap() error { return e.Err }

// MetadataFetcher looks up and classifies every id, in input order.
type MetadataFetcher interface {
	FetchAll(ctx context.Context, ids []string) []drive.Descriptor
}

// HistoryStore persists runs. A nil HistoryStore disables history.
type HistoryStore interface {
	CreateRun(run *store.Run) error
	UpdateRun(run *store.Run) error
	AddFileResult(res *store.FileResult) error
}

// messenger is implemented by sinks that show a status line.
type messenger interface {
	SetMessage(msg string)
}

// RunOptions describes one download invocation.
type RunOptions struct {
	Source      string
	Destination string // empty means the working directory
	Parallelism int
	NameWidth   int
}

// RunReport is the outcome of Manager.Run.
type RunReport struct {
	RunID       string
	Destination string
	Resolved    []string
	Rejected    []drive.Descriptor
	Batch       BatchResult
	StartTime   time.Time
	EndTime     time.Time
}

// Status maps the report to a history status value.
func (r *RunReport) Status() string {
	bad := r.Batch.Failed + r.Batch.Rejected
	switch {
	case bad == 0:
		return store.StatusSuccess
	case r.Batch.Completed == 0:
		return store.StatusFailed
	default:
		return store.StatusPartial
	}
}

// Manager runs the whole pipeline: resolve, validate the destination, fetch
// metadata, report rejects, transfer, and record history.
type Manager struct {
	fetcher MetadataFetcher
	unit    TransferUnit
	sink    Sink
	history HistoryStore
	logger  *slog.Logger
}

// NewManager creates a Manager. sink and history may be nil.
func NewManager(fetcher MetadataFetcher, unit TransferUnit, sink Sink, history HistoryStore, logger *slog.Logger) *Manager {
	if sink == nil {
		sink = DiscardSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		fetcher: fetcher,
		unit:    unit,
		sink:    sink,
		history: history,
		logger:  logger,
	}
}

// Run executes one download. Only resolution and destination errors are
// returned; per-file failures are in the report.
func (m *Manager) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	report := &RunReport{
		RunID:     uuid.NewString(),
		StartTime: time.Now(),
	}

	dest, destErr := resolveDestination(opts.Destination)
	report.Destination = dest

	run := &store.Run{
		ID:          report.RunID,
		Source:      opts.Source,
		Destination: dest,
		Parallelism: ClampParallelism(opts.Parallelism),
		StartTime:   report.StartTime,
		Status:      store.StatusRunning,
	}
	m.recordStart(run)

	m.logger.Info("starting run", "run_id", report.RunID, "source", opts.Source, "destination", dest)

	ids, err := source.Resolve(opts.Source)
	if err != nil {
		m.recordFailure(run, err)
		return nil, err
	}
	if destErr != nil {
		m.recordFailure(run, destErr)
		return nil, destErr
	}
	report.Resolved = ids
	m.logger.Info("resolved identifiers", "count", len(ids))

	if len(ids) == 0 {
		m.setMessage("Nothing to download")
		report.EndTime = time.Now()
		m.recordFinish(run, report)
		return report, nil
	}

	m.setMessage(fmt.Sprintf("Fetching metadata for %d files", len(ids)))
	descs := m.fetcher.FetchAll(ctx, ids)

	// Every reject is reported before any transfer starts.
	_, rejected := drive.Partition(descs)
	report.Rejected = rejected
	for _, d := range rejected {
		m.sink.Report(displayName(d), errors.New(d.Verdict.Reason))
		m.logger.Warn("file rejected", "id", d.ID, "name", d.Name, "verdict", d.Verdict.Kind, "reason", d.Verdict.Reason)
	}

	m.setMessage(fmt.Sprintf("Downloading %d files", len(descs)-len(rejected)))
	orch := NewOrchestrator(m.unit, m.sink, OrchestratorOptions{
		Parallelism: opts.Parallelism,
		NameWidth:   opts.NameWidth,
	}, m.logger)
	report.Batch = orch.Run(ctx, descs, dest)
	report.EndTime = time.Now()

	m.logger.Info("run finished",
		"run_id", report.RunID,
		"completed", report.Batch.Completed,
		"failed", report.Batch.Failed,
		"rejected", report.Batch.Rejected,
		"bytes", report.Batch.Bytes,
		"elapsed", report.Batch.Elapsed,
	)
	m.recordFinish(run, report)
	return report, nil
}

// resolveDestination defaults to the working directory and checks that the
// target is an existing directory.
func resolveDestination(dest string) (string, error) {
	if dest == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", &DestinationError{Err: fmt.Errorf("cannot determine working directory: %w", err)}
		}
		dest = wd
	}
	abs, err := filepath.Abs(dest)
	if err != nil {
		return dest, &DestinationError{Path: dest, Err: fmt.Errorf("invalid destination %s: %w", dest, err)}
	}
	if err := safety.CheckDirectory(abs); err != nil {
		return abs, &DestinationError{Path: abs, Err: err}
	}
	return abs, nil
}

func displayName(d drive.Descriptor) string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

func (m *Manager) setMessage(msg string) {
	if ms, ok := m.sink.(messenger); ok {
		ms.SetMessage(msg)
	}
}

// History errors are logged and never fail the run.

func (m *Manager) recordStart(run *store.Run) {
	if m.history == nil {
		return
	}
	if err := m.history.CreateRun(run); err != nil {
		m.logger.Error("failed to create run record", "run_id", run.ID, "error", err)
	}
}

func (m *Manager) recordFailure(run *store.Run, err error) {
	if m.history == nil {
		return
	}
	run.EndTime = time.Now()
	run.Status = store.StatusFailed
	run.ErrorMessage = err.Error()
	if uerr := m.history.UpdateRun(run); uerr != nil {
		m.logger.Error("failed to update run record", "run_id", run.ID, "error", uerr)
	}
}

func (m *Manager) recordFinish(run *store.Run, report *RunReport) {
	if m.history == nil {
		return
	}

	for _, o := range report.Batch.Outcomes {
		res := &store.FileResult{
			RunID:  run.ID,
			FileID: o.File.ID,
			Name:   o.File.Name,
			Size:   o.Bytes,
		}
		if o.Phase == Completed {
			res.Status = store.FileCompleted
			res.Path = o.Path
			res.SHA256 = o.SHA256
		} else {
			res.Status = store.FileFailed
			if o.Err != nil {
				res.Error = o.Err.Error()
			}
		}
		m.addFileResult(res)
	}
	for _, d := range report.Rejected {
		m.addFileResult(&store.FileResult{
			RunID:  run.ID,
			FileID: d.ID,
			Name:   d.Name,
			Size:   d.Size,
			Status: store.FileRejected,
			Error:  fmt.Sprintf("%s: %s", d.Verdict.Kind, d.Verdict.Reason),
		})
	}

	run.EndTime = report.EndTime
	run.Completed = report.Batch.Completed
	run.Failed = report.Batch.Failed
	run.Rejected = report.Batch.Rejected
	run.BytesTransferred = report.Batch.Bytes
	run.Status = report.Status()
	if n := run.Failed + run.Rejected; n > 0 {
		run.ErrorMessage = fmt.Sprintf("%d of %d files not downloaded", n, len(report.Resolved))
	}
	if err := m.history.UpdateRun(run); err != nil {
		m.logger.Error("failed to update run record", "run_id", run.ID, "error", err)
	}
}

func (m *Manager) addFileResult(res *store.FileResult) {
	if err := m.history.AddFileResult(res); err != nil {
		m.logger.Error("failed to record file result", "run_id", res.RunID, "file_id", res.FileID, "error", err)
	}
}
