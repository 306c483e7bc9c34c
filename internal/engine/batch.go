package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BadgerOps/drivefetch/internal/drive"
)

// DefaultNameWidth is the display width of task names in the sink.
const DefaultNameWidth = 80

// MaxParallelism is the ceiling applied to the requested parallelism.
func MaxParallelism() int {
	return 2 * runtime.NumCPU()
}

// ClampParallelism bounds p to [1, MaxParallelism()].
func ClampParallelism(p int) int {
	if p < 1 {
		return 1
	}
	if ceiling := MaxParallelism(); p > ceiling {
		return ceiling
	}
	return p
}

// FileOutcome is the terminal result for one submitted descriptor.
type FileOutcome struct {
	File   drive.Descriptor
	Phase  Phase // Completed or Failed
	Bytes  int64
	Path   string
	SHA256 string
	Err    error
}

// BatchResult summarizes a finished batch. Outcomes are in submission order
// and hold one entry per eligible descriptor.
type BatchResult struct {
	Completed int
	Failed    int
	Rejected  int
	Bytes     int64
	Elapsed   time.Duration
	Outcomes  []FileOutcome
}

// OrchestratorOptions configures an Orchestrator.
type OrchestratorOptions struct {
	Parallelism int
	NameWidth   int
}

// Orchestrator runs TransferUnits for a batch of descriptors with bounded
// concurrency. One item's failure never affects the others.
type Orchestrator struct {
	unit        TransferUnit
	sink        Sink
	parallelism int
	nameWidth   int
	logger      *slog.Logger
}

// NewOrchestrator creates an Orchestrator. Parallelism is clamped with
// ClampParallelism.
func NewOrchestrator(unit TransferUnit, sink Sink, opts OrchestratorOptions, logger *slog.Logger) *Orchestrator {
	if sink == nil {
		sink = DiscardSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	width := opts.NameWidth
	if width == 0 {
		width = DefaultNameWidth
	}
	return &Orchestrator{
		unit:        unit,
		sink:        sink,
		parallelism: ClampParallelism(opts.Parallelism),
		nameWidth:   width,
		logger:      logger,
	}
}

// Parallelism returns the effective worker count.
func (o *Orchestrator) Parallelism() int { return o.parallelism }

// job pairs a descriptor with its submission index and sink task.
type job struct {
	index int
	file  drive.Descriptor
	task  TaskHandle
}

// batchCounters are the only state shared between workers.
type batchCounters struct {
	completed atomic.Int64
	failed    atomic.Int64
	bytes     atomic.Int64
}

// Run transfers every eligible descriptor into destDir and blocks until each
// one has reached Completed or Failed. Ineligible descriptors are counted as
// rejected and never reach the TransferUnit.
func (o *Orchestrator) Run(ctx context.Context, descs []drive.Descriptor, destDir string) BatchResult {
	startTime := time.Now()

	var jobs []job
	rejected := 0
	for _, d := range descs {
		if !d.Verdict.Eligible() {
			rejected++
			o.logger.Debug("skipping ineligible file", "id", d.ID, "verdict", d.Verdict.Kind, "reason", d.Verdict.Reason)
			continue
		}
		jobs = append(jobs, job{index: len(jobs), file: d})
	}

	o.assignUniqueNames(jobs)

	// Tasks are registered up front, in submission order, so the display
	// order matches the input even though completion order does not.
	for i := range jobs {
		d := jobs[i].file
		jobs[i].task = o.sink.AddTask(TruncateName(d.Name, o.nameWidth), d.Size, d.SizeKnown)
	}

	outcomes := make([]FileOutcome, len(jobs))
	var counters batchCounters

	if len(jobs) > 0 {
		workers := o.parallelism
		if workers > len(jobs) {
			workers = len(jobs)
		}
		o.logger.Info("starting batch", "files", len(jobs), "rejected", rejected, "workers", workers)

		jobsChan := make(chan job, len(jobs))
		for _, j := range jobs {
			jobsChan <- j
		}
		close(jobsChan)

		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go o.worker(ctx, jobsChan, destDir, outcomes, &counters, &wg)
		}
		wg.Wait()
	}

	return BatchResult{
		Completed: int(counters.completed.Load()),
		Failed:    int(counters.failed.Load()),
		Rejected:  rejected,
		Bytes:     counters.bytes.Load(),
		Elapsed:   time.Since(startTime),
		Outcomes:  outcomes,
	}
}

// assignUniqueNames gives every job its own destination file name. The
// first occurrence of a name keeps it; later ones become "name (N).ext".
// Names compare case-insensitively so case-folding filesystems are covered.
func (o *Orchestrator) assignUniqueNames(jobs []job) {
	taken := make(map[string]bool, len(jobs))
	for i := range jobs {
		taken[nameKey(jobs[i].file.Name)] = false
	}
	for i := range jobs {
		name := jobs[i].file.Name
		if !plainName(name) {
			// Left alone so the transfer refuses it.
			continue
		}
		if !taken[nameKey(name)] {
			taken[nameKey(name)] = true
			continue
		}
		ext := filepath.Ext(name)
		base := strings.TrimSuffix(name, ext)
		if base == "" {
			base, ext = name, ""
		}
		for n := 1; ; n++ {
			candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
			if _, exists := taken[nameKey(candidate)]; !exists {
				taken[nameKey(candidate)] = true
				jobs[i].file.Name = candidate
				break
			}
		}
		o.logger.Warn("duplicate file name in batch, renaming", "id", jobs[i].file.ID, "name", name, "renamed", jobs[i].file.Name)
	}
}

func plainName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}

func nameKey(name string) string {
	return strings.ToLower(filepath.Clean(name))
}

// worker processes jobs until the channel is drained. Each outcome slot is
// written by exactly one worker.
func (o *Orchestrator) worker(ctx context.Context, jobsChan <-chan job, destDir string, outcomes []FileOutcome, counters *batchCounters, wg *sync.WaitGroup) {
	defer wg.Done()
	for j := range jobsChan {
		outcomes[j.index] = o.runJob(ctx, j, destDir, counters)
	}
}

// runJob drives one TransferUnit and forwards its events to the job's task.
func (o *Orchestrator) runJob(ctx context.Context, j job, destDir string, counters *batchCounters) (out FileOutcome) {
	d, task := j.file, j.task
	setState(task, Scheduled)

	started, terminal := false, false
	emit := func(ev ProgressEvent) {
		if terminal {
			o.logger.Warn("ignoring event after terminal event", "id", d.ID, "phase", ev.Phase)
			return
		}
		switch ev.Phase {
		case NotStarted:
		case InProgress:
			if !started {
				started = true
				task.Start()
			}
			task.SetProgress(ev.Bytes)
		case Completed:
			terminal = true
			if !started {
				started = true
				task.Start()
			}
			full := ev.Bytes
			if d.SizeKnown {
				full = d.Size
			}
			task.SetProgress(full)
			setState(task, Done)
			task.Stop()
			counters.completed.Add(1)
			counters.bytes.Add(ev.Bytes)
			out = FileOutcome{File: d, Phase: Completed, Bytes: ev.Bytes, Path: ev.Path, SHA256: ev.SHA256}
			o.logger.Info("download completed", "id", d.ID, "name", d.Name, "size", ev.Bytes)
		case Failed:
			terminal = true
			err := ev.Err
			if err == nil {
				err = errors.New("transfer failed")
			}
			setState(task, Errored)
			task.Stop()
			o.sink.Report(d.Name, err)
			counters.failed.Add(1)
			out = FileOutcome{File: d, Phase: Failed, Bytes: ev.Bytes, Err: err}
			o.logger.Error("download failed", "id", d.ID, "name", d.Name, "error", err)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			if !terminal {
				emit(ProgressEvent{File: d, Phase: Failed, Err: fmt.Errorf("transfer panicked: %v", r)})
			}
		}
	}()

	if err := ctx.Err(); err != nil {
		emit(ProgressEvent{File: d, Phase: Failed, Err: fmt.Errorf("not started: %w", err)})
		return out
	}

	o.unit.Transfer(ctx, d, destDir, emit)
	if !terminal {
		emit(ProgressEvent{File: d, Phase: Failed, Err: errors.New("transfer ended without a result")})
	}
	return out
}
