package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BadgerOps/drivefetch/internal/drive"
	"github.com/BadgerOps/drivefetch/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func eligible(id string, size int64) drive.Descriptor {
	return drive.Descriptor{
		ID:        id,
		Name:      id + ".bin",
		MimeType:  "application/octet-stream",
		Size:      size,
		SizeKnown: size >= 0,
		Verdict:   drive.Verdict{Kind: drive.Eligible},
	}
}

// fakeUnit emits a configurable event sequence and tracks concurrency.
type fakeUnit struct {
	delay  time.Duration
	fail   map[string]bool
	panics map[string]bool
	silent map[string]bool
	active int32
	peak   int32
	calls  int32

	mu       sync.Mutex
	dispatch []string
}

func (u *fakeUnit) Transfer(ctx context.Context, d drive.Descriptor, destDir string, emit func(ProgressEvent)) {
	cur := atomic.AddInt32(&u.active, 1)
	defer atomic.AddInt32(&u.active, -1)
	atomic.AddInt32(&u.calls, 1)
	for {
		p := atomic.LoadInt32(&u.peak)
		if cur <= p || atomic.CompareAndSwapInt32(&u.peak, p, cur) {
			break
		}
	}
	u.mu.Lock()
	u.dispatch = append(u.dispatch, d.ID)
	u.mu.Unlock()

	emit(ProgressEvent{File: d, Phase: NotStarted})
	emit(ProgressEvent{File: d, Phase: InProgress})

	if u.panics[d.ID] {
		panic("unit exploded")
	}
	if u.delay > 0 {
		time.Sleep(u.delay)
	}
	if u.silent[d.ID] {
		return
	}
	if u.fail[d.ID] {
		emit(ProgressEvent{File: d, Phase: InProgress, Bytes: 1})
		emit(ProgressEvent{File: d, Phase: Failed, Err: errors.New("connection reset")})
		return
	}

	size := d.Size
	if !d.SizeKnown {
		size = 7
	}
	emit(ProgressEvent{File: d, Phase: InProgress, Bytes: size / 2})
	emit(ProgressEvent{File: d, Phase: InProgress, Bytes: size})
	emit(ProgressEvent{File: d, Phase: Completed, Bytes: size, Path: destDir + "/" + d.Name})
}

// recordingSink implements Sink and records every call.
type recordingSink struct {
	mu      sync.Mutex
	tasks   []*recordingTask
	reports []string
}

type recordingTask struct {
	sink     *recordingSink
	name     string
	total    int64
	known    bool
	progress []int64
	starts   int
	stops    int
	states   []ItemState
}

func (s *recordingSink) AddTask(name string, total int64, known bool) TaskHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &recordingTask{sink: s, name: name, total: total, known: known}
	s.tasks = append(s.tasks, t)
	return t
}

func (s *recordingSink) Report(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, fmt.Sprintf("%s: %v", name, err))
}

func (t *recordingTask) SetProgress(b int64) {
	t.sink.mu.Lock()
	defer t.sink.mu.Unlock()
	t.progress = append(t.progress, b)
}

func (t *recordingTask) Start() {
	t.sink.mu.Lock()
	defer t.sink.mu.Unlock()
	t.starts++
}

func (t *recordingTask) Stop() {
	t.sink.mu.Lock()
	defer t.sink.mu.Unlock()
	t.stops++
}

func (t *recordingTask) SetState(s ItemState) {
	t.sink.mu.Lock()
	defer t.sink.mu.Unlock()
	t.states = append(t.states, s)
}

func (t *recordingTask) lastState() ItemState {
	if len(t.states) == 0 {
		return Queued
	}
	return t.states[len(t.states)-1]
}

// memoryHistory is an in-memory HistoryStore.
type memoryHistory struct {
	mu      sync.Mutex
	runs    map[string]store.Run
	results []store.FileResult
	failAll bool
}

func newMemoryHistory() *memoryHistory {
	return &memoryHistory{runs: make(map[string]store.Run)}
}

func (h *memoryHistory) CreateRun(run *store.Run) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failAll {
		return errors.New("disk full")
	}
	h.runs[run.ID] = *run
	return nil
}

func (h *memoryHistory) UpdateRun(run *store.Run) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failAll {
		return errors.New("disk full")
	}
	if _, ok := h.runs[run.ID]; !ok {
		return store.ErrNotFound
	}
	h.runs[run.ID] = *run
	return nil
}

func (h *memoryHistory) AddFileResult(res *store.FileResult) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failAll {
		return errors.New("disk full")
	}
	h.results = append(h.results, *res)
	return nil
}
