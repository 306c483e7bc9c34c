package engine

import (
	"sync"
	"time"
)

// progressThrottle limits how often byte updates for one task wake listeners.
const progressThrottle = 250 * time.Millisecond

// maxReports caps the rolling error log.
const maxReports = 50

// ErrorReport is one error shown to the user.
type ErrorReport struct {
	Name  string    `json:"name"`
	Error string    `json:"error"`
	Time  time.Time `json:"time"`
}

// TaskProgress is a snapshot of one task.
type TaskProgress struct {
	Name           string        `json:"name"`
	State          ItemState     `json:"state"`
	TotalBytes     int64         `json:"total_bytes"`
	SizeKnown      bool          `json:"size_known"`
	Indeterminate  bool          `json:"indeterminate"`
	BytesDone      int64         `json:"bytes_done"`
	Percent        float64       `json:"percent"`
	BytesPerSecond int64         `json:"bytes_per_second"`
	ETA            time.Duration `json:"eta"`
	Elapsed        time.Duration `json:"elapsed"`
	Stopped        bool          `json:"stopped"`
}

// Progress is a snapshot of the whole batch, safe to hand to renderers.
type Progress struct {
	Tasks          []TaskProgress `json:"tasks"`
	Reports        []ErrorReport  `json:"reports,omitempty"`
	Completed      int            `json:"completed"`
	Failed         int            `json:"failed"`
	TotalBytes     int64          `json:"total_bytes"`
	BytesDone      int64          `json:"bytes_done"`
	BytesPerSecond int64          `json:"bytes_per_second"`
	ETA            time.Duration  `json:"eta"`
	StartTime      time.Time      `json:"start_time"`
	Elapsed        time.Duration  `json:"elapsed"`
	Message        string         `json:"message,omitempty"`
	Finished       bool           `json:"finished"`
}

type taskState struct {
	name          string
	total         int64
	known         bool
	indeterminate bool
	bytes         int64
	state         ItemState
	started       time.Time
	stopped       time.Time
	lastSignal    time.Time
}

// Tracker is a Sink that accumulates task state for a renderer. Renderers
// poll Snapshot or block on Wait.
type Tracker struct {
	mu sync.Mutex

	tasks     []*taskState
	reports   []ErrorReport
	startTime time.Time
	message   string
	finished  bool

	// Close-and-replace notification: any update closes the current
	// channel and installs a new one.
	notify chan struct{}

	now func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		startTime: time.Now(),
		notify:    make(chan struct{}),
		now:       time.Now,
	}
}

// AddTask implements Sink.
func (t *Tracker) AddTask(name string, total int64, known bool) TaskHandle {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tasks = append(t.tasks, &taskState{
		name:          name,
		total:         total,
		known:         known,
		indeterminate: !known,
		state:         Queued,
	})
	t.signal()
	return &trackedTask{tracker: t, idx: len(t.tasks) - 1}
}

// Report implements Sink.
func (t *Tracker) Report(name string, err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reports = append(t.reports, ErrorReport{Name: name, Error: err.Error(), Time: t.now()})
	if len(t.reports) > maxReports {
		t.reports = t.reports[len(t.reports)-maxReports:]
	}
	t.signal()
}

// SetMessage sets a human-readable status line.
func (t *Tracker) SetMessage(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.message = msg
	t.signal()
}

// Finish marks the batch as over so renderers can exit.
func (t *Tracker) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished = true
	t.signal()
}

// Wait returns a channel that will be closed when the next update occurs.
func (t *Tracker) Wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notify
}

// signal must be called with t.mu held.
func (t *Tracker) signal() {
	close(t.notify)
	t.notify = make(chan struct{})
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	p := Progress{
		Tasks:     make([]TaskProgress, 0, len(t.tasks)),
		Reports:   append([]ErrorReport(nil), t.reports...),
		StartTime: t.startTime,
		Elapsed:   now.Sub(t.startTime),
		Message:   t.message,
		Finished:  t.finished,
	}

	for _, ts := range t.tasks {
		tp := TaskProgress{
			Name:          ts.name,
			State:         ts.state,
			TotalBytes:    ts.total,
			SizeKnown:     ts.known,
			Indeterminate: ts.indeterminate,
			BytesDone:     ts.bytes,
			Stopped:       !ts.stopped.IsZero(),
		}
		if !ts.started.IsZero() {
			end := now
			if tp.Stopped {
				end = ts.stopped
			}
			tp.Elapsed = end.Sub(ts.started)
			tp.BytesPerSecond, tp.ETA = rate(ts.bytes, ts.total, ts.known, tp.Elapsed)
		}
		if ts.known && ts.total > 0 {
			tp.Percent = float64(ts.bytes) / float64(ts.total) * 100
		} else if ts.state == Done {
			tp.Percent = 100
		}

		switch ts.state {
		case Done:
			p.Completed++
		case Errored:
			p.Failed++
		}
		if ts.known {
			p.TotalBytes += ts.total
		}
		p.BytesDone += ts.bytes
		p.Tasks = append(p.Tasks, tp)
	}

	p.BytesPerSecond, p.ETA = rate(p.BytesDone, p.TotalBytes, true, p.Elapsed)
	return p
}

// rate returns the average speed and the remaining time at that speed.
func rate(done, total int64, known bool, elapsed time.Duration) (int64, time.Duration) {
	if elapsed < time.Second || done <= 0 {
		return 0, 0
	}
	bps := int64(float64(done) / elapsed.Seconds())
	var eta time.Duration
	if known && bps > 0 && total > done {
		eta = time.Duration(float64(total-done) / float64(bps) * float64(time.Second)).Truncate(time.Second)
	}
	return bps, eta
}

// trackedTask is the TaskHandle returned by Tracker.AddTask.
type trackedTask struct {
	tracker *Tracker
	idx     int
}

// SetProgress records bytes transferred. Listeners are woken at most once
// per progressThrottle for each task, and always when the total is reached.
func (h *trackedTask) SetProgress(bytes int64) {
	t := h.tracker
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := t.tasks[h.idx]
	ts.bytes = bytes
	if bytes > 0 {
		ts.indeterminate = false
	}

	now := t.now()
	if (ts.known && bytes >= ts.total) || now.Sub(ts.lastSignal) >= progressThrottle {
		ts.lastSignal = now
		t.signal()
	}
}

// Start marks the transfer as begun and clears indeterminate display.
func (h *trackedTask) Start() {
	t := h.tracker
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := t.tasks[h.idx]
	ts.indeterminate = false
	if ts.started.IsZero() {
		ts.started = t.now()
	}
	if ts.state < Transferring {
		ts.state = Transferring
	}
	t.signal()
}

// Stop freezes the task's timing.
func (h *trackedTask) Stop() {
	t := h.tracker
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := t.tasks[h.idx]
	if ts.stopped.IsZero() {
		ts.stopped = t.now()
	}
	t.signal()
}

// SetState implements StateReporter.
func (h *trackedTask) SetState(s ItemState) {
	t := h.tracker
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks[h.idx].state = s
	t.signal()
}
