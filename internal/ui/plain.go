package ui

import (
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/BadgerOps/drivefetch/internal/engine"
)

// PlainReporter is an engine.Sink that prints one line per start, completion,
// and failure. It is used when the output is not a terminal.
type PlainReporter struct {
	mu  sync.Mutex
	out io.Writer
}

// NewPlainReporter creates a PlainReporter writing to out.
func NewPlainReporter(out io.Writer) *PlainReporter {
	return &PlainReporter{out: out}
}

func (r *PlainReporter) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format+"\n", args...)
}

// AddTask implements engine.Sink.
func (r *PlainReporter) AddTask(name string, total int64, known bool) engine.TaskHandle {
	return &plainTask{r: r, name: name, total: total, known: known}
}

// Report implements engine.Sink.
func (r *PlainReporter) Report(name string, err error) {
	if err == nil {
		return
	}
	r.printf("Error: %s: %v", name, err)
}

// SetMessage prints status lines such as "Downloading 3 files".
func (r *PlainReporter) SetMessage(msg string) {
	r.printf("%s", msg)
}

type plainTask struct {
	r     *PlainReporter
	name  string
	total int64
	known bool
	bytes int64
}

func (t *plainTask) SetProgress(bytes int64) { t.bytes = bytes }

func (t *plainTask) Start() {
	if t.known {
		t.r.printf("Downloading %s (%s)", t.name, humanize.Bytes(uint64(max(t.total, 0))))
		return
	}
	t.r.printf("Downloading %s (size unknown)", t.name)
}

func (t *plainTask) Stop() {}

// SetState implements engine.StateReporter. Failures are printed by Report.
func (t *plainTask) SetState(s engine.ItemState) {
	if s == engine.Done {
		t.r.printf("Completed %s (%s)", t.name, humanize.Bytes(uint64(max(t.bytes, 0))))
	}
}
