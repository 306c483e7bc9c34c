package engine

import "unicode/utf8"

// Sink receives progress for a batch. Implementations must accept calls from
// any goroutine; each task handle is only written by the worker that owns it.
type Sink interface {
	// AddTask registers a visual task. When known is false the task shows
	// indeterminate progress until Start is called.
	AddTask(name string, total int64, known bool) TaskHandle
	// Report shows an error attributed to name.
	Report(name string, err error)
}

// TaskHandle is one file's task in a Sink.
type TaskHandle interface {
	SetProgress(bytes int64)
	Start()
	Stop()
}

// StateReporter is implemented by task handles that display scheduler state.
type StateReporter interface {
	SetState(ItemState)
}

// DiscardSink drops all progress.
type DiscardSink struct{}

func (DiscardSink) AddTask(string, int64, bool) TaskHandle { return discardTask{} }
func (DiscardSink) Report(string, error)                   {}

type discardTask struct{}

func (discardTask) SetProgress(int64) {}
func (discardTask) Start()            {}
func (discardTask) Stop()             {}

// TruncateName shortens name to width runes, marking the cut with "...".
// A width of zero or less disables truncation.
func TruncateName(name string, width int) string {
	if width <= 0 || utf8.RuneCountInString(name) <= width {
		return name
	}
	runes := []rune(name)
	return string(runes[:width]) + "..."
}

func setState(h TaskHandle, s ItemState) {
	if sr, ok := h.(StateReporter); ok {
		sr.SetState(s)
	}
}
