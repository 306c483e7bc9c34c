package engine

import (
	"fmt"

	"github.com/BadgerOps/drivefetch/internal/drive"
)

// Phase is the lifecycle stage carried by a ProgressEvent.
type Phase int

const (
	NotStarted Phase = iota
	InProgress
	Completed
	Failed
)

func (p Phase) String() string {
	switch p {
	case NotStarted:
		return "not-started"
	case InProgress:
		return "in-progress"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Terminal reports whether p ends a file's lifecycle.
func (p Phase) Terminal() bool { return p == Completed || p == Failed }

// ProgressEvent is emitted by a TransferUnit for its own descriptor only.
// Bytes never decreases within InProgress. Err is set only when Phase is
// Failed; Path and SHA256 only when it is Completed.
type ProgressEvent struct {
	File   drive.Descriptor
	Phase  Phase
	Bytes  int64
	Err    error
	Path   string
	SHA256 string
}

// ItemState is the scheduler's view of one submitted descriptor.
type ItemState int

const (
	Queued ItemState = iota
	Scheduled
	Transferring
	Done
	Errored
)

func (s ItemState) String() string {
	switch s {
	case Queued:
		return "queued"
	case Scheduled:
		return "scheduled"
	case Transferring:
		return "transferring"
	case Done:
		return "completed"
	case Errored:
		return "failed"
	}
	return fmt.Sprintf("ItemState(%d)", int(s))
}
