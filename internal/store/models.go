package store

import "time"

// Run status values.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// File result status values.
const (
	FileCompleted = "completed"
	FileFailed    = "failed"
	FileRejected  = "rejected"
)

// Run records one download invocation
type Run struct {
	ID               string // uuid
	Source           string
	Destination      string
	Parallelism      int
	StartTime        time.Time
	EndTime          time.Time
	Completed        int
	Failed           int
	Rejected         int
	BytesTransferred int64
	Status           string // "running", "success", "partial", "failed"
	ErrorMessage     string
}

// FileResult records the outcome for one identifier in a run
type FileResult struct {
	ID     int64
	RunID  string
	FileID string
	Name   string
	Path   string // empty unless completed
	Size   int64
	SHA256 string
	Status string // "completed", "failed", "rejected"
	Error  string
}
