package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BadgerOps/drivefetch/internal/download"
	"github.com/BadgerOps/drivefetch/internal/drive"
	"github.com/BadgerOps/drivefetch/internal/safety"
)

// TransferUnit streams one eligible file into destDir. It calls emit from the
// calling goroutine and finishes with exactly one Completed or Failed event.
type TransferUnit interface {
	Transfer(ctx context.Context, d drive.Descriptor, destDir string, emit func(ProgressEvent))
}

// MediaSource builds the content request for a file id.
type MediaSource interface {
	MediaRequest(id string) drive.Request
}

// Downloader fetches a URL to a local path.
type Downloader interface {
	Download(ctx context.Context, opts download.DownloadOptions) (*download.DownloadResult, error)
}

// TransferOptions tunes the byte transfer.
type TransferOptions struct {
	ChunkSize  int64
	RetryCount int
	Atomic     bool
}

// DriveTransfer is the TransferUnit backed by the Drive media endpoint.
type DriveTransfer struct {
	media  MediaSource
	client Downloader
	opts   TransferOptions
	logger *slog.Logger
}

// NewDriveTransfer creates a DriveTransfer.
func NewDriveTransfer(media MediaSource, client Downloader, opts TransferOptions, logger *slog.Logger) *DriveTransfer {
	if logger == nil {
		logger = slog.Default()
	}
	return &DriveTransfer{media: media, client: client, opts: opts, logger: logger}
}

// Transfer implements TransferUnit.
func (u *DriveTransfer) Transfer(ctx context.Context, d drive.Descriptor, destDir string, emit func(ProgressEvent)) {
	emit(ProgressEvent{File: d, Phase: NotStarted})

	fail := func(err error) {
		emit(ProgressEvent{File: d, Phase: Failed, Err: err})
	}

	if !d.Verdict.Eligible() {
		fail(fmt.Errorf("refusing to transfer %s: %s", d.ID, d.Verdict.Reason))
		return
	}
	dest, err := safety.SafeJoinUnder(destDir, d.Name)
	if err != nil {
		fail(fmt.Errorf("invalid destination for %s: %w", d.Name, err))
		return
	}

	req := u.media.MediaRequest(d.ID)

	// A chunk retry or a server that ignores Range can restart the byte count.
	// Reported progress holds at the high-water mark instead.
	var reported int64
	emit(ProgressEvent{File: d, Phase: InProgress})

	u.logger.Debug("starting transfer", "id", d.ID, "name", d.Name, "size", d.Size, "dest", dest)
	res, err := u.client.Download(ctx, download.DownloadOptions{
		URL:          req.URL,
		DestPath:     dest,
		Headers:      req.Headers,
		ExpectedSize: d.Size,
		SizeKnown:    d.SizeKnown,
		ChunkSize:    u.opts.ChunkSize,
		RetryCount:   u.opts.RetryCount,
		Atomic:       u.opts.Atomic,
		OnProgress: func(done, _ int64) {
			if done <= reported {
				return
			}
			reported = done
			emit(ProgressEvent{File: d, Phase: InProgress, Bytes: done})
		},
	})
	if err != nil {
		fail(err)
		return
	}

	u.logger.Debug("transfer complete", "id", d.ID, "name", d.Name, "size", res.Size, "attempts", res.Attempts, "chunks", res.Chunks, "duration", res.Duration)
	emit(ProgressEvent{File: d, Phase: Completed, Bytes: res.Size, Path: res.Path, SHA256: res.SHA256})
}
