package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/BadgerOps/drivefetch/internal/safety"
)

// maxErrorBody bounds how much of a failed response is kept for logging.
const maxErrorBody = 64 << 10

// ProgressFunc is called as bytes are written.
// bytesDownloaded is the number of bytes written so far,
// totalBytes is the expected size of the download (or 0 if unknown).
type ProgressFunc func(bytesDownloaded, totalBytes int64)

// DownloadOptions contains configuration for a single download.
type DownloadOptions struct {
	URL          string
	DestPath     string
	Headers      map[string]string
	ExpectedSize int64 // checked when SizeKnown
	SizeKnown    bool
	ChunkSize    int64 // 0 fetches the file with a single request
	RetryCount   int   // per chunk; 0 defaults to 3
	Atomic       bool  // write to a temp file and rename on success
	OnProgress   ProgressFunc
}

// DownloadResult contains the result of a successful download.
type DownloadResult struct {
	Path     string        // Path to the downloaded file
	Size     int64         // Final file size in bytes
	SHA256   string        // SHA256 checksum in hex
	Chunks   int           // Number of ranged requests that completed
	Attempts int           // Number of HTTP attempts made across all chunks
	Duration time.Duration // Total download duration
}

// Client performs HTTP downloads with chunking, per-chunk retries and
// validation.
type Client struct {
	httpClient  *http.Client
	logger      *slog.Logger
	userAgent   string
	backoffFunc func(attempt int) time.Duration
}

// NewClient creates a new download client with the given logger.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		// No overall Timeout. Body reads can take as long as needed and
		// context cancellation still applies.
		httpClient:  &http.Client{Transport: safety.NewTransport()},
		logger:      logger,
		userAgent:   "drivefetch/1.0",
		backoffFunc: calculateBackoffDelay,
	}
}

// Download fetches opts.URL into opts.DestPath. Files larger than ChunkSize
// with a known size are fetched as consecutive Range requests; a chunk that
// fails part way is resumed from the last written byte.
func (c *Client) Download(ctx context.Context, opts DownloadOptions) (*DownloadResult, error) {
	if opts.RetryCount <= 0 {
		opts.RetryCount = 3
	}
	startTime := time.Now()

	dir := filepath.Dir(opts.DestPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := openTarget(opts)
	if err != nil {
		return nil, err
	}
	tmpPath := file.Name()

	t := &transfer{client: c, opts: opts, file: file, hash: sha256.New()}
	err = t.run(ctx)
	if err == nil && opts.Atomic {
		err = file.Sync()
	}
	if cerr := file.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close file: %w", cerr)
	}
	if err == nil && opts.SizeKnown && t.written != opts.ExpectedSize {
		err = fmt.Errorf("size mismatch: got %d bytes, expected %d", t.written, opts.ExpectedSize)
	}

	if err != nil {
		if opts.Atomic {
			_ = os.Remove(tmpPath)
		}
		return nil, err
	}

	if opts.Atomic {
		if err := os.Rename(tmpPath, opts.DestPath); err != nil {
			_ = os.Remove(tmpPath)
			return nil, fmt.Errorf("failed to move %s into place: %w", filepath.Base(opts.DestPath), err)
		}
	}

	return &DownloadResult{
		Path:     opts.DestPath,
		Size:     t.written,
		SHA256:   hex.EncodeToString(t.hash.Sum(nil)),
		Chunks:   t.chunks,
		Attempts: t.attempts,
		Duration: time.Since(startTime),
	}, nil
}

// openTarget creates the file bytes are written to. Atomic downloads go to a
// hidden sibling of the destination so the rename stays on one filesystem.
func openTarget(opts DownloadOptions) (*os.File, error) {
	if opts.Atomic {
		dir, base := filepath.Split(opts.DestPath)
		f, err := os.CreateTemp(dir, "."+base+".part-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create temp file: %w", err)
		}
		return f, nil
	}
	f, err := os.OpenFile(opts.DestPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}

// transfer is the state of one Download call. Writes are strictly sequential,
// so the hash always covers bytes [0, written).
type transfer struct {
	client   *Client
	opts     DownloadOptions
	file     *os.File
	hash     hash.Hash
	written  int64
	chunks   int
	attempts int
}

func (t *transfer) run(ctx context.Context) error {
	size, chunk := t.opts.ExpectedSize, t.opts.ChunkSize
	if !t.opts.SizeKnown || chunk <= 0 || size <= chunk {
		_, err := t.fetch(ctx, -1)
		return err
	}

	for t.written < size {
		end := t.written + chunk - 1
		if end >= size {
			end = size - 1
		}
		whole, err := t.fetch(ctx, end)
		if err != nil {
			return err
		}
		if whole {
			t.client.logger.Debug("server ignored range request, fetched whole body", "url", redact(t.opts.URL))
			break
		}
	}
	return nil
}

// fetch retrieves bytes up to and including end (or to EOF when end < 0),
// retrying with backoff. It reports whether the server sent the whole body.
func (t *transfer) fetch(ctx context.Context, end int64) (bool, error) {
	var lastErr error
	for attempt := 1; attempt <= t.opts.RetryCount; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, fmt.Errorf("download cancelled: %w", err)
		}

		t.attempts++
		whole, err := t.attempt(ctx, end)
		if err == nil {
			t.chunks++
			return whole, nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false, err
		}
		if shouldNotRetry(err) {
			return false, err
		}

		t.client.logger.Warn("download attempt failed", "url", redact(t.opts.URL), "offset", t.written, "attempt", attempt, "error", err)
		if attempt < t.opts.RetryCount {
			delay := t.client.backoffFunc(attempt)
			t.client.logger.Debug("retrying download", "url", redact(t.opts.URL), "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return false, fmt.Errorf("download cancelled during retry: %w", ctx.Err())
			}
		}
	}
	return false, fmt.Errorf("download failed after %d attempts: %w", t.opts.RetryCount, lastErr)
}

// attempt performs a single HTTP request starting at the current offset.
func (t *transfer) attempt(ctx context.Context, end int64) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.opts.URL, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", t.client.userAgent)
	for k, v := range t.opts.Headers {
		req.Header.Set(k, v)
	}

	start := t.written
	switch {
	case end >= 0:
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	case start > 0:
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
	}

	resp, err := t.client.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body = io.NopCloser(io.LimitReader(resp.Body, maxErrorBody))
		return false, newHTTPError(resp)
	}

	whole := resp.StatusCode != http.StatusPartialContent
	if whole {
		// Range not honoured: the body starts at byte zero.
		if err := t.reset(); err != nil {
			return false, err
		}
	} else if got, ok := contentRangeStart(resp.Header.Get("Content-Range")); ok && got != start {
		return false, fmt.Errorf("server returned range starting at %d, requested %d", got, start)
	}

	if _, err := io.Copy(t, resp.Body); err != nil {
		return false, err
	}

	if !whole && end >= 0 && t.written != end+1 {
		return false, fmt.Errorf("chunk ended at byte %d, want %d: %w", t.written, end+1, io.ErrUnexpectedEOF)
	}
	return whole, nil
}

// Write sends p to the file and the running hash and reports progress.
func (t *transfer) Write(p []byte) (int, error) {
	n, err := t.file.Write(p)
	if n > 0 {
		t.hash.Write(p[:n])
		t.written += int64(n)
		if t.opts.OnProgress != nil {
			t.opts.OnProgress(t.written, t.opts.ExpectedSize)
		}
	}
	if err != nil {
		return n, &WriteError{Path: t.opts.DestPath, Err: err}
	}
	return n, nil
}

func (t *transfer) reset() error {
	if t.written == 0 {
		return nil
	}
	if err := t.file.Truncate(0); err != nil {
		return &WriteError{Path: t.opts.DestPath, Err: err}
	}
	if _, err := t.file.Seek(0, io.SeekStart); err != nil {
		return &WriteError{Path: t.opts.DestPath, Err: err}
	}
	t.hash.Reset()
	t.written = 0
	return nil
}

// contentRangeStart parses the first byte position of "bytes a-b/total".
func contentRangeStart(v string) (int64, bool) {
	var a, b int64
	if _, err := fmt.Sscanf(v, "bytes %d-%d/", &a, &b); err != nil {
		return 0, false
	}
	return a, true
}

func redact(u string) string { return safety.RedactQuery(u, "key") }

// calculateBackoffDelay calculates exponential backoff with jitter.
// Base delay is 1s, doubles each attempt, plus random jitter up to half the delay.
func calculateBackoffDelay(attempt int) time.Duration {
	baseDelay := time.Second
	exponentialDelay := time.Duration(math.Pow(2, float64(attempt-1))) * baseDelay
	maxJitter := exponentialDelay / 2
	jitter := time.Duration(rand.Int63n(int64(maxJitter)))
	return exponentialDelay + jitter
}

// shouldNotRetry returns true if the error should not trigger a retry.
func shouldNotRetry(err error) bool {
	var writeErr *WriteError
	if errors.As(err, &writeErr) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		// Don't retry on 4xx errors except 429 (Too Many Requests)
		if httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 && httpErr.StatusCode != 429 {
			return true
		}
	}
	return false
}

// HTTPError represents an HTTP error response. Message is the Google API
// error message when the body carried one.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
	Message    string
}

func newHTTPError(resp *http.Response) *HTTPError {
	e := &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
	var gerr *googleapi.Error
	if errors.As(googleapi.CheckResponse(resp), &gerr) {
		e.Body = gerr.Body
		e.Message = gerr.Message
	}
	return e
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("http error %d: %s", e.StatusCode, e.Status)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// WriteError is a local disk failure. It is never retried.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write %s: %v", filepath.Base(e.Path), e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
