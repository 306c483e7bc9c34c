package download

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// newTestClient creates a client with zero-delay backoff for fast tests.
func newTestClient(logger *slog.Logger) *Client {
	c := NewClient(logger)
	c.backoffFunc = func(attempt int) time.Duration { return 0 }
	return c
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// testPayload returns n bytes of non-repeating content.
func testPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}

// assertNoTempFiles fails if any .part- file was left behind in dir.
func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".part-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

// rangeServer serves content honouring Range requests and records each
// Range header it sees.
type rangeServer struct {
	content []byte
	mu      sync.Mutex
	ranges  []string
}

func (s *rangeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.ranges = append(s.ranges, r.Header.Get("Range"))
	s.mu.Unlock()
	http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(s.content))
}

func (s *rangeServer) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ranges...)
}

// TestNewClient creates client with logger
func TestNewClient(t *testing.T) {
	client := newTestClient(discardLogger())

	if client.httpClient == nil {
		t.Fatal("expected httpClient to be initialized")
	}
	if client.userAgent != "drivefetch/1.0" {
		t.Errorf("expected userAgent to be 'drivefetch/1.0', got %s", client.userAgent)
	}
	if client.logger == nil {
		t.Fatal("expected logger to be set")
	}
	if NewClient(nil).backoffFunc == nil {
		t.Fatal("expected default backoff")
	}
}

// TestDownloadFile serves a file, downloads it, and verifies content and checksum
func TestDownloadFile(t *testing.T) {
	testContent := []byte("This is test file content for download verification")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			t.Errorf("unexpected Range header %q on single request", r.Header.Get("Range"))
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(testContent)
	}))
	defer server.Close()

	tmpDir := t.TempDir()
	destPath := filepath.Join(tmpDir, "testfile.bin")
	client := newTestClient(discardLogger())

	result, err := client.Download(context.Background(), DownloadOptions{
		URL:          server.URL,
		DestPath:     destPath,
		ExpectedSize: int64(len(testContent)),
		SizeKnown:    true,
		Atomic:       true,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	content, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if string(content) != string(testContent) {
		t.Errorf("content mismatch: expected %s, got %s", testContent, content)
	}
	if result.Size != int64(len(testContent)) {
		t.Errorf("expected size %d, got %d", len(testContent), result.Size)
	}
	if result.Path != destPath {
		t.Errorf("expected path %s, got %s", destPath, result.Path)
	}
	if result.SHA256 != sha256Hex(testContent) {
		t.Errorf("checksum mismatch: expected %s, got %s", sha256Hex(testContent), result.SHA256)
	}
	if result.Attempts != 1 || result.Chunks != 1 {
		t.Errorf("expected 1 attempt and 1 chunk, got %d and %d", result.Attempts, result.Chunks)
	}
	assertNoTempFiles(t, tmpDir)
}

func TestDownloadFileWithHeaders(t *testing.T) {
	testContent := []byte("header gated content")
	const authHeader = "Bearer test-token"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != authHeader {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("missing auth"))
			return
		}
		if got := r.Header.Get("User-Agent"); got != "custom/2.0" {
			t.Errorf("User-Agent = %q, want override", got)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(testContent)
	}))
	defer server.Close()

	destPath := filepath.Join(t.TempDir(), "header.bin")
	client := newTestClient(discardLogger())

	result, err := client.Download(context.Background(), DownloadOptions{
		URL:      server.URL,
		DestPath: destPath,
		Headers: map[string]string{
			"Authorization": authHeader,
			"User-Agent":    "custom/2.0",
		},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Size != int64(len(testContent)) {
		t.Fatalf("expected size %d, got %d", len(testContent), result.Size)
	}
}

// TestDownloadFileNotFound gets a 404 and must not retry or leave files behind
func TestDownloadFileNotFound(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":404,"message":"File not found: XYZ."}}`))
	}))
	defer server.Close()

	tmpDir := t.TempDir()
	destPath := filepath.Join(tmpDir, "testfile_404.bin")
	client := newTestClient(discardLogger())

	result, err := client.Download(context.Background(), DownloadOptions{
		URL:        server.URL,
		DestPath:   destPath,
		RetryCount: 5,
		Atomic:     true,
	})
	if err == nil {
		t.Fatal("expected error for 404 status")
	}
	if result != nil {
		t.Fatal("expected result to be nil on error")
	}

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected *HTTPError 404, got %v", err)
	}
	if !strings.Contains(err.Error(), "File not found: XYZ.") {
		t.Errorf("error should carry the API message: %v", err)
	}
	if n := atomic.LoadInt32(&requests); n != 1 {
		t.Errorf("expected 1 request for 404, got %d", n)
	}
	if _, err := os.Stat(destPath); err == nil {
		t.Fatal("expected no file at destination")
	}
	assertNoTempFiles(t, tmpDir)
}

// TestDownloadFileServerError retries a 500 until attempts run out
func TestDownloadFileServerError(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Server error"))
	}))
	defer server.Close()

	client := newTestClient(discardLogger())
	_, err := client.Download(context.Background(), DownloadOptions{
		URL:      server.URL,
		DestPath: filepath.Join(t.TempDir(), "testfile_500.bin"),
	})
	if err == nil {
		t.Fatal("expected error for 500 status")
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("unexpected error: %v", err)
	}
	if n := atomic.LoadInt32(&requests); n != 3 {
		t.Errorf("expected 3 requests with default retry count, got %d", n)
	}
}

// TestDownloadFileRetry fails the first requests then succeeds
func TestDownloadFileRetry(t *testing.T) {
	testContent := []byte("Content after retries")
	var requests int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("Service unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(testContent)
	}))
	defer server.Close()

	destPath := filepath.Join(t.TempDir(), "testfile_retry.bin")
	client := newTestClient(discardLogger())

	result, err := client.Download(context.Background(), DownloadOptions{
		URL:        server.URL,
		DestPath:   destPath,
		RetryCount: 5,
	})
	if err != nil {
		t.Fatalf("expected no error after retries, got %v", err)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}

	content, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if string(content) != string(testContent) {
		t.Errorf("content mismatch: expected %s, got %s", testContent, content)
	}
}

func TestDownloadChunked(t *testing.T) {
	content := testPayload(45)
	rs := &rangeServer{content: content}
	server := httptest.NewServer(rs)
	defer server.Close()

	tmpDir := t.TempDir()
	destPath := filepath.Join(tmpDir, "chunked.bin")
	client := newTestClient(discardLogger())

	var last int64
	result, err := client.Download(context.Background(), DownloadOptions{
		URL:          server.URL,
		DestPath:     destPath,
		ExpectedSize: int64(len(content)),
		SizeKnown:    true,
		ChunkSize:    10,
		Atomic:       true,
		OnProgress: func(done, total int64) {
			if done < last {
				t.Errorf("progress went backwards: %d after %d", done, last)
			}
			if total != int64(len(content)) {
				t.Errorf("total = %d", total)
			}
			last = done
		},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	want := []string{"bytes=0-9", "bytes=10-19", "bytes=20-29", "bytes=30-39", "bytes=40-44"}
	got := rs.seen()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("ranges = %v, want %v", got, want)
	}
	if result.Chunks != 5 {
		t.Errorf("expected 5 chunks, got %d", result.Chunks)
	}
	if last != int64(len(content)) {
		t.Errorf("final progress = %d, want %d", last, len(content))
	}

	data, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, content) {
		t.Error("chunked content mismatch")
	}
	if result.SHA256 != sha256Hex(content) {
		t.Error("checksum mismatch for chunked download")
	}
	assertNoTempFiles(t, tmpDir)
}

// TestDownloadChunkResumesMidChunk drops the connection half way through the
// first chunk; the retry must ask only for the missing bytes.
func TestDownloadChunkResumesMidChunk(t *testing.T) {
	content := testPayload(30)
	var (
		mu     sync.Mutex
		ranges []string
		broken bool
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		breakNow := !broken
		broken = true
		mu.Unlock()

		var start, end int
		if _, err := fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end); err != nil {
			t.Errorf("bad range header: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
		w.Header().Set("Content-Length", fmt.Sprint(end-start+1))
		w.WriteHeader(http.StatusPartialContent)
		if breakNow {
			_, _ = w.Write(content[start : start+4])
			w.(http.Flusher).Flush()
			panic(http.ErrAbortHandler)
		}
		_, _ = w.Write(content[start : end+1])
	}))
	defer server.Close()

	destPath := filepath.Join(t.TempDir(), "resume.bin")
	client := newTestClient(discardLogger())

	result, err := client.Download(context.Background(), DownloadOptions{
		URL:          server.URL,
		DestPath:     destPath,
		ExpectedSize: int64(len(content)),
		SizeKnown:    true,
		ChunkSize:    10,
		Atomic:       true,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	mu.Lock()
	got := strings.Join(ranges, ",")
	mu.Unlock()
	if want := "bytes=0-9,bytes=4-9,bytes=10-19,bytes=20-29"; got != want {
		t.Errorf("ranges = %s, want %s", got, want)
	}
	if result.Attempts != 4 || result.Chunks != 3 {
		t.Errorf("attempts=%d chunks=%d, want 4 and 3", result.Attempts, result.Chunks)
	}
	data, _ := os.ReadFile(destPath)
	if !bytes.Equal(data, content) {
		t.Error("resumed content mismatch")
	}
	if result.SHA256 != sha256Hex(content) {
		t.Error("checksum should cover the resumed bytes exactly once")
	}
}

// TestDownloadRangeIgnored uses a server that always answers 200 with the full
// body; the client must accept it once instead of appending duplicates.
func TestDownloadRangeIgnored(t *testing.T) {
	content := testPayload(25)
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(content)
	}))
	defer server.Close()

	destPath := filepath.Join(t.TempDir(), "norange.bin")
	client := newTestClient(discardLogger())

	result, err := client.Download(context.Background(), DownloadOptions{
		URL:          server.URL,
		DestPath:     destPath,
		ExpectedSize: int64(len(content)),
		SizeKnown:    true,
		ChunkSize:    10,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if n := atomic.LoadInt32(&requests); n != 1 {
		t.Errorf("expected 1 request, got %d", n)
	}
	if result.Size != int64(len(content)) {
		t.Errorf("size = %d", result.Size)
	}
	data, _ := os.ReadFile(destPath)
	if !bytes.Equal(data, content) {
		t.Error("content mismatch")
	}
}

func TestDownloadSizeMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("too short"))
	}))
	defer server.Close()

	tmpDir := t.TempDir()
	destPath := filepath.Join(tmpDir, "short.bin")
	client := newTestClient(discardLogger())

	_, err := client.Download(context.Background(), DownloadOptions{
		URL:          server.URL,
		DestPath:     destPath,
		ExpectedSize: 100,
		SizeKnown:    true,
		Atomic:       true,
	})
	if err == nil || !strings.Contains(err.Error(), "size mismatch") {
		t.Fatalf("expected size mismatch, got %v", err)
	}
	if _, err := os.Stat(destPath); !os.IsNotExist(err) {
		t.Error("destination must not exist after a failed atomic download")
	}
	assertNoTempFiles(t, tmpDir)
}

// TestDownloadDirectWriteLeavesPartialFile documents the non-atomic mode: a
// failed transfer leaves the truncated file in place.
func TestDownloadDirectWriteLeavesPartialFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("partial"))
	}))
	defer server.Close()

	destPath := filepath.Join(t.TempDir(), "direct.bin")
	if err := os.WriteFile(destPath, []byte("previous contents that are longer"), 0644); err != nil {
		t.Fatal(err)
	}
	client := newTestClient(discardLogger())

	_, err := client.Download(context.Background(), DownloadOptions{
		URL:          server.URL,
		DestPath:     destPath,
		ExpectedSize: 50,
		SizeKnown:    true,
	})
	if err == nil {
		t.Fatal("expected size mismatch error")
	}
	data, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatalf("expected partial file to remain: %v", err)
	}
	if string(data) != "partial" {
		t.Errorf("partial file = %q", data)
	}
}

func TestDownloadCreatesParentDirectory(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("nested"))
	}))
	defer server.Close()

	destPath := filepath.Join(t.TempDir(), "a", "b", "nested.bin")
	client := newTestClient(discardLogger())
	if _, err := client.Download(context.Background(), DownloadOptions{URL: server.URL, DestPath: destPath, Atomic: true}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := os.Stat(destPath); err != nil {
		t.Fatal(err)
	}
}

// TestDownloadCancelled stops on context cancellation without retrying
func TestDownloadCancelled(t *testing.T) {
	serverCtx, serverCancel := context.WithCancel(context.Background())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-serverCtx.Done():
		case <-time.After(30 * time.Second):
		}
	}))
	defer server.Close()
	defer serverCancel()

	tmpDir := t.TempDir()
	client := newTestClient(discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Download(ctx, DownloadOptions{
		URL:        server.URL,
		DestPath:   filepath.Join(tmpDir, "slow.bin"),
		RetryCount: 5,
		Atomic:     true,
	})
	if err == nil {
		t.Fatal("expected error on cancellation")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("download did not stop promptly")
	}
	assertNoTempFiles(t, tmpDir)
}

func TestShouldNotRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"404", &HTTPError{StatusCode: 404}, true},
		{"403", &HTTPError{StatusCode: 403}, true},
		{"429", &HTTPError{StatusCode: 429}, false},
		{"500", &HTTPError{StatusCode: 500}, false},
		{"wrapped 401", fmt.Errorf("chunk: %w", &HTTPError{StatusCode: 401}), true},
		{"disk", &WriteError{Path: "/x", Err: errors.New("no space left on device")}, true},
		{"network", io.ErrUnexpectedEOF, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldNotRetry(tt.err); got != tt.want {
				t.Errorf("shouldNotRetry(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCalculateBackoffDelay(t *testing.T) {
	for attempt := 1; attempt <= 4; attempt++ {
		base := time.Duration(1<<(attempt-1)) * time.Second
		d := calculateBackoffDelay(attempt)
		if d < base || d >= base+base/2 {
			t.Errorf("attempt %d: delay %v outside [%v, %v)", attempt, d, base, base+base/2)
		}
	}
}

func TestContentRangeStart(t *testing.T) {
	if got, ok := contentRangeStart("bytes 10-19/45"); !ok || got != 10 {
		t.Errorf("got %d, %v", got, ok)
	}
	if _, ok := contentRangeStart(""); ok {
		t.Error("empty header should not parse")
	}
}
