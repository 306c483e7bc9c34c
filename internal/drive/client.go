// Package drive talks to the Google Drive v3 API and classifies remote files
// as downloadable or not.
package drive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	drivev3 "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/googleapi/transport"
	"google.golang.org/api/option"

	"github.com/BadgerOps/drivefetch/internal/safety"
)

// metadataFields is the partial-response field set requested for every file.
const metadataFields = "fileExtension,size,mimeType,name,capabilities(canDownload),id"

const userAgent = "drivefetch/1.0"

// File is the subset of Drive file metadata the downloader needs.
type File struct {
	ID            string
	Name          string
	MimeType      string
	FileExtension string
	Size          int64
	SizeKnown     bool
	CanDownload   bool
}

// Request describes an authenticated GET against the content endpoint.
type Request struct {
	URL     string
	Headers map[string]string
}

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL          string
	APIKey           string
	Timeout          time.Duration
	AcknowledgeAbuse bool
	HTTPClient       *http.Client
}

// Client wraps the Drive v3 service for metadata and builds media URLs for
// the ranged downloader. It is safe for concurrent use.
type Client struct {
	svc              *drivev3.Service
	baseURL          string
	apiKey           string
	acknowledgeAbuse bool
	logger           *slog.Logger
}

// NewClient creates a Drive client. The API key is attached to every request
// by the transport, so a caller-supplied HTTPClient still authenticates.
func NewClient(opts ClientOptions, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = safety.NewHTTPClient(opts.Timeout)
	}
	if opts.APIKey != "" {
		base := hc.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		keyed := *hc
		keyed.Transport = &transport.APIKey{Key: opts.APIKey, Transport: base}
		hc = &keyed
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	svc, err := drivev3.NewService(context.Background(),
		option.WithHTTPClient(hc),
		option.WithEndpoint(baseURL+"/"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating drive service: %w", err)
	}
	svc.UserAgent = userAgent

	return &Client{
		svc:              svc,
		baseURL:          baseURL,
		apiKey:           opts.APIKey,
		acknowledgeAbuse: opts.AcknowledgeAbuse,
		logger:           logger,
	}, nil
}

// GetFile fetches metadata for one file id.
func (c *Client) GetFile(ctx context.Context, id string) (*File, error) {
	c.logger.Debug("fetching file metadata", "id", id)

	res, err := c.svc.Files.Get(id).
		Fields(googleapi.Field(metadataFields)).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) {
			return nil, gerr
		}
		return nil, fmt.Errorf("metadata request for %s failed: %w", id, err)
	}

	f := &File{
		ID:            res.Id,
		Name:          res.Name,
		MimeType:      res.MimeType,
		FileExtension: res.FileExtension,
		Size:          res.Size,
		// Hosted documents carry no size; a zero size streams like one.
		SizeKnown: res.Size > 0,
		// Missing capabilities means the field was not returned; assume downloadable.
		CanDownload: res.Capabilities == nil || res.Capabilities.CanDownload,
	}
	if f.ID == "" {
		f.ID = id
	}
	return f, nil
}

// MediaRequest returns the request that streams the file's bytes. The
// ranged downloader issues it directly, outside the service.
func (c *Client) MediaRequest(id string) Request {
	q := url.Values{}
	q.Set("alt", "media")
	if c.acknowledgeAbuse {
		q.Set("acknowledgeAbuse", "true")
	}
	q.Set("supportsAllDrives", "true")
	if c.apiKey != "" {
		q.Set("key", c.apiKey)
	}
	return Request{
		URL: c.baseURL + "/files/" + url.PathEscape(id) + "?" + q.Encode(),
		Headers: map[string]string{
			"User-Agent": userAgent,
		},
	}
}

// ErrorReason renders a metadata lookup error for a rejected descriptor.
// Drive API errors are reduced to their status and message.
func ErrorReason(err error) string {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		msg := gerr.Message
		if msg == "" {
			msg = http.StatusText(gerr.Code)
		}
		return fmt.Sprintf("drive api error %d: %s", gerr.Code, msg)
	}
	return err.Error()
}
