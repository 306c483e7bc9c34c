package drive

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/BadgerOps/drivefetch/internal/safety"
)

// hostedPrefix marks Google Workspace native types, which have no bytes of
// their own and can only be exported.
const hostedPrefix = "application/vnd.google-apps."

// TypeTable maps hosted-document MIME types to a human label. It is built
// once and never mutated, so one table can be shared by every lookup.
type TypeTable struct {
	labels map[string]string
}

// DefaultTypeTable returns the Workspace native types plus any extra MIME
// types that should also be treated as hosted documents.
func DefaultTypeTable(extra ...string) *TypeTable {
	labels := map[string]string{
		hostedPrefix + "audio":        "Drive audio placeholder",
		hostedPrefix + "document":     "Google Docs document",
		hostedPrefix + "drive-sdk":    "third-party shortcut",
		hostedPrefix + "drawing":      "Google Drawings drawing",
		hostedPrefix + "file":         "Google Drive file placeholder",
		hostedPrefix + "folder":       "Google Drive folder",
		hostedPrefix + "form":         "Google Forms form",
		hostedPrefix + "fusiontable":  "Google Fusion Tables table",
		hostedPrefix + "jam":          "Google Jamboard jam",
		hostedPrefix + "mail-layout":  "Gmail email layout",
		hostedPrefix + "map":          "Google My Maps map",
		hostedPrefix + "photo":        "Google Photos placeholder",
		hostedPrefix + "presentation": "Google Slides presentation",
		hostedPrefix + "script":       "Google Apps Script project",
		hostedPrefix + "shortcut":     "Google Drive shortcut",
		hostedPrefix + "site":         "Google Sites site",
		hostedPrefix + "spreadsheet":  "Google Sheets spreadsheet",
		hostedPrefix + "unknown":      "unknown Drive type",
		hostedPrefix + "vid":          "Google Vids video",
		hostedPrefix + "video":        "Drive video placeholder",
	}
	for _, t := range extra {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			if _, ok := labels[t]; !ok {
				labels[t] = t
			}
		}
	}
	return &TypeTable{labels: labels}
}

// Lookup reports whether mimeType is a hosted document with no byte export.
func (t *TypeTable) Lookup(mimeType string) (label string, hosted bool) {
	m := strings.ToLower(mimeType)
	if label, ok := t.labels[m]; ok {
		return label, true
	}
	if strings.HasPrefix(m, hostedPrefix) {
		return "Google Workspace item", true
	}
	return "", false
}

// Len returns the number of explicit entries.
func (t *TypeTable) Len() int { return len(t.labels) }

// VerdictKind enumerates the classification outcomes.
type VerdictKind int

const (
	Eligible VerdictKind = iota
	RejectedNotDownloadable
	RejectedUnsupportedType
	RejectedFetchError
)

func (k VerdictKind) String() string {
	switch k {
	case Eligible:
		return "eligible"
	case RejectedNotDownloadable:
		return "not-downloadable"
	case RejectedUnsupportedType:
		return "unsupported-type"
	case RejectedFetchError:
		return "fetch-error"
	}
	return fmt.Sprintf("VerdictKind(%d)", int(k))
}

// Verdict is the downloadability decision for one file. Reason is empty
// exactly when Kind is Eligible.
type Verdict struct {
	Kind   VerdictKind
	Reason string
}

// Eligible reports whether the file may be transferred.
func (v Verdict) Eligible() bool { return v.Kind == Eligible }

// Descriptor is classified metadata for one identifier. It is not modified
// after Fetch returns it.
type Descriptor struct {
	ID        string
	Name      string
	MimeType  string
	Size      int64
	SizeKnown bool
	Verdict   Verdict
}

// Err returns nil for eligible descriptors and the rejection otherwise.
func (d Descriptor) Err() error {
	if d.Verdict.Eligible() {
		return nil
	}
	return fmt.Errorf("%s: %s", d.label(), d.Verdict.Reason)
}

func (d Descriptor) label() string {
	if d.Name != "" {
		return fmt.Sprintf("%s (%s)", d.Name, d.ID)
	}
	return d.ID
}

// MetadataSource is the remote metadata operation the Fetcher depends on.
type MetadataSource interface {
	GetFile(ctx context.Context, id string) (*File, error)
}

// Fetcher retrieves and classifies metadata. It holds no per-call state and is
// safe for concurrent use.
type Fetcher struct {
	source      MetadataSource
	types       *TypeTable
	concurrency int
	logger      *slog.Logger
}

// NewFetcher creates a Fetcher. concurrency bounds FetchAll; values below one
// mean one lookup at a time.
func NewFetcher(source MetadataSource, types *TypeTable, concurrency int, logger *slog.Logger) *Fetcher {
	if types == nil {
		types = DefaultTypeTable()
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{source: source, types: types, concurrency: concurrency, logger: logger}
}

// Fetch looks up one id. Every failure is folded into the returned Verdict.
func (f *Fetcher) Fetch(ctx context.Context, id string) (d Descriptor) {
	d.ID = id
	defer func() {
		if r := recover(); r != nil {
			d.Verdict = Verdict{Kind: RejectedFetchError, Reason: fmt.Sprintf("metadata lookup panicked: %v", r)}
		}
	}()

	file, err := f.source.GetFile(ctx, id)
	if err != nil {
		f.logger.Warn("metadata lookup failed", "id", id, "error", err)
		d.Verdict = Verdict{Kind: RejectedFetchError, Reason: ErrorReason(err)}
		return d
	}
	return Classify(file, f.types)
}

// Classify turns fetched metadata into a Descriptor.
func Classify(file *File, types *TypeTable) Descriptor {
	d := Descriptor{
		ID:        file.ID,
		Name:      file.Name,
		MimeType:  file.MimeType,
		Size:      file.Size,
		SizeKnown: file.SizeKnown,
	}

	if !file.CanDownload {
		d.Verdict = Verdict{Kind: RejectedNotDownloadable, Reason: "the owner has disabled downloading for this file"}
		return d
	}
	if label, hosted := types.Lookup(file.MimeType); hosted {
		d.Verdict = Verdict{
			Kind:   RejectedUnsupportedType,
			Reason: fmt.Sprintf("%s (%s) has no direct download", label, file.MimeType),
		}
		return d
	}

	d.Name = NormalizeName(file.Name, file.FileExtension, file.ID)
	d.Verdict = Verdict{Kind: Eligible}
	return d
}

// NormalizeName appends ext when name lacks it and makes the result safe to
// use as a single file name.
func NormalizeName(name, ext, id string) string {
	name = strings.TrimSpace(name)
	if ext != "" && !strings.HasSuffix(name, "."+ext) {
		name += "." + ext
	}
	return safety.SanitizeFileName(name, id)
}

// FetchAll looks up every id concurrently and returns descriptors in input
// order once all lookups have finished.
func (f *Fetcher) FetchAll(ctx context.Context, ids []string) []Descriptor {
	out := make([]Descriptor, len(ids))
	sem := make(chan struct{}, f.concurrency)
	var wg sync.WaitGroup

	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				out[i] = Descriptor{ID: id, Verdict: Verdict{Kind: RejectedFetchError, Reason: ctx.Err().Error()}}
				return
			}
			defer func() { <-sem }()
			out[i] = f.Fetch(ctx, id)
		}(i, id)
	}
	wg.Wait()

	eligible := 0
	for _, d := range out {
		if d.Verdict.Eligible() {
			eligible++
		}
	}
	f.logger.Info("metadata lookup complete", "requested", len(ids), "eligible", eligible, "rejected", len(ids)-eligible)
	return out
}

// Partition splits descriptors into eligible and rejected, keeping order.
func Partition(descs []Descriptor) (eligible, rejected []Descriptor) {
	for _, d := range descs {
		if d.Verdict.Eligible() {
			eligible = append(eligible, d)
		} else {
			rejected = append(rejected, d)
		}
	}
	return eligible, rejected
}
