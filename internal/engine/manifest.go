package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// manifestVersion is bumped when the JSON layout changes.
const manifestVersion = "1"

// RunManifest records what one run wrote, with checksums, so a batch can be
// verified after it is copied elsewhere.
type RunManifest struct {
	Version     string           `json:"version"`
	Created     time.Time        `json:"created"`
	RunID       string           `json:"run_id"`
	Source      string           `json:"source"`
	Destination string           `json:"destination"`
	TotalFiles  int              `json:"total_files"`
	TotalSize   int64            `json:"total_size"`
	Files       []ManifestFile   `json:"files"`
	Failed      []ManifestReject `json:"failed,omitempty"`
	Rejected    []ManifestReject `json:"rejected,omitempty"`
}

// ManifestFile is one downloaded file.
type ManifestFile struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// ManifestReject is a file that was not downloaded.
type ManifestReject struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Reason string `json:"reason"`
}

// BuildManifest summarizes report. Paths are stored relative to the
// destination when possible.
func BuildManifest(source string, report *RunReport) *RunManifest {
	m := &RunManifest{
		Version:     manifestVersion,
		Created:     report.EndTime,
		RunID:       report.RunID,
		Source:      source,
		Destination: report.Destination,
	}

	for _, o := range report.Batch.Outcomes {
		if o.Phase != Completed {
			reason := "transfer failed"
			if o.Err != nil {
				reason = o.Err.Error()
			}
			m.Failed = append(m.Failed, ManifestReject{ID: o.File.ID, Name: o.File.Name, Reason: reason})
			continue
		}
		path := o.Path
		if rel, err := filepath.Rel(report.Destination, o.Path); err == nil {
			path = rel
		}
		m.Files = append(m.Files, ManifestFile{
			ID:     o.File.ID,
			Name:   o.File.Name,
			Path:   path,
			Size:   o.Bytes,
			SHA256: o.SHA256,
		})
		m.TotalSize += o.Bytes
	}
	m.TotalFiles = len(m.Files)

	for _, d := range report.Rejected {
		m.Rejected = append(m.Rejected, ManifestReject{
			ID:     d.ID,
			Name:   d.Name,
			Reason: fmt.Sprintf("%s: %s", d.Verdict.Kind, d.Verdict.Reason),
		})
	}
	return m
}

// WriteManifest writes m as indented JSON to path, plus a path.sha256
// sidecar in sha256sum format.
func WriteManifest(path string, m *RunManifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}

	sum := sha256.Sum256(data)
	sidecar := fmt.Sprintf("%s  %s\n", hex.EncodeToString(sum[:]), filepath.Base(path))
	if err := os.WriteFile(path+".sha256", []byte(sidecar), 0o644); err != nil {
		return fmt.Errorf("writing manifest sha256: %w", err)
	}
	return nil
}
