// Package source turns the user's source argument into an ordered list of
// Drive file identifiers.
package source

import (
	"bufio"
	"bytes"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
)

var (
	// linkPattern recognizes hosted-file links such as
	// https://drive.google.com/file/d/<id>/view.
	linkPattern = regexp.MustCompile(`^https://\w+\.google\.com/(\w*/)?d/`)

	// idSegment captures the path element following /d/.
	idSegment = regexp.MustCompile(`/d/([^/\s?#]+)`)

	// queryLinkPattern recognizes open?id= and uc?id= style links.
	queryLinkPattern = regexp.MustCompile(`^https://\w+\.google\.com/(open|uc)\?`)
)

// ResolutionError reports a source that cannot be turned into identifiers.
// It is fatal for a run.
type ResolutionError struct {
	Input  string
	Line   int // 1-based line in a list file, 0 for a direct argument
	Reason string
}

func (e *ResolutionError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: could not get file id from %s: %s", e.Line, e.Input, e.Reason)
	}
	return fmt.Sprintf("could not get file id from %s: %s", e.Input, e.Reason)
}

// IsLink reports whether s is shaped like a hosted-file link.
func IsLink(s string) bool {
	return linkPattern.MatchString(s) || queryLinkPattern.MatchString(s)
}

// Resolve returns the identifiers named by src. A link yields its embedded id,
// an existing file yields one id per non-blank line, and anything else is
// taken as a literal id.
func Resolve(src string) ([]string, error) {
	if IsLink(src) {
		id, err := ExtractID(src)
		if err != nil {
			return nil, err
		}
		return []string{id}, nil
	}

	if fi, err := os.Stat(src); err == nil && !fi.IsDir() {
		return resolveFile(src)
	}

	return []string{src}, nil
}

// ExtractID pulls the file id out of a link. The error is a *ResolutionError
// when the link has no id segment.
func ExtractID(link string) (string, error) {
	if queryLinkPattern.MatchString(link) {
		u, err := url.Parse(link)
		if err == nil {
			if id := strings.TrimSpace(u.Query().Get("id")); id != "" {
				return id, nil
			}
		}
		return "", &ResolutionError{Input: link, Reason: "missing id query parameter; extract the id manually"}
	}

	m := idSegment.FindStringSubmatch(link)
	if m == nil || m[1] == "" {
		return "", &ResolutionError{Input: link, Reason: "ensure it is in correct format or extract the id manually"}
	}
	return m[1], nil
}

func resolveFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ResolutionError{Input: path, Reason: err.Error()}
	}

	var ids []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if IsLink(line) {
			id, err := ExtractID(line)
			if err != nil {
				if re, ok := err.(*ResolutionError); ok {
					re.Line = lineNo
				}
				return nil, err
			}
			ids = append(ids, id)
			continue
		}
		ids = append(ids, line)
	}
	if err := sc.Err(); err != nil {
		return nil, &ResolutionError{Input: path, Reason: err.Error()}
	}
	return ids, nil
}
