package safety

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxNameBytes keeps names under the common 255-byte filesystem limit with
// room for the temp-file prefix and suffix.
const maxNameBytes = 200

// SanitizeFileName turns a remote display name into a single path element.
// Separators and control characters are replaced with '_'. Names that would
// resolve to the directory itself or its parent return fallback.
func SanitizeFileName(name, fallback string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\':
			return '_'
		case r < 0x20 || r == 0x7f:
			return '_'
		}
		return r
	}, strings.TrimSpace(name))

	if clean == "" || clean == "." || clean == ".." {
		clean = fallback
	}
	if len(clean) > maxNameBytes {
		ext := filepath.Ext(clean)
		if len(ext) > 16 {
			ext = ""
		}
		clean = truncateUTF8(clean[:len(clean)-len(ext)], maxNameBytes-len(ext)) + ext
	}
	return clean
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// SafeJoinUnder joins a single file name under root and verifies the final
// path remains inside root.
func SafeJoinUnder(root, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("file name is empty")
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("absolute paths are not allowed: %q", name)
	}
	return EnsureUnderRoot(root, filepath.Join(root, name))
}

// EnsureUnderRoot verifies candidate resolves under root and returns
// an absolute normalized path.
func EnsureUnderRoot(root, candidate string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	candAbs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve candidate: %w", err)
	}

	rel, err := filepath.Rel(rootAbs, candAbs)
	if err != nil {
		return "", fmt.Errorf("compare paths: %w", err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root: %q", candidate)
	}
	return candAbs, nil
}

// CheckDirectory reports an error unless path names an existing directory.
func CheckDirectory(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s - this folder does not exist", path)
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	return nil
}
