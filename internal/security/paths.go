// Package security guards the file paths posectl writes reports to.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// canonical resolves symlinks in p. For a path that does not exist yet the
// nearest existing ancestor is resolved and the rest is appended.
func canonical(p string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", p, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	for dir := filepath.Dir(abs); ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rest, _ := filepath.Rel(dir, abs)
			return filepath.Join(resolved, rest), nil
		}
		if dir == filepath.Dir(dir) {
			return abs, nil
		}
	}
}

// WithinDir reports an error if path, after resolving symlinks, is not
// inside dir.
func WithinDir(path, dir string) error {
	p, err := canonical(path)
	if err != nil {
		return err
	}
	d, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}
	if d, err = filepath.Abs(d); err != nil {
		return err
	}
	rel, err := filepath.Rel(d, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%s escapes %s", path, dir)
	}
	return nil
}

// WithinAny accepts path if it is inside at least one of dirs.
func WithinAny(path string, dirs []string) error {
	if len(dirs) == 0 {
		return fmt.Errorf("no allowed directories")
	}
	for _, d := range dirs {
		if WithinDir(path, d) == nil {
			return nil
		}
	}
	return fmt.Errorf("%s must be inside one of %v", path, dirs)
}

// ValidateReportPath restricts report output to the working directory or
// the system temp directory.
func ValidateReportPath(path string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("working directory: %w", err)
	}
	return WithinAny(path, []string{cwd, os.TempDir()})
}

const maxFilenameLen = 128

// ReportFilename builds a file name from a video ID, replacing anything
// outside [A-Za-z0-9._-] with single underscores.
func ReportFilename(videoID, ext string) string {
	var b strings.Builder
	under := false
	for _, r := range videoID {
		if b.Len() >= maxFilenameLen {
			break
		}
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '.' || r == '_' || r == '-'
		switch {
		case ok:
			b.WriteRune(r)
			under = false
		case !under:
			b.WriteByte('_')
			under = true
		}
	}
	name := strings.Trim(b.String(), "._")
	if name == "" {
		name = "report"
	}
	return name + ext
}
