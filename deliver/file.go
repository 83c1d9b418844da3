// Package deliver writes rendered digests to disk and sends them by email.
package deliver

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultOutputDir is where Markdown digests are written.
const DefaultOutputDir = "digests"

// FileWriter writes Markdown digests to dated files.
type FileWriter struct {
	Dir string
}

// Path returns the file a digest for date is written to.
func (w *FileWriter) Path(date time.Time) string {
	dir := w.Dir
	if dir == "" {
		dir = DefaultOutputDir
	}
	return filepath.Join(dir, fmt.Sprintf("digest_%s.md", date.Format("20060102")))
}

// Write stores body for date, creating the directory if needed, and returns the path.
func (w *FileWriter) Write(date time.Time, body string) (string, error) {
	path := w.Path(date)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return "", fmt.Errorf("failed to write digest %s: %w", path, err)
	}
	return path, nil
}
