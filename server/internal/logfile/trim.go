// Package logfile keeps the server's log file from growing without bound
// across restarts.
package logfile

import (
	"fmt"
	"io"
	"os"
)

// Default limits used by the logger.
const (
	DefaultMaxSize  = 10 * 1024 * 1024 // 10 MB
	DefaultKeepSize = 256 * 1024       // 256 KB
)

// Trim shortens the file at path to its last keepSize bytes when it is larger
// than maxSize. A missing file is not an error. The kept tail starts at the
// first complete line.
func Trim(path string, maxSize, keepSize int64) (bool, error) {
	info, err := os.Stat(path)
	if err != nil || info.Size() <= maxSize {
		return false, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("open log file: %w", err)
	}
	seekPos := max(info.Size()-keepSize, 0)
	if _, err := f.Seek(seekPos, io.SeekStart); err != nil {
		f.Close()
		return false, fmt.Errorf("seek log file: %w", err)
	}
	tail, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return false, fmt.Errorf("read log tail: %w", err)
	}
	if seekPos > 0 {
		for i, b := range tail {
			if b == '\n' {
				tail = tail[i+1:]
				break
			}
		}
	}

	out, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return false, fmt.Errorf("rewrite log file: %w", err)
	}
	defer out.Close()

	if _, err := fmt.Fprintf(out, "--- log trimmed from %d bytes ---\n", info.Size()); err != nil {
		return false, fmt.Errorf("write trim marker: %w", err)
	}
	if _, err := out.Write(tail); err != nil {
		return false, fmt.Errorf("write log tail: %w", err)
	}
	return true, nil
}
