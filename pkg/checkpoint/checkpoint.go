// Package checkpoint persists completed partition keys to an append-only
// text file, one key per line. Appends open the file in append mode so the
// OS serializes concurrent writers; a torn write at most drops the final
// line and the partition is simply retried on the next cycle.
package checkpoint

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"
)

// Log is a handle to a checkpoint file. It holds no open file descriptor:
// every operation opens the path independently.
type Log struct {
	path string
}

// New returns a Log for path.
func New(path string) *Log {
	return &Log{path: path}
}

// Path returns the file path backing the log.
func (l *Log) Path() string {
	return l.path
}

// DefaultPath derives the checkpoint filename used when none is configured.
func DefaultPath(srcTable, dstTable string) string {
	return fmt.Sprintf("done_segments_%s_to_%s.txt", srcTable, dstTable)
}

// Load reads the set of completed partition keys. A missing file is an
// empty set, not an error.
func (l *Log) Load() (map[string]struct{}, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]struct{}{}, nil
		}
		return nil, fmt.Errorf("loading checkpoint file %s: %w", l.path, err)
	}
	defer f.Close()
	done := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		done[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("loading checkpoint file %s: %w", l.path, err)
	}
	return done, nil
}

// Append records key as completed. The file is created on first use.
func (l *Log) Append(key string) error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("appending to checkpoint file %s: %w", l.path, err)
	}
	if _, err := f.WriteString(key + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("appending to checkpoint file %s: %w", l.path, err)
	}
	return f.Close()
}

// Rotate renames the file out of the way with a timestamp suffix, so the
// next migration starts from an empty set. Rotating a file that was never
// created is a no-op.
func (l *Log) Rotate(now time.Time) error {
	if _, err := os.Stat(l.path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	rotated := fmt.Sprintf("%s_%s.txt", strings.TrimSuffix(l.path, ".txt"), now.Format("20060102_150405"))
	if err := os.Rename(l.path, rotated); err != nil {
		return fmt.Errorf("rotating checkpoint file %s: %w", l.path, err)
	}
	return nil
}
