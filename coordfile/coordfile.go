// Package coordfile implements both ends of the coordination file: an
// append-only text file with one captured manifest URL per line. The proxy
// appends to it and the crawler polls it for growth.
package coordfile

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Appender appends lines to the coordination file. It is safe for
// concurrent use.
type Appender struct {
	path string
	mu   sync.Mutex
}

// NewAppender creates an Appender for path. The file is created on the
// first append.
func NewAppender(path string) *Appender {
	return &Appender{path: path}
}

// Path returns the file the appender writes to
func (a *Appender) Path() string {
	return a.path
}

// Append writes line followed by a newline
func (a *Appender) Append(line string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open coordination file: %w", err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("failed to append to coordination file: %w", err)
	}
	return f.Close()
}

// CountLines counts newline terminators in the file at path
func CountLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	count := 0
	buf := make([]byte, 32*1024)
	for {
		n, err := f.Read(buf)
		count += bytes.Count(buf[:n], []byte{'\n'})
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return count, err
		}
	}
}

// ReadLines returns every non-empty line of the file at path
func ReadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, string(line))
	}
	return lines, scanner.Err()
}

// ErrTimeout is matched by every *TimeoutError
var ErrTimeout = errors.New("coordination file did not grow")

// TimeoutError is returned by Watcher.Wait when the retry ceiling is reached
type TimeoutError struct {
	Path     string
	Attempts int
	Interval time.Duration
	Lines    int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s stayed at %d lines after %d attempts (%v apart)",
		e.Path, e.Lines, e.Attempts, e.Interval)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Watcher polls the coordination file until its line count exceeds the last
// observed count. The observed count lives only in memory and starts at zero.
type Watcher struct {
	path     string
	attempts int
	interval time.Duration
	logger   *slog.Logger

	lines int
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWatcher creates a Watcher polling path up to attempts times, interval apart
func NewWatcher(path string, attempts int, interval time.Duration, logger *slog.Logger) *Watcher {
	if attempts < 1 {
		attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		attempts: attempts,
		interval: interval,
		logger:   logger,
		sleep:    sleepContext,
	}
}

// Lines returns the last observed line count
func (w *Watcher) Lines() int {
	return w.lines
}

// Wait blocks until the file has more lines than last observed. It returns a
// *TimeoutError once every attempt has been used up.
func (w *Watcher) Wait(ctx context.Context) error {
	for attempt := 1; attempt <= w.attempts; attempt++ {
		count, err := CountLines(w.path)
		switch {
		case err != nil:
			// missing or unreadable counts as no growth
			w.logger.Debug("coordination file not readable", "path", w.path, "attempt", attempt, "err", err)
		case count > w.lines:
			w.logger.Debug("coordination file grew", "path", w.path, "from", w.lines, "to", count)
			w.lines = count
			return nil
		}

		if attempt == w.attempts {
			break
		}
		if err := w.sleep(ctx, w.interval); err != nil {
			return err
		}
	}

	return &TimeoutError{
		Path:     w.path,
		Attempts: w.attempts,
		Interval: w.interval,
		Lines:    w.lines,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
