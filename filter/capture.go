package filter

import (
	"fmt"
	"strings"
	"sync"

	"episode-harvester/proxy"
)

// Recorder persists a captured manifest URL
type Recorder interface {
	Append(line string) error
}

// ManifestCapture records each distinct request URL containing Pattern.
// Traffic is never altered.
type ManifestCapture struct {
	pattern  string
	recorder Recorder

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewManifestCapture creates a capture module writing to recorder
func NewManifestCapture(pattern string, recorder Recorder) *ManifestCapture {
	return &ManifestCapture{
		pattern:  pattern,
		recorder: recorder,
		seen:     make(map[string]struct{}),
	}
}

func (m *ManifestCapture) Name() string {
	return fmt.Sprintf("ManifestCapture(%s)", m.pattern)
}

func (m *ManifestCapture) Request(f *proxy.Flow) error {
	url := f.URL()
	if m.pattern == "" || !strings.Contains(url, m.pattern) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.seen[url]; ok {
		return nil
	}
	// Only mark the URL once it is on disk so a failed write can be retried
	if err := m.recorder.Append(url); err != nil {
		return fmt.Errorf("failed to record manifest %s: %w", url, err)
	}
	m.seen[url] = struct{}{}
	f.Logger.Info("captured manifest", "url", url)
	return nil
}

func (m *ManifestCapture) Response(f *proxy.Flow) error {
	return nil
}

// Seen reports the number of distinct manifest URLs recorded
func (m *ManifestCapture) Seen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}
