// Package crawler advances a video page episode by episode, pacing itself on
// the manifests the proxy captures.
package crawler

import (
	"context"
	"fmt"
	"log/slog"
)

// Page runs script in the browser tab
type Page interface {
	Evaluate(expression string) error
}

// Waiter blocks until a new manifest has been captured
type Waiter interface {
	Wait(ctx context.Context) error
}

// PlayExpression is the in-page call that starts episode index (zero-based)
// on the first track
func PlayExpression(index int) string {
	return fmt.Sprintf("play(0,%d);", index)
}

// Crawler plays a contiguous range of episodes, numbered from 1
type Crawler struct {
	page   Page
	waiter Waiter
	first  int
	last   int
	logger *slog.Logger
}

// New creates a Crawler for episodes 1..episodes
func New(page Page, waiter Waiter, episodes int, logger *slog.Logger) *Crawler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Crawler{
		page:   page,
		waiter: waiter,
		first:  1,
		last:   episodes,
		logger: logger,
	}
}

// StartAt skips to episode n
func (c *Crawler) StartAt(n int) *Crawler {
	if n > 1 {
		c.first = n
	}
	return c
}

// Run waits for fresh traffic before every episode and then starts it. The
// first wait failure aborts the run.
func (c *Crawler) Run(ctx context.Context) error {
	for num := c.first; num <= c.last; num++ {
		if err := c.waiter.Wait(ctx); err != nil {
			return fmt.Errorf("episode %d: %w", num, err)
		}

		c.logger.Info("starting episode", "episode", num, "of", c.last)
		if err := c.page.Evaluate(PlayExpression(num - 1)); err != nil {
			return fmt.Errorf("episode %d: %w", num, err)
		}
	}
	return nil
}
