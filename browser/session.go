// Package browser drives a Chrome session through chromedp
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// Options configures the browser session
type Options struct {
	// ChromePath overrides executable discovery
	ChromePath string
	// RemoteURL attaches to an already running DevTools endpoint instead of
	// launching Chrome
	RemoteURL string
	// Proxy is the upstream proxy as host:port. Empty means a direct connection.
	Proxy    string
	Headless bool
	Logger   *slog.Logger
}

// ErrProxyUnsupported is returned when the only browser available is the
// Docker container, which cannot be pointed at the host's proxy
var ErrProxyUnsupported = errors.New("docker chrome cannot use the proxy")

// Overridden in tests
var (
	findChrome  = findChromeExecutable
	startDocker = startDockerChrome
)

// Session is one browser tab
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	docker bool
}

// allocatorOptions builds the exec allocator flags for opts
func allocatorOptions(opts Options) []chromedp.ExecAllocatorOption {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("start-maximized", true),
	)

	if opts.Proxy != "" {
		// The intercepting proxy presents its own certificates
		allocOpts = append(allocOpts,
			chromedp.ProxyServer(opts.Proxy),
			chromedp.IgnoreCertErrors,
		)
	}
	return allocOpts
}

// Open starts or attaches to a browser and returns a session on a new tab.
// Local Chrome is preferred. A Docker container is the fallback for direct
// connections only.
func Open(ctx context.Context, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		allocCtx    context.Context
		cancelAlloc context.CancelFunc
		docker      bool
	)

	switch {
	case opts.RemoteURL != "":
		logger.Info("attaching to remote browser", "url", opts.RemoteURL)
		allocCtx, cancelAlloc = chromedp.NewRemoteAllocator(ctx, opts.RemoteURL)
	default:
		allocOpts := allocatorOptions(opts)
		if execPath, err := findChrome(opts.ChromePath); err == nil {
			logger.Info("using local Chrome executable", "path", execPath)
			allocOpts = append(allocOpts, chromedp.ExecPath(execPath))
			allocCtx, cancelAlloc = chromedp.NewExecAllocator(ctx, allocOpts...)
		} else if opts.ChromePath != "" {
			return nil, err
		} else if opts.Proxy != "" {
			return nil, fmt.Errorf("%w: no local Chrome (%v); install Chrome, pass --remote, or crawl with --direct", ErrProxyUnsupported, err)
		} else if dockerURL, derr := startDocker(logger); derr == nil {
			logger.Warn("local Chrome not found, using Docker Chrome", "url", dockerURL)
			allocCtx, cancelAlloc = chromedp.NewRemoteAllocator(ctx, dockerURL)
			docker = true
		} else {
			logger.Warn("no Chrome found, falling back to default allocator", "local", err, "docker", derr)
			allocCtx, cancelAlloc = chromedp.NewExecAllocator(ctx, allocOpts...)
		}
	}

	tabCtx, cancelTab := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(format, args...))
		}),
		chromedp.WithErrorf(func(format string, args ...interface{}) {
			logger.Error(fmt.Sprintf(format, args...))
		}),
	)

	s := &Session{
		ctx: tabCtx,
		cancel: func() {
			cancelTab()
			cancelAlloc()
		},
		logger: logger,
		docker: docker,
	}

	// Starts the browser and turns on network events for ObserveRequests
	if err := chromedp.Run(tabCtx, network.Enable()); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	return s, nil
}

// Navigate loads url in the tab and waits for the document body
func (s *Session) Navigate(url string) error {
	s.logger.Info("navigating", "url", url)
	if err := chromedp.Run(s.ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

// Evaluate runs a script expression in the page
func (s *Session) Evaluate(expression string) error {
	if err := chromedp.Run(s.ctx, chromedp.Evaluate(expression, nil)); err != nil {
		return fmt.Errorf("failed to evaluate %q: %w", expression, err)
	}
	return nil
}

// ObserveRequests calls fn with the URL of every request the page sends
// whose URL contains pattern
func (s *Session) ObserveRequests(pattern string, fn func(url string)) {
	chromedp.ListenTarget(s.ctx, func(ev interface{}) {
		e, ok := ev.(*network.EventRequestWillBeSent)
		if !ok || e.Request == nil {
			return
		}
		if strings.Contains(e.Request.URL, pattern) {
			fn(e.Request.URL)
		}
	})
}

// Close shuts the tab and the browser it started
func (s *Session) Close() {
	s.cancel()
	if s.docker {
		StopDockerChrome(s.logger)
	}
}
