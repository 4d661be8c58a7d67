package browser

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// SaveCookies writes the tab's cookies to path so the downloader can replay
// them. Each line holds domain, path, name and value separated by tabs.
func (s *Session) SaveCookies(path string) (int, error) {
	var cookies []*network.Cookie
	err := chromedp.Run(s.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return 0, fmt.Errorf("failed to read cookies: %w", err)
	}

	if err := os.WriteFile(path, []byte(formatCookies(cookies)), 0600); err != nil {
		return 0, fmt.Errorf("failed to write cookie file: %w", err)
	}
	s.logger.Info("saved cookies", "count", len(cookies), "path", path)
	return len(cookies), nil
}

func formatCookies(cookies []*network.Cookie) string {
	var b strings.Builder
	for _, c := range cookies {
		if c == nil {
			continue
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		fmt.Fprintf(&b, "%s\t%s\t%s\t%s\n", c.Domain, path, c.Name, c.Value)
	}
	return b.String()
}
