// Package downloader fetches an HLS manifest, downloads its segments and
// merges them into a single transport stream file.
package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/grafov/m3u8"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

const (
	segmentFileFormat = "%05d.ts"
	userAgent         = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"
	maxPlaylistDepth  = 3
)

// ErrEncrypted is returned for playlists carrying an EXT-X-KEY
var ErrEncrypted = errors.New("encrypted m3u8 playlists are not supported")

// Options configures a Downloader
type Options struct {
	// SaveName is the merged file name. Derived from the manifest URL when empty.
	SaveName     string
	DownloadDir  string
	OutputDir    string
	Threads      int
	MaxRetry     int
	KeepSegments bool

	// RetryInterval separates manifest fetch attempts
	RetryInterval time.Duration
	// Keep reports whether a segment belongs to the video. Sites that splice
	// adverts into the playlist can drop them here.
	Keep func(segmentURL string) bool

	// Cookies are sent to the hosts their domain covers
	Cookies []*http.Cookie

	Client   *resty.Client
	Progress io.Writer
	Logger   *slog.Logger
}

// Downloader downloads one manifest
type Downloader struct {
	url    string
	opts   Options
	segDir string
	client *resty.Client
	logger *slog.Logger
}

// New creates a Downloader for manifestURL
func New(manifestURL string, opts Options) (*Downloader, error) {
	u, err := url.Parse(manifestURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid manifest url: %q", manifestURL)
	}

	if opts.SaveName == "" {
		base := path.Base(u.Path)
		base = strings.TrimSuffix(base, path.Ext(base))
		if base == "" || base == "." || base == "/" {
			base = "video"
		}
		opts.SaveName = base + ".ts"
	}
	opts.SaveName = sanitizeFilename(opts.SaveName)

	if opts.DownloadDir == "" {
		opts.DownloadDir = "./Download"
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "./Complete"
	}
	if opts.Threads < 1 {
		opts.Threads = 16
	}
	if opts.MaxRetry < 0 {
		opts.MaxRetry = 0
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = 3 * time.Second
	}
	if opts.Keep == nil {
		opts.Keep = func(string) bool { return true }
	}
	if opts.Progress == nil {
		opts.Progress = os.Stderr
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	client := opts.Client
	if client == nil {
		client = resty.New().
			SetTimeout(60 * time.Second).
			SetHeader("User-Agent", userAgent)
	}

	return &Downloader{
		url:    manifestURL,
		opts:   opts,
		segDir: filepath.Join(opts.DownloadDir, opts.SaveName),
		client: client,
		logger: opts.Logger.With("name", opts.SaveName),
	}, nil
}

// OutputPath is where the merged file is written
func (d *Downloader) OutputPath() string {
	return filepath.Join(d.opts.OutputDir, d.opts.SaveName)
}

// Run downloads and merges the manifest: prepare, parse, download, merge, clear
func (d *Downloader) Run(ctx context.Context) error {
	d.logger.Info("download started", "url", d.url)

	if err := d.prepare(); err != nil {
		return err
	}
	segments, err := d.parse(ctx)
	if err != nil {
		return err
	}
	if err := d.download(ctx, segments); err != nil {
		return err
	}
	if err := d.merge(len(segments)); err != nil {
		return err
	}
	if err := d.clear(); err != nil {
		return err
	}

	d.logger.Info("download finished", "path", d.OutputPath(), "segments", len(segments))
	return nil
}

func (d *Downloader) prepare() error {
	for _, dir := range []string{d.segDir, d.opts.OutputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// parse fetches the manifest, retrying transient failures, and returns the
// absolute segment URLs
func (d *Downloader) parse(ctx context.Context) ([]string, error) {
	var lastErr error
	for attempt := 0; attempt <= d.opts.MaxRetry; attempt++ {
		if attempt > 0 {
			d.logger.Warn("retrying manifest", "attempt", attempt, "err", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d.opts.RetryInterval):
			}
		}

		segments, err := d.resolve(ctx, d.url, 0)
		if err == nil {
			return segments, nil
		}
		if errors.Is(err, ErrEncrypted) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed to parse manifest %s: %w", d.url, lastErr)
}

// resolve follows master playlists to the highest bandwidth variant
func (d *Downloader) resolve(ctx context.Context, manifestURL string, depth int) ([]string, error) {
	if depth > maxPlaylistDepth {
		return nil, fmt.Errorf("too many nested playlists at %s", manifestURL)
	}

	body, err := d.request(ctx, manifestURL)
	if err != nil {
		return nil, err
	}

	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err != nil {
		return nil, fmt.Errorf("failed to decode playlist %s: %w", manifestURL, err)
	}

	switch listType {
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		variant := bestVariant(master)
		if variant == nil {
			return nil, fmt.Errorf("master playlist %s has no variants", manifestURL)
		}
		next, err := resolveURL(manifestURL, variant.URI)
		if err != nil {
			return nil, err
		}
		d.logger.Debug("following variant", "bandwidth", variant.Bandwidth, "url", next)
		return d.resolve(ctx, next, depth+1)
	case m3u8.MEDIA:
		return d.segments(manifestURL, playlist.(*m3u8.MediaPlaylist))
	default:
		return nil, fmt.Errorf("unrecognised playlist %s", manifestURL)
	}
}

func (d *Downloader) segments(manifestURL string, media *m3u8.MediaPlaylist) ([]string, error) {
	if encrypted(media.Key) {
		return nil, ErrEncrypted
	}

	var out []string
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		if encrypted(seg.Key) {
			return nil, ErrEncrypted
		}
		abs, err := resolveURL(manifestURL, seg.URI)
		if err != nil {
			return nil, err
		}
		if d.opts.Keep(abs) {
			out = append(out, abs)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("playlist %s has no segments", manifestURL)
	}
	return out, nil
}

// download fetches every missing segment, repeating up to MaxRetry extra
// rounds for the ones that failed
func (d *Downloader) download(ctx context.Context, segments []string) error {
	d.logger.Info("downloading segments", "count", len(segments), "threads", d.opts.Threads)

	bar := progressbar.NewOptions(len(segments),
		progressbar.OptionSetWriter(d.opts.Progress),
		progressbar.OptionSetDescription(d.opts.SaveName),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(200*time.Millisecond),
	)
	defer bar.Finish()

	var missing []int
	for round := 0; round <= d.opts.MaxRetry; round++ {
		missing = d.missing(len(segments))
		if len(missing) == 0 {
			return nil
		}
		if round > 0 {
			d.logger.Warn("retrying segments", "round", round, "missing", len(missing))
		}
		bar.Set(len(segments) - len(missing))

		var failed atomic.Int32
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(d.opts.Threads)
		for _, idx := range missing {
			idx := idx
			g.Go(func() error {
				if err := d.downloadSegment(gctx, idx, segments[idx]); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					failed.Add(1)
					d.logger.Debug("segment failed", "index", idx, "url", segments[idx], "err", err)
					return nil
				}
				bar.Add(1)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if failed.Load() > 0 {
			d.logger.Warn("segments failed this round", "failed", failed.Load())
		}
	}

	missing = d.missing(len(segments))
	if len(missing) > 0 {
		return fmt.Errorf("%d of %d segments still missing after %d retries", len(missing), len(segments), d.opts.MaxRetry)
	}
	return nil
}

// missing lists segment indexes with no file on disk
func (d *Downloader) missing(total int) []int {
	var out []int
	for idx := 0; idx < total; idx++ {
		if _, err := os.Stat(d.segmentPath(idx)); err != nil {
			out = append(out, idx)
		}
	}
	return out
}

func (d *Downloader) segmentPath(idx int) string {
	return filepath.Join(d.segDir, fmt.Sprintf(segmentFileFormat, idx))
}

// downloadSegment writes through a temporary file so a partial download
// never looks complete
func (d *Downloader) downloadSegment(ctx context.Context, idx int, segmentURL string) error {
	body, err := d.request(ctx, segmentURL)
	if err != nil {
		return err
	}
	final := d.segmentPath(idx)
	tmp := final + ".part"
	if err := os.WriteFile(tmp, body, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

func (d *Downloader) merge(total int) error {
	d.logger.Debug("merging segments", "count", total)

	out, err := os.Create(d.OutputPath())
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	for idx := 0; idx < total; idx++ {
		if err := appendFile(out, d.segmentPath(idx)); err != nil {
			out.Close()
			return fmt.Errorf("failed to merge segment %d: %w", idx, err)
		}
	}
	return out.Close()
}

func appendFile(dst io.Writer, name string) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(dst, f)
	return err
}

func (d *Downloader) clear() error {
	if d.opts.KeepSegments {
		return nil
	}
	d.logger.Debug("removing segments", "dir", d.segDir)
	if err := os.RemoveAll(d.segDir); err != nil {
		return fmt.Errorf("failed to remove segments: %w", err)
	}
	return nil
}

// request GETs target with the origin and referer the hosting sites expect
func (d *Downloader) request(ctx context.Context, target string) ([]byte, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	origin := fmt.Sprintf("%s://%s", u.Scheme, u.Host)

	req := d.client.R().
		SetContext(ctx).
		SetHeader("Origin", origin).
		SetHeader("Referer", origin)
	for _, c := range d.opts.Cookies {
		if domainMatches(u.Hostname(), c.Domain) {
			req.SetCookie(&http.Cookie{Name: c.Name, Value: c.Value})
		}
	}

	resp, err := req.Get(target)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", target, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %d", target, resp.StatusCode())
	}
	return resp.Body(), nil
}

func bestVariant(master *m3u8.MasterPlaylist) *m3u8.Variant {
	var best *m3u8.Variant
	for _, v := range master.Variants {
		if v == nil || v.URI == "" {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	return best
}

func encrypted(key *m3u8.Key) bool {
	return key != nil && key.Method != "" && !strings.EqualFold(key.Method, "NONE")
}

func resolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("invalid playlist entry %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}
