package downloader

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

const mediaPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:10.0,
seg0.ts
#EXTINF:10.0,
/video/seg1.ts
#EXTINF:10.0,
{{host}}/video/seg2.ts
#EXT-X-ENDLIST
`

func newOptions(t *testing.T) Options {
	dir := t.TempDir()
	return Options{
		DownloadDir:   filepath.Join(dir, "Download"),
		OutputDir:     filepath.Join(dir, "Complete"),
		Threads:       4,
		MaxRetry:      2,
		RetryInterval: time.Millisecond,
		Progress:      io.Discard,
		Logger:        discard,
	}
}

func segmentServer(t *testing.T, playlists map[string]string, segments map[string]string) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if body, ok := playlists[r.URL.Path]; ok {
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			io.WriteString(w, strings.ReplaceAll(body, "{{host}}", srv.URL))
			return
		}
		if body, ok := segments[r.URL.Path]; ok {
			io.WriteString(w, body)
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunMergesSegmentsInOrder(t *testing.T) {
	srv := segmentServer(t,
		map[string]string{"/video/index.m3u8": mediaPlaylist},
		map[string]string{"/video/seg0.ts": "A", "/video/seg1.ts": "B", "/video/seg2.ts": "C"},
	)

	d, err := New(srv.URL+"/video/index.m3u8", newOptions(t))
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background()))

	got, err := os.ReadFile(d.OutputPath())
	require.NoError(t, err)
	require.Equal(t, "ABC", string(got))
	require.Equal(t, "index.ts", filepath.Base(d.OutputPath()))

	// segments are cleared after the merge
	_, err = os.Stat(d.segDir)
	require.True(t, os.IsNotExist(err))
}

func TestRunKeepSegments(t *testing.T) {
	srv := segmentServer(t,
		map[string]string{"/video/index.m3u8": mediaPlaylist},
		map[string]string{"/video/seg0.ts": "A", "/video/seg1.ts": "B", "/video/seg2.ts": "C"},
	)

	opts := newOptions(t)
	opts.KeepSegments = true
	opts.SaveName = EpisodeName(1)
	d, err := New(srv.URL+"/video/index.m3u8", opts)
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background()))

	seg, err := os.ReadFile(filepath.Join(opts.DownloadDir, "01.ts", "00001.ts"))
	require.NoError(t, err)
	require.Equal(t, "B", string(seg))
}

func TestRunFollowsHighestBandwidthVariant(t *testing.T) {
	master := `#EXTM3U
#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=100000,RESOLUTION=640x360
low/index.m3u8
#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=800000,RESOLUTION=1280x720
high/index.m3u8
`
	variant := `#EXTM3U
#EXT-X-TARGETDURATION:10
#EXTINF:10.0,
a.ts
#EXTINF:10.0,
b.ts
#EXT-X-ENDLIST
`
	srv := segmentServer(t,
		map[string]string{
			"/master.m3u8":     master,
			"/low/index.m3u8":  variant,
			"/high/index.m3u8": variant,
		},
		map[string]string{
			"/low/a.ts": "l0", "/low/b.ts": "l1",
			"/high/a.ts": "h0", "/high/b.ts": "h1",
		},
	)

	d, err := New(srv.URL+"/master.m3u8", newOptions(t))
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background()))

	got, err := os.ReadFile(d.OutputPath())
	require.NoError(t, err)
	require.Equal(t, "h0h1", string(got))
}

func TestRunRejectsEncryptedPlaylist(t *testing.T) {
	encrypted := `#EXTM3U
#EXT-X-TARGETDURATION:10
#EXT-X-KEY:METHOD=AES-128,URI="key.bin"
#EXTINF:10.0,
seg0.ts
#EXT-X-ENDLIST
`
	srv := segmentServer(t, map[string]string{"/index.m3u8": encrypted}, nil)

	d, err := New(srv.URL+"/index.m3u8", newOptions(t))
	require.NoError(t, err)
	require.ErrorIs(t, d.Run(context.Background()), ErrEncrypted)
}

func TestRunRetriesFailedSegments(t *testing.T) {
	var hits atomic.Int32
	playlist := `#EXTM3U
#EXT-X-TARGETDURATION:10
#EXTINF:10.0,
ok.ts
#EXTINF:10.0,
flaky.ts
#EXT-X-ENDLIST
`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/index.m3u8":
			io.WriteString(w, playlist)
		case "/ok.ts":
			io.WriteString(w, "1")
		case "/flaky.ts":
			if hits.Add(1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			io.WriteString(w, "2")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d, err := New(srv.URL+"/index.m3u8", newOptions(t))
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background()))

	got, err := os.ReadFile(d.OutputPath())
	require.NoError(t, err)
	require.Equal(t, "12", string(got))
	require.EqualValues(t, 2, hits.Load())
}

func TestRunGivesUpAfterMaxRetry(t *testing.T) {
	playlist := `#EXTM3U
#EXT-X-TARGETDURATION:10
#EXTINF:10.0,
missing.ts
#EXT-X-ENDLIST
`
	srv := segmentServer(t, map[string]string{"/index.m3u8": playlist}, nil)

	d, err := New(srv.URL+"/index.m3u8", newOptions(t))
	require.NoError(t, err)
	err = d.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "still missing")
}

func TestKeepDropsSegments(t *testing.T) {
	srv := segmentServer(t,
		map[string]string{"/video/index.m3u8": mediaPlaylist},
		map[string]string{"/video/seg0.ts": "A", "/video/seg1.ts": "B", "/video/seg2.ts": "C"},
	)

	opts := newOptions(t)
	opts.Keep = func(u string) bool { return !strings.HasSuffix(u, "seg1.ts") }
	d, err := New(srv.URL+"/video/index.m3u8", opts)
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background()))

	got, err := os.ReadFile(d.OutputPath())
	require.NoError(t, err)
	require.Equal(t, "AC", string(got))
}

func TestNewRejectsInvalidURL(t *testing.T) {
	_, err := New("ftp://example.com/index.m3u8", Options{})
	require.Error(t, err)
	_, err = New("not a url", Options{})
	require.Error(t, err)
}

func TestSanitizeFilename(t *testing.T) {
	require.Equal(t, "a_b_c.ts", sanitizeFilename(`a:b c.ts`))

	long := strings.Repeat("x", 120) + ".ts"
	got := sanitizeFilename(long)
	require.Len(t, got, 100)
	require.True(t, strings.HasSuffix(got, ".ts"))
}

func TestRunSendsMatchingCookies(t *testing.T) {
	var sid atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("sid"); err == nil {
			sid.Store(c.Value)
		}
		if _, err := r.Cookie("other"); err == nil {
			t.Errorf("cookie for another domain was sent")
		}
		switch r.URL.Path {
		case "/index.m3u8":
			io.WriteString(w, "#EXTM3U\n#EXT-X-TARGETDURATION:10\n#EXTINF:10.0,\na.ts\n#EXT-X-ENDLIST\n")
		case "/a.ts":
			io.WriteString(w, "x")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cookieFile := filepath.Join(t.TempDir(), "cookies.txt")
	require.NoError(t, os.WriteFile(cookieFile, []byte(".127.0.0.1\t/\tsid\tabc\nexample.com\t/\tother\tnope\n"), 0600))
	cookies, err := LoadCookies(cookieFile)
	require.NoError(t, err)
	require.Len(t, cookies, 2)

	opts := newOptions(t)
	opts.Cookies = cookies
	d, err := New(srv.URL+"/index.m3u8", opts)
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background()))
	require.Equal(t, "abc", sid.Load())
}

func TestLoadCookiesRejectsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.txt")
	require.NoError(t, os.WriteFile(path, []byte("only\ttwo\n"), 0600))
	_, err := LoadCookies(path)
	require.Error(t, err)
}

func TestDomainMatches(t *testing.T) {
	require.True(t, domainMatches("b.baobuzz.com", ".baobuzz.com"))
	require.True(t, domainMatches("baobuzz.com", "baobuzz.com"))
	require.False(t, domainMatches("evilbaobuzz.com", "baobuzz.com"))
	require.False(t, domainMatches("example.com", ""))
}
