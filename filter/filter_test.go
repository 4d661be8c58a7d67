package filter

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"episode-harvester/coordfile"
	"episode-harvester/proxy"

	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newFlow(t *testing.T, rawURL, contentType, body string) *proxy.Flow {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)

	flow := proxy.NewFlow(&http.Request{Method: http.MethodGet, URL: u, Header: http.Header{}}, discard)
	flow.Response = &http.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{"Content-Type": {contentType}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	return flow
}

func respond(t *testing.T, m proxy.Module, flow *proxy.Flow) string {
	t.Helper()
	chain := proxy.NewChain(discard)
	chain.Register(m)
	chain.Response(flow)

	data, err := io.ReadAll(flow.Response.Body)
	require.NoError(t, err)
	return string(data)
}

func TestRulesApplyInOrder(t *testing.T) {
	rules := Rules{
		{Old: "a", New: "b"},
		{Old: "b", New: "c"},
		{Old: "", New: "ignored"},
	}
	out, n := rules.Apply("aab")
	require.Equal(t, "ccc", out)
	require.Equal(t, 5, n)
}

func TestAntiDetectionRemovesEveryMarker(t *testing.T) {
	var body strings.Builder
	for _, name := range AutomationProperties {
		body.WriteString("x[" + Quoted(name) + "];\n")
	}
	body.WriteString("if (t.webdriver) { detect('ChromeDriver') }\n")

	out := respond(t, NewAntiDetection(), newFlow(t, "https://site.example/static/app.js?v=1", "application/javascript", body.String()))

	for _, name := range AutomationProperties {
		require.NotContains(t, out, Quoted(name))
	}
	require.Equal(t, len(AutomationProperties), strings.Count(out, Quoted(MissingAttribute)))
	require.NotContains(t, out, "t.webdriver")
	require.Contains(t, out, "if (false)")
	require.NotContains(t, out, "ChromeDriver")
}

func TestAntiDetectionIgnoresNonScripts(t *testing.T) {
	body := `{"webdriver": true, "t.webdriver": "ChromeDriver"}`
	out := respond(t, NewAntiDetection(), newFlow(t, "https://site.example/api/data", "text/html", body))
	require.Equal(t, body, out)
}

func TestQRCodeNeutralizer(t *testing.T) {
	body := "var RS_BLOCK_TABLE = []; lookup(RS_BLOCK_TABLE);"

	out := respond(t, NewQRCodeNeutralizer(), newFlow(t, "https://site.example/js/qrcode.js", "text/javascript", body))
	require.Equal(t, "var  = []; lookup();", out)

	other := respond(t, NewQRCodeNeutralizer(), newFlow(t, "https://site.example/js/player.js", "text/javascript", body))
	require.Equal(t, body, other)
}

func TestRewriteSkipsBinaryBodies(t *testing.T) {
	body := string([]byte{0, 0, 0, 0, 'R', 'S', '_', 0, 0, 0, 0, 0})
	out := respond(t, NewQRCodeNeutralizer(), newFlow(t, "https://site.example/qrcode.js", "", body))
	require.Equal(t, body, out)
}

func TestRewriteWithoutResponseBody(t *testing.T) {
	flow := newFlow(t, "https://site.example/qrcode.js", "text/javascript", "")
	flow.Response.Body = http.NoBody

	chain := proxy.NewChain(discard)
	chain.Register(NewQRCodeNeutralizer())
	require.NotPanics(t, func() { chain.Response(flow) })
	require.Equal(t, http.NoBody, flow.Response.Body)
}

func TestManifestCaptureIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m3u8_file.txt")
	capture := NewManifestCapture("b.baobuzz.com/m3u8", coordfile.NewAppender(path))
	chain := proxy.NewChain(discard)
	chain.Register(capture)

	const manifest = "https://b.baobuzz.com/m3u8/abc.m3u8"
	for i := 0; i < 2; i++ {
		chain.Request(newFlow(t, manifest, "", ""))
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, manifest+"\n", string(data))
	require.Equal(t, 1, capture.Seen())
}

func TestManifestCaptureIgnoresOtherURLs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m3u8_file.txt")
	capture := NewManifestCapture("b.baobuzz.com/m3u8", coordfile.NewAppender(path))

	require.NoError(t, capture.Request(newFlow(t, "https://cdn.example/video/abc.m3u8", "", "")))
	require.Equal(t, 0, capture.Seen())
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestManifestCaptureManyDistinctURLs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m3u8_file.txt")
	capture := NewManifestCapture("/m3u8/", coordfile.NewAppender(path))

	urls := []string{
		"https://b.baobuzz.com/m3u8/1.m3u8?sign=a",
		"https://b.baobuzz.com/m3u8/1.m3u8?sign=b",
		"https://b.baobuzz.com/m3u8/2.m3u8",
	}
	for _, u := range append(urls, urls...) {
		require.NoError(t, capture.Request(newFlow(t, u, "", "")))
	}

	lines, err := coordfile.ReadLines(path)
	require.NoError(t, err)
	require.Equal(t, urls, lines)
	require.Equal(t, 3, capture.Seen())
}

type failingRecorder struct {
	fail  bool
	lines []string
}

func (r *failingRecorder) Append(line string) error {
	if r.fail {
		return errors.New("disk full")
	}
	r.lines = append(r.lines, line)
	return nil
}

func TestManifestCaptureRetriesAfterFailedWrite(t *testing.T) {
	rec := &failingRecorder{fail: true}
	capture := NewManifestCapture("m3u8", rec)
	const manifest = "https://b.baobuzz.com/m3u8/abc.m3u8"

	require.Error(t, capture.Request(newFlow(t, manifest, "", "")))
	require.Equal(t, 0, capture.Seen())

	rec.fail = false
	require.NoError(t, capture.Request(newFlow(t, manifest, "", "")))
	require.NoError(t, capture.Request(newFlow(t, manifest, "", "")))
	require.Equal(t, []string{manifest}, rec.lines)
}
