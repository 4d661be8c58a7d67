package proxy

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
)

// Flow is one intercepted request/response pair as seen by the modules.
// Response is nil during the request phase.
type Flow struct {
	Request  *http.Request
	Response *http.Response
	Logger   *slog.Logger

	text    string
	loaded  bool
	textual bool
	dirty   bool
}

// NewFlow wraps req for the module chain
func NewFlow(req *http.Request, logger *slog.Logger) *Flow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flow{Request: req, Logger: logger}
}

// URL returns the full request URL
func (f *Flow) URL() string {
	if f.Request == nil || f.Request.URL == nil {
		return ""
	}
	return f.Request.URL.String()
}

// Text returns the decoded response body. ok is false when there is no
// response, the body is binary, or its encoding cannot be decoded; callers
// must leave the response alone in that case.
func (f *Flow) Text() (text string, ok bool) {
	if !f.loaded {
		f.load()
	}
	return f.text, f.textual
}

// SetText replaces the response body. It is sent uncompressed.
func (f *Flow) SetText(text string) {
	if !f.loaded {
		f.load()
	}
	if !f.textual || text == f.text {
		return
	}
	f.text = text
	f.dirty = true
}

func (f *Flow) load() {
	f.loaded = true

	resp := f.Response
	if resp == nil || resp.Body == nil || resp.Body == http.NoBody {
		return
	}
	if !isTextContent(resp.Header.Get("Content-Type")) {
		return
	}

	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	// The original bytes go back on the response whatever happens next
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		f.Logger.Warn("failed to read response body", "url", f.URL(), "err", err)
		return
	}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	decoded, err := decodeBody(raw, encoding)
	if err != nil {
		f.Logger.Debug("skipping body rewrite", "url", f.URL(), "encoding", encoding, "err", err)
		return
	}
	if isBinaryContent(decoded) {
		return
	}

	f.text = string(decoded)
	f.textual = true
}

// commit writes a modified body back onto the response
func (f *Flow) commit() {
	if !f.dirty || f.Response == nil {
		return
	}
	resp := f.Response
	resp.Body = io.NopCloser(strings.NewReader(f.text))
	resp.ContentLength = int64(len(f.text))
	resp.TransferEncoding = nil
	resp.Uncompressed = true
	resp.Header.Del("Content-Encoding")
	resp.Header.Set("Content-Length", strconv.Itoa(len(f.text)))
	f.dirty = false
}

func decodeBody(raw []byte, encoding string) ([]byte, error) {
	var reader io.Reader
	switch encoding {
	case "", "identity":
		return raw, nil
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	case "br":
		reader = brotli.NewReader(bytes.NewReader(raw))
	case "deflate":
		// Servers disagree on whether deflate means zlib-wrapped or raw
		if zr, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
			defer zr.Close()
			reader = zr
		} else {
			fr := flate.NewReader(bytes.NewReader(raw))
			defer fr.Close()
			reader = fr
		}
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
	return io.ReadAll(reader)
}

// decodableEncodings are the content codings decodeBody understands
var decodableEncodings = map[string]bool{
	"gzip":     true,
	"x-gzip":   true,
	"deflate":  true,
	"br":       true,
	"identity": true,
}

// negotiateEncoding drops the codings decodeBody cannot read from an
// Accept-Encoding value, keeping their order and q-values. gzip is asked for
// when nothing is left.
func negotiateEncoding(accept string) string {
	var kept []string
	for _, part := range strings.Split(accept, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name := part
		if idx := strings.Index(name, ";"); idx >= 0 {
			name = name[:idx]
		}
		if decodableEncodings[strings.ToLower(strings.TrimSpace(name))] {
			kept = append(kept, part)
		}
	}
	if len(kept) == 0 {
		return "gzip"
	}
	return strings.Join(kept, ", ")
}

func isTextContent(contentType string) bool {
	if contentType == "" {
		return true
	}
	contentType = strings.ToLower(contentType)
	for _, marker := range []string{"text/", "javascript", "ecmascript", "json", "xml", "mpegurl"} {
		if strings.Contains(contentType, marker) {
			return true
		}
	}
	return false
}

// isBinaryContent checks if content appears to be binary
func isBinaryContent(data []byte) bool {
	if len(data) == 0 {
		return false
	}

	// Sample first 512 bytes
	sampleSize := 512
	if len(data) < sampleSize {
		sampleSize = len(data)
	}

	nullCount := 0
	controlCount := 0
	for _, b := range data[:sampleSize] {
		if b == 0 {
			nullCount++
		}
		if b < 32 && b != '\n' && b != '\r' && b != '\t' {
			controlCount++
		}
	}

	return nullCount > sampleSize/10 || controlCount > sampleSize*3/10
}
