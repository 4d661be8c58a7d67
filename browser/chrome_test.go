package browser

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
)

func TestFindChromeExecutableExplicit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chrome")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0755))

	got, err := findChromeExecutable(path)
	require.NoError(t, err)
	require.Equal(t, path, got)
}

func TestFindChromeExecutableExplicitMissing(t *testing.T) {
	_, err := findChromeExecutable(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestFindChromeExecutableFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chromium")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0755))
	t.Setenv("CHROME_PATH", path)

	got, err := findChromeExecutable("")
	require.NoError(t, err)
	require.Equal(t, path, got)
}

func TestAllocatorOptionsAddProxyFlags(t *testing.T) {
	direct := allocatorOptions(Options{})
	proxied := allocatorOptions(Options{Proxy: "127.0.0.1:8080"})
	require.Len(t, proxied, len(direct)+2)
}

func TestFormatCookies(t *testing.T) {
	got := formatCookies([]*network.Cookie{
		{Name: "sid", Value: "abc", Domain: ".baobuzz.com", Path: "/"},
		nil,
		{Name: "lang", Value: "en", Domain: "example.com"},
	})
	require.Equal(t, ".baobuzz.com\t/\tsid\tabc\nexample.com\t/\tlang\ten\n", got)
}

func TestOpenRefusesDockerWhenProxied(t *testing.T) {
	origFind, origStart := findChrome, startDocker
	t.Cleanup(func() { findChrome, startDocker = origFind, origStart })

	findChrome = func(string) (string, error) { return "", errors.New("chrome not found") }
	started := false
	startDocker = func(*slog.Logger) (string, error) {
		started = true
		return "http://localhost:9222", nil
	}

	_, err := Open(context.Background(), Options{
		Proxy:  "127.0.0.1:8080",
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.ErrorIs(t, err, ErrProxyUnsupported)
	require.False(t, started)
}
