package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"episode-harvester/config"
	"episode-harvester/coordfile"
	"episode-harvester/downloader"

	"github.com/spf13/cobra"
)

var (
	downloadURL  string
	downloadName string
)

var downloadCmd = &cobra.Command{
	Use:   "download [--url <manifest> [--name <file>]]",
	Short: "Downloads every recorded manifest, or a single one, into merged .ts files.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := slog.Default()
		ctx := cmd.Context()

		cookies, err := loadCookies(cfg, logger)
		if err != nil {
			return err
		}

		if downloadURL != "" {
			d, err := downloader.New(downloadURL, downloadOptions(cfg, downloadName, cookies, logger))
			if err != nil {
				return err
			}
			return d.Run(ctx)
		}

		urls, err := coordfile.ReadLines(cfg.CoordinationFile)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", cfg.CoordinationFile, err)
		}
		if len(urls) == 0 {
			return fmt.Errorf("no manifests recorded in %s", cfg.CoordinationFile)
		}

		failed := 0
		for i, u := range urls {
			if err := ctx.Err(); err != nil {
				return err
			}
			name := downloader.EpisodeName(i + 1)
			d, err := downloader.New(u, downloadOptions(cfg, name, cookies, logger))
			if err == nil {
				err = d.Run(ctx)
			}
			if err != nil {
				failed++
				logger.Error("download failed", "name", name, "url", u, "err", err)
			}
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d downloads failed", failed, len(urls))
		}
		logger.Info("all downloads completed", "count", len(urls), "dir", cfg.Download.OutputDir)
		return nil
	},
}

func init() {
	downloadCmd.Flags().StringVar(&downloadURL, "url", "", "Download a single manifest instead of the recorded ones")
	downloadCmd.Flags().StringVar(&downloadName, "name", "", "Output file name for --url")
	rootCmd.AddCommand(downloadCmd)
}

func loadCookies(cfg *config.Config, logger *slog.Logger) ([]*http.Cookie, error) {
	if cfg.CookieFile == "" {
		return nil, nil
	}
	cookies, err := downloader.LoadCookies(cfg.CookieFile)
	if errors.Is(err, os.ErrNotExist) {
		logger.Debug("no cookie file", "path", cfg.CookieFile)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cookies: %w", err)
	}
	logger.Info("loaded cookies", "count", len(cookies), "path", cfg.CookieFile)
	return cookies, nil
}

func downloadOptions(cfg *config.Config, name string, cookies []*http.Cookie, logger *slog.Logger) downloader.Options {
	opts := downloader.Options{
		SaveName:     name,
		DownloadDir:  cfg.Download.DownloadDir,
		OutputDir:    cfg.Download.OutputDir,
		Threads:      cfg.Download.Threads,
		MaxRetry:     cfg.Download.MaxRetry,
		KeepSegments: cfg.Download.KeepSegments,
		Cookies:      cookies,
		Logger:       logger,
	}
	if skip := cfg.Download.SkipPattern; skip != "" {
		opts.Keep = func(segmentURL string) bool {
			return !strings.Contains(segmentURL, skip)
		}
	}
	return opts
}
