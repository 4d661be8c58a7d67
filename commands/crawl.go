package commands

import (
	"log/slog"
	"time"

	"episode-harvester/browser"
	"episode-harvester/config"
	"episode-harvester/coordfile"
	"episode-harvester/crawler"

	"github.com/spf13/cobra"
)

var crawlCmd = &cobra.Command{
	Use:   "crawl [--url <page>] [--episodes <n>] [--start <n>]",
	Short: "Opens the series page and plays every episode through the proxy.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applyCrawlFlags(cmd, cfg)
		if err := cfg.ValidateCrawl(); err != nil {
			return err
		}

		logger := slog.Default()
		ctx := cmd.Context()

		session, err := browser.Open(ctx, browser.Options{
			ChromePath: cfg.ChromePath,
			RemoteURL:  cfg.RemoteURL,
			Proxy:      cfg.Proxy,
			Headless:   cfg.Headless,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		defer session.Close()

		session.ObserveRequests(cfg.ManifestPattern, func(url string) {
			logger.Debug("browser requested manifest", "url", url)
		})

		if err := session.Navigate(cfg.PageURL); err != nil {
			return err
		}
		if cfg.CookieFile != "" {
			if _, err := session.SaveCookies(cfg.CookieFile); err != nil {
				logger.Warn("cookies not saved", "err", err)
			}
		}

		watcher := coordfile.NewWatcher(cfg.CoordinationFile, cfg.PollAttempts, cfg.PollEvery(), logger)
		startTime := time.Now()
		err = crawler.New(session, watcher, cfg.Episodes, logger).
			StartAt(cfg.StartEpisode).
			Run(ctx)
		if err != nil {
			return err
		}

		logger.Info("crawl completed", "episodes", cfg.Episodes-cfg.StartEpisode+1, "manifests", watcher.Lines(), "elapsed", time.Since(startTime))
		return nil
	},
}

func init() {
	addCrawlFlags(crawlCmd)
	rootCmd.AddCommand(crawlCmd)
}

func addCrawlFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("url", "", "Series page to open (overrides config)")
	flags.Int("episodes", 0, "Number of episodes on the page")
	flags.Int("start", 0, "First episode to play, 1-based")
	flags.String("proxy", "", "Proxy host:port for the browser")
	flags.Bool("direct", false, "Connect the browser without a proxy")
	flags.Bool("headless", false, "Run Chrome headless")
	flags.String("chrome", "", "Path to the Chrome executable")
	flags.String("remote", "", "DevTools URL of a running browser")
}

func applyCrawlFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("url") {
		cfg.PageURL, _ = flags.GetString("url")
	}
	if flags.Changed("episodes") {
		cfg.Episodes, _ = flags.GetInt("episodes")
	}
	if flags.Changed("start") {
		cfg.StartEpisode, _ = flags.GetInt("start")
	}
	if flags.Changed("proxy") {
		cfg.Proxy, _ = flags.GetString("proxy")
	}
	if direct, _ := flags.GetBool("direct"); direct {
		cfg.Proxy = ""
	}
	if flags.Changed("headless") {
		cfg.Headless, _ = flags.GetBool("headless")
	}
	if flags.Changed("chrome") {
		cfg.ChromePath, _ = flags.GetString("chrome")
	}
	if flags.Changed("remote") {
		cfg.RemoteURL, _ = flags.GetString("remote")
	}
}
