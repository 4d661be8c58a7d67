package commands

import (
	"log/slog"

	"episode-harvester/config"
	"episode-harvester/coordfile"
	"episode-harvester/filter"
	"episode-harvester/proxy"

	"github.com/spf13/cobra"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy [--listen <host:port>] [--anti-detection] [--no-qrcode]",
	Short: "Runs the intercepting proxy that records manifest URLs.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applyProxyFlags(cmd, cfg)

		logger := slog.Default()
		chain := buildChain(cfg, logger)

		srv, err := proxy.NewServer(proxy.Options{
			Listen:  cfg.Listen,
			CertDir: cfg.CertDir,
		}, chain, logger)
		if err != nil {
			return err
		}

		logger.Info("recording manifests", "pattern", cfg.ManifestPattern, "file", cfg.CoordinationFile)
		return srv.ListenAndServe(cmd.Context())
	},
}

func init() {
	addProxyFlags(proxyCmd)
	rootCmd.AddCommand(proxyCmd)
}

func addProxyFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("listen", "", "Address to listen on (overrides config)")
	flags.Bool("anti-detection", false, "Strip automation markers from scripts")
	flags.Bool("no-qrcode", false, "Leave qrcode.js untouched")
}

func applyProxyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("anti-detection") {
		cfg.AntiDetection, _ = flags.GetBool("anti-detection")
	}
	if flags.Changed("no-qrcode") {
		cfg.DisableQRCode, _ = flags.GetBool("no-qrcode")
	}
}

// buildChain registers manifest capture first, then the optional rewrites
func buildChain(cfg *config.Config, logger *slog.Logger) *proxy.Chain {
	chain := proxy.NewChain(logger)
	chain.Register(filter.NewManifestCapture(cfg.ManifestPattern, coordfile.NewAppender(cfg.CoordinationFile)))
	if cfg.AntiDetection {
		chain.Register(filter.NewAntiDetection())
	}
	if !cfg.DisableQRCode {
		chain.Register(filter.NewQRCodeNeutralizer())
	}
	return chain
}
