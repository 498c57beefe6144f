// Package cmd defines the CLI for the prerender gateway.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/prerender-gateway/internal/config"
)

const ttlHelp = `Cache TTL accepts duration strings with these units:
    m - minute
    h - hour
    d - day
    w - week
Units combine, e.g. "1d12h". The default is "2d".`

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "prerender-gateway",
		Short: "Serves browser-rendered HTML snapshots of JavaScript-heavy pages.",
		Long: `prerender-gateway renders a page in headless Chrome on request, caches the
serialized HTML, and serves it to crawlers and link unfurlers that cannot
execute JavaScript. Request pages with GET /?url=<target>.

Configuration is read from --config, or from config.json / config.yaml in the
working directory, and may be overridden with PRERENDER_* environment variables
(for example PRERENDER_CACHE_TTL=1w).

` + ttlHelp,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.{json,yaml})")

	load := func() (config.Config, error) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return config.Config{}, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}

	cmd.AddCommand(newServeCmd(load))
	cmd.AddCommand(newKeyCmd(load))

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
