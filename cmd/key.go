package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/prerender-gateway/internal/config"
	"github.com/JakeFAU/prerender-gateway/internal/prerender"
)

func newKeyCmd(load configLoader) *cobra.Command {
	var showPath bool

	cmd := &cobra.Command{
		Use:   "key <url>",
		Short: "Prints the cache key for a URL",
		Long: `Prints the cache key the gateway derives from a URL. With --path it prints
the file the filesystem backend would use for that key.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rawURL := args[0]
			if !prerender.ValidURL(rawURL) {
				return fmt.Errorf("invalid URL %q", rawURL)
			}
			key := prerender.CacheKey(rawURL)
			if !showPath {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), key)
				return err //nolint:wrapcheck // terminal write
			}

			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Cache.Backend != config.BackendFilesystem {
				return fmt.Errorf("--path needs the filesystem backend, configured backend is %q", cfg.Cache.Backend)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), filepath.Join(cfg.Cache.Directory, key))
			return err //nolint:wrapcheck // terminal write
		},
	}
	cmd.Flags().BoolVar(&showPath, "path", false, "print the cache file path instead of the key")
	return cmd
}
