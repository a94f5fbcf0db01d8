// Command shopd runs the amlume store backend: the public catalog, admin
// catalog management guarded by authkit tokens, and order notifications.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:          "shopd",
		Short:        "amlume store backend",
		Long:         "Runs the amlume store backend: public catalog browsing, admin\ncatalog management guarded by authkit tokens, and order notifications.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "path to YAML config file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
