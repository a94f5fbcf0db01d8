// Command authserver runs the amlume authorization server: password and
// passkey login, the embedded OAuth2 server with optional upstream
// federation, and the metrics endpoint.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:          "authserver",
		Short:        "amlume authorization server",
		Long:         "Runs the amlume authorization server: password and passkey login,\nOAuth2/OIDC issuance with optional upstream federation, and metrics.",
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
