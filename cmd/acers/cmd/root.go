package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/acers/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "acers",
	Short: "acers is an ACE-OAuth resource server",
	Long: `A resource server for the ACE-OAuth framework: accepts proof-of-possession
access tokens on authz-info, keys DTLS handshakes from them and guards
protected resources over DTLS and HTTPS.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file (default $"+config.EnvVar+")")
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}
