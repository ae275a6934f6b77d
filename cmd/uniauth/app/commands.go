// Package app provides the entry point for the uniauth command-line
// application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/uniauth/uniauth/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "uniauth",
	DisableAutoGenTag: true,
	Short:             "uniauth is an identity and access management server",
	Long: `uniauth is an identity and access management server: an OAuth 2.0 /
OpenID Connect authorization server with single sign-on sessions,
multi-channel end-user authentication (phone and email codes, passwords,
social login, TOTP step-up), a developer console for registering client
applications, and at-least-once webhook delivery of account lifecycle
events.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the uniauth CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newRotateKeyCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}
