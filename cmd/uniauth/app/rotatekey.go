package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/uniauth/uniauth/pkg/config"
	"github.com/uniauth/uniauth/pkg/logger"
	"github.com/uniauth/uniauth/pkg/signer"
)

// newRotateKeyCmd creates the rotate-key command.
func newRotateKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotate-key",
		Short: "Rotate the token signing key",
		Long: `Generate a fresh signing key and demote the current one to a
verification-only fallback. Tokens signed by the old key keep verifying
until it leaves the retention window. A running server picks the new key
up on its next restart.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configFile, err := cmd.Flags().GetString("config"); err == nil && configFile != "" {
				viper.SetConfigFile(configFile)
			}
			cfg, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}

			keyStore, err := signer.NewFileStore(cfg.Keys.Dir)
			if err != nil {
				return fmt.Errorf("opening key store: %w", err)
			}
			key, err := keyStore.Rotate(cmd.Context())
			if err != nil {
				return fmt.Errorf("rotating signing key: %w", err)
			}

			logger.Infof("New signing key %s active in %s", key.KeyID, cfg.Keys.Dir)
			return nil
		},
	}

	cmd.Flags().StringP("config", "c", "", "Path to a config file")
	return cmd
}
