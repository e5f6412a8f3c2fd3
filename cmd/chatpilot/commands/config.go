package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ravelino/chatpilot/pkg/chatpilot/config"
	"github.com/ravelino/chatpilot/pkg/chatpilot/gateway"
)

// newConfigCmd creates the `chatpilot config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and manage configuration and secrets",
	}
	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigSetKeyCmd(),
		newConfigHashTokenCmd(),
	)
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (secrets redacted)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.LLM.APIKey != "" {
				cfg.LLM.APIKey = "***"
			}
			if cfg.Gateway.TokenHash != "" {
				cfg.Gateway.TokenHash = "***"
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key",
		Short: "Store the LLM API key in the OS keyring",
		RunE: func(_ *cobra.Command, _ []string) error {
			if !config.KeyringAvailable() {
				return fmt.Errorf("OS keyring is not available on this system")
			}
			key, err := config.ReadPassword("API key: ")
			if err != nil {
				return err
			}
			if key == "" {
				return fmt.Errorf("empty key")
			}
			if err := config.StoreAPIKey(key); err != nil {
				return err
			}
			fmt.Println("API key stored in the OS keyring.")
			return nil
		},
	}
}

func newConfigHashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token",
		Short: "Hash a gateway bearer token for the config file",
		RunE: func(_ *cobra.Command, _ []string) error {
			token, err := config.ReadPassword("Gateway token: ")
			if err != nil {
				return err
			}
			if token == "" {
				return fmt.Errorf("empty token")
			}
			hash, err := gateway.HashToken(token)
			if err != nil {
				return err
			}
			fmt.Println("Put this under gateway.token_hash in your config:")
			fmt.Println(hash)
			return nil
		},
	}
}
