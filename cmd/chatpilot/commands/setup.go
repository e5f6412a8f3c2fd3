package commands

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/ravelino/chatpilot/pkg/chatpilot/config"
	"github.com/ravelino/chatpilot/pkg/chatpilot/gateway"
)

// newSetupCmd creates the `chatpilot setup` command for interactive
// configuration.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard to create your initial chatpilot.yaml.
The API key goes to the OS keyring when available, never to the config file.

Examples:
  chatpilot setup`,
		RunE: runSetup,
	}
}

func runSetup(cmd *cobra.Command, _ []string) error {
	cfg := config.Default()

	var apiKey, gatewayToken string
	enableWhatsApp := false
	enableGateway := false

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Account ID").
				Description("Identifies this account in the database.").
				Value(&cfg.AccountID),
			huh.NewText().
				Title("Persona").
				Description("System prompt describing the agent's voice and business context.").
				Value(&cfg.Persona),
			huh.NewSelect[string]().
				Title("Response language").
				Options(
					huh.NewOption("Português (Brasil)", "pt-BR"),
					huh.NewOption("English", "en"),
				).
				Value(&cfg.Language),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("LLM base URL").
				Description("OpenAI-compatible endpoint. Leave empty for api.openai.com.").
				Value(&cfg.LLM.BaseURL),
			huh.NewInput().
				Title("Model").
				Placeholder("gpt-4o-mini").
				Value(&cfg.LLM.Model),
			huh.NewInput().
				Title("API key").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable WhatsApp?").
				Value(&enableWhatsApp),
			huh.NewConfirm().
				Title("Enable the HTTP gateway?").
				Value(&enableGateway),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("setup aborted: %w", err)
	}

	cfg.Channels.WhatsApp.Enabled = enableWhatsApp
	if enableWhatsApp {
		cfg.Channels.Default = "whatsapp"
	}

	if apiKey != "" {
		if config.KeyringAvailable() {
			if err := config.StoreAPIKey(apiKey); err != nil {
				return fmt.Errorf("storing API key in keyring: %w", err)
			}
			fmt.Println("API key stored in the OS keyring.")
		} else {
			cfg.LLM.APIKey = apiKey
			fmt.Println("[!] OS keyring unavailable; the API key was written to the config file.")
		}
	}

	cfg.Gateway.Enabled = enableGateway
	if enableGateway {
		tokenForm := huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("Gateway bearer token").
				Description("Clients authenticate with this token; only its bcrypt hash is stored.").
				EchoMode(huh.EchoModePassword).
				Value(&gatewayToken),
		))
		if err := tokenForm.Run(); err != nil {
			return fmt.Errorf("setup aborted: %w", err)
		}
		if gatewayToken != "" {
			hash, err := gateway.HashToken(gatewayToken)
			if err != nil {
				return err
			}
			cfg.Gateway.TokenHash = hash
		}
	}

	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = config.DefaultFile
	}
	if err := config.Save(cfg, path); err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s\n", path)
	fmt.Println("Next: run `chatpilot serve` to start the daemon, or `chatpilot chat` to try it locally.")
	return nil
}
