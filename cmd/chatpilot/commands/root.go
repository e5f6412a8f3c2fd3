// Package commands implements the chatpilot CLI commands using cobra.
package commands

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ravelino/chatpilot/pkg/chatpilot/config"
	"github.com/ravelino/chatpilot/pkg/chatpilot/logging"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chatpilot",
		Short: "ChatPilot - outbound messaging automation for business chat",
		Long: `ChatPilot automates outbound business messaging: it reads inbound
conversations, classifies and labels them, tracks goals, and schedules
follow-ups, with a safety gate in front of every autonomous send.

Examples:
  chatpilot setup
  chatpilot serve
  chatpilot chat
  chatpilot followups list`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSetupCmd(),
		newChatCmd(),
		newFollowupsCmd(),
		newConfigCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logs")

	return rootCmd
}

// resolveConfig loads the config honoring the --config flag.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	return config.Load(path)
}

// buildLogger creates the process logger honoring --verbose.
func buildLogger(cmd *cobra.Command, cfg *config.Config) (*slog.Logger, io.Closer, error) {
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		cfg.Logging.Level = "debug"
	}
	return logging.New(cfg.Logging)
}
