// Package main is the chatpilot CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/ravelino/chatpilot/cmd/chatpilot/commands"
)

// version is injected at build time via ldflags.
var version = "dev"

func main() {
	// .env is optional; secrets may come from the keyring or the shell.
	_ = godotenv.Load()

	rootCmd := commands.NewRootCmd(version)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
