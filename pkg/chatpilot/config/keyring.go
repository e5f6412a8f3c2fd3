// Secret storage uses the operating system's native keyring (Linux: Secret
// Service, macOS: Keychain, Windows: Credential Manager).
//
// Priority for resolving the API key:
//  1. OS keyring (encrypted by the OS, requires user session)
//  2. Environment variable (CHATPILOT_API_KEY, OPENAI_API_KEY)
//  3. config.yaml value (least secure, plaintext on disk)
package config

import (
	"fmt"
	"os"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "chatpilot"

	// keyringAPIKey is the key name for the LLM API key.
	keyringAPIKey = "api_key"

	// keyringGatewayToken is the key name for the gateway bearer token.
	keyringGatewayToken = "gateway_token"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring. Returns empty string
// if not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__chatpilot_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// StoreAPIKey saves the LLM API key to the OS keyring.
func StoreAPIKey(value string) error {
	return StoreKeyring(keyringAPIKey, value)
}

// resolveSecrets fills in the API key from the resolution chain when the
// config carries none (or only an unexpanded reference).
func resolveSecrets(cfg *Config) {
	if cfg.LLM.APIKey != "" && !IsEnvReference(cfg.LLM.APIKey) {
		return
	}
	if val := GetKeyring(keyringAPIKey); val != "" {
		cfg.LLM.APIKey = val
		return
	}
	for _, name := range []string{"CHATPILOT_API_KEY", "OPENAI_API_KEY"} {
		if val := os.Getenv(name); val != "" {
			cfg.LLM.APIKey = val
			return
		}
	}
	cfg.LLM.APIKey = ""
}

// ReadPassword prompts for a secret without echoing it. Falls back to an
// error when stdin is not a terminal.
func ReadPassword(prompt string) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("stdin is not a terminal")
	}
	fmt.Print(prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(b), nil
}
