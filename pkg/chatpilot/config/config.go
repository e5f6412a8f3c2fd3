// Package config loads the application configuration from YAML, expands
// ${ENV_VAR} references, and resolves secrets through the keyring chain.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ravelino/chatpilot/pkg/chatpilot/channels/discord"
	"github.com/ravelino/chatpilot/pkg/chatpilot/channels/whatsapp"
	"github.com/ravelino/chatpilot/pkg/chatpilot/llm"
	"github.com/ravelino/chatpilot/pkg/chatpilot/logging"
)

// DefaultFile is the config filename looked up in the working directory.
const DefaultFile = "chatpilot.yaml"

// Config holds all application configuration.
type Config struct {
	// AccountID identifies this account in the store. Defaults to "default".
	AccountID string `yaml:"account_id"`

	// Persona is the base system prompt describing the agent's voice.
	Persona string `yaml:"persona"`

	// Language is the preferred response language (e.g. "pt-BR").
	Language string `yaml:"language"`

	// DatabasePath is the SQLite file for the application store.
	DatabasePath string `yaml:"database_path"`

	// PollInterval is the follow-up poller cron spec (e.g. "@every 1m").
	PollInterval string `yaml:"poll_interval"`

	// LLM configures the completion provider.
	LLM llm.Config `yaml:"llm"`

	// Gateway configures the HTTP webhook listener.
	Gateway GatewayConfig `yaml:"gateway"`

	// Channels configures the delivery adapters.
	Channels ChannelsConfig `yaml:"channels"`

	// Logging configures the process logger.
	Logging logging.Config `yaml:"logging"`
}

// GatewayConfig configures the HTTP listener.
type GatewayConfig struct {
	// Enabled starts the webhook listener with the serve command.
	Enabled bool `yaml:"enabled"`

	// Listen is the bind address (e.g. "127.0.0.1:8571").
	Listen string `yaml:"listen"`

	// TokenHash is the bcrypt hash of the bearer token.
	TokenHash string `yaml:"token_hash"`
}

// ChannelsConfig configures the delivery adapters.
type ChannelsConfig struct {
	// Default names the adapter used when a conversation has no channel.
	Default string `yaml:"default"`

	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Discord  DiscordConfig  `yaml:"discord"`
}

// WhatsAppConfig wraps the adapter config with an enable flag.
type WhatsAppConfig struct {
	Enabled bool `yaml:"enabled"`
	whatsapp.Config `yaml:",inline"`
}

// DiscordConfig wraps the adapter config with an enable flag.
type DiscordConfig struct {
	Enabled bool `yaml:"enabled"`
	discord.Config `yaml:",inline"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		AccountID:    "default",
		Language:     "pt-BR",
		DatabasePath: "chatpilot.db",
		PollInterval: "@every 1m",
		Gateway: GatewayConfig{
			Listen: "127.0.0.1:8571",
		},
		Channels: ChannelsConfig{
			Default: "console",
		},
		Logging: logging.Config{
			Level: "info",
		},
	}
}

// Load reads the config file, expands ${ENV_VAR} references, applies
// defaults, and resolves the API key chain. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			resolveSecrets(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := expandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	resolveSecrets(cfg)
	return cfg, nil
}

// Save writes the config back to disk.
func Save(cfg *Config, path string) error {
	if path == "" {
		path = DefaultFile
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references with environment values. Unset
// variables expand to empty so the YAML stays parseable.
func expandEnv(s string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.Trim(match, "${}")
		return os.Getenv(name)
	})
}

// IsEnvReference reports whether a value is an unexpanded ${VAR} reference.
func IsEnvReference(s string) bool {
	return envRefPattern.MatchString(s)
}
