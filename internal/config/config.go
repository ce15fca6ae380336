package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models fluxline.yml.
type Config struct {
	Ledger struct {
		Asset string `yaml:"asset"`
		Admin string `yaml:"admin"`
	} `yaml:"ledger"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one event delivery target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Topics         []string `yaml:"topics"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Ledger.Asset) == "" {
		return fmt.Errorf("config.ledger.asset is required")
	}
	if strings.TrimSpace(c.Ledger.Admin) == "" {
		return fmt.Errorf("config.ledger.admin is required")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fluxline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fluxline init --write-config", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the default Config for an asset and admin account.
func Default(asset, admin string) *Config {
	var cfg Config
	cfg.Ledger.Asset = asset
	cfg.Ledger.Admin = admin
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(asset, admin string) string {
	return fmt.Sprintf(defaultTemplate, asset, admin)
}

const defaultTemplate = `ledger:
  asset: %s
  admin: %s

# webhooks:
#   - url: https://example.test/hooks/fluxline
#     topics: [created, cancelled, withdrew]
#     secret: change-me
#     timeout_seconds: 5
`
