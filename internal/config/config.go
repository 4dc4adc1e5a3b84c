package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models revclaw.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	RateLimits  map[string]RateLimit `yaml:"rate_limits"`
	Stripe      StripeConfig         `yaml:"stripe"`
	Invitations struct {
		MaxCandidates int `yaml:"max_candidates"`
		DefaultLimit  int `yaml:"default_limit"`
	} `yaml:"invitations"`
	Promo struct {
		LinkBase string `yaml:"link_base"`
	} `yaml:"promo"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// StripeConfig points at the payment provider. APIBase is overridable so
// tests can aim the client at an httptest server.
type StripeConfig struct {
	APIBase    string `yaml:"api_base"`
	APIKey     string `yaml:"api_key"`
	ConnectURL string `yaml:"connect_url"`
}

// RateLimit is a named request budget applied per installation.
type RateLimit struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Events  []string `yaml:"events,omitempty"`
	Secret  string   `yaml:"secret,omitempty"`
	Enabled *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with revclaw config init", path)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for name, rl := range c.RateLimits {
		if name == "" {
			return fmt.Errorf("config.rate_limits contains empty profile name")
		}
		if rl.RequestsPerMinute <= 0 {
			return fmt.Errorf("rate limit %s: requests_per_minute must be positive", name)
		}
		if rl.Burst <= 0 {
			return fmt.Errorf("rate limit %s: burst must be positive", name)
		}
	}
	if c.Invitations.MaxCandidates <= 0 {
		return fmt.Errorf("config.invitations.max_candidates must be positive")
	}
	if c.Invitations.DefaultLimit < 1 || c.Invitations.DefaultLimit > 20 {
		return fmt.Errorf("config.invitations.default_limit must be between 1 and 20")
	}
	if c.Promo.LinkBase == "" {
		return fmt.Errorf("config.promo.link_base is required")
	}
	if c.Stripe.ConnectURL == "" {
		return fmt.Errorf("config.stripe.connect_url is required")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "revclaw.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: ":8787"
  base_path: /v1
  jwt_secret: ""

rate_limits:
  plan_execute:
    requests_per_minute: 30
    burst: 5

stripe:
  api_base: https://api.stripe.com
  api_key: ""
  connect_url: https://app.revclaw.dev/settings/payments

invitations:
  max_candidates: 250
  default_limit: 5

promo:
  link_base: https://rev.claw.link

webhooks: []
`
