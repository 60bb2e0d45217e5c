// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/spf13/viper"
)

// Config is the resolved runtime configuration. Everything is environment
// driven; the CLI binds its flags onto the same viper instance.
type Config struct {
	DBPath     string `mapstructure:"db"`
	ListenAddr string `mapstructure:"listen_addr"`

	CronSecret    string `mapstructure:"cron_secret"`
	PollerEnabled bool   `mapstructure:"poller_enabled"`

	BuyerEmail     string `mapstructure:"buyer_email"`
	DemoMode       bool   `mapstructure:"demo_mode"`
	DemoRecipient  string `mapstructure:"demo_recipient"`

	GmailClientID     string `mapstructure:"gmail_client_id"`
	GmailClientSecret string `mapstructure:"gmail_client_secret"`
	GmailRedirectURL  string `mapstructure:"gmail_redirect_url"`

	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`

	// TokenStore selects the OAuth token backend: "sqlite" (default) or "file".
	TokenStore     string `mapstructure:"token_store"`
	TokenStorePath string `mapstructure:"token_store_path"`

	// Prod disables demo/dev-only surfaces like /confirmations/reset.
	Prod bool `mapstructure:"prod"`
}

// Load reads configuration from CONFIRMD_* environment variables (plus the
// GMAIL_* and ANTHROPIC_API_KEY pass-throughs) with defaults applied.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CONFIRMD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("db", "confirmd.db")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("poller_enabled", true)
	v.SetDefault("demo_mode", false)
	v.SetDefault("token_store", "sqlite")
	v.SetDefault("token_store_path", "gmail_token.json")
	v.SetDefault("prod", false)

	// AutomaticEnv alone does not surface env-only keys through Unmarshal;
	// every key needs a default or an explicit binding.
	for _, key := range []string{"cron_secret", "buyer_email", "demo_recipient"} {
		_ = v.BindEnv(key)
	}

	// Credentials conventionally live under their own names, not the
	// CONFIRMD prefix.
	_ = v.BindEnv("gmail_client_id", "GMAIL_CLIENT_ID")
	_ = v.BindEnv("gmail_client_secret", "GMAIL_CLIENT_SECRET")
	_ = v.BindEnv("gmail_redirect_url", "GMAIL_REDIRECT_URL")
	_ = v.BindEnv("anthropic_api_key", "ANTHROPIC_API_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings a serving process cannot run without.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("config: db path is required")
	}
	if c.BuyerEmail != "" {
		if _, err := mail.ParseAddress(c.BuyerEmail); err != nil {
			return fmt.Errorf("config: buyer_email %q is not a valid address", c.BuyerEmail)
		}
	}
	if c.DemoMode && c.DemoRecipient == "" {
		return fmt.Errorf("config: demo_mode requires demo_recipient")
	}
	switch c.TokenStore {
	case "sqlite", "file":
	default:
		return fmt.Errorf("config: unknown token_store %q", c.TokenStore)
	}
	return nil
}
