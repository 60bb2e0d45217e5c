package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.NotEmpty(t, cfg.DBPath)
	require.NotEmpty(t, cfg.ListenAddr)
	require.Equal(t, "sqlite", cfg.TokenStore)
	require.True(t, cfg.PollerEnabled)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CONFIRMD_DB", "/tmp/override.db")
	t.Setenv("CONFIRMD_CRON_SECRET", "topsecret")
	t.Setenv("CONFIRMD_BUYER_EMAIL", "purchasing@buyer.example")
	t.Setenv("CONFIRMD_DEMO_MODE", "true")
	t.Setenv("CONFIRMD_DEMO_RECIPIENT", "sandbox@demo.example")
	t.Setenv("GMAIL_CLIENT_ID", "cid")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/tmp/override.db", cfg.DBPath)
	require.Equal(t, "topsecret", cfg.CronSecret)
	require.Equal(t, "purchasing@buyer.example", cfg.BuyerEmail)
	require.True(t, cfg.DemoMode)
	require.Equal(t, "sandbox@demo.example", cfg.DemoRecipient)
	require.Equal(t, "cid", cfg.GmailClientID)
	require.Equal(t, "sk-test", cfg.AnthropicAPIKey)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cfg := &Config{DBPath: "x.db", TokenStore: "sqlite"}
	require.NoError(t, cfg.Validate())

	cfg.BuyerEmail = "not an address"
	require.Error(t, cfg.Validate(), "bad buyer email")
	cfg.BuyerEmail = "ok@example.com"

	cfg.DemoMode = true
	require.Error(t, cfg.Validate(), "demo mode without recipient")
	cfg.DemoRecipient = "sandbox@demo.example"
	require.NoError(t, cfg.Validate())

	cfg.TokenStore = "redis"
	require.Error(t, cfg.Validate(), "unknown token store")
}
