package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func validConfig() *Config {
	return &Config{
		RPCURL:          "https://rpc.example.org",
		SigningKey:      testKey,
		ContractAddress: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
	}
}

func TestValidate_OK(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidate_KeyWithPrefix(t *testing.T) {
	cfg := validConfig()
	cfg.SigningKey = "0x" + testKey
	require.NoError(t, cfg.Validate())
}

func TestValidate_MissingRequired(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no rpc url", func(c *Config) { c.RPCURL = "" }},
		{"no signing key", func(c *Config) { c.SigningKey = "" }},
		{"short signing key", func(c *Config) { c.SigningKey = "abc123" }},
		{"no contract", func(c *Config) { c.ContractAddress = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("RPC_URL", "https://rpc.example.org")
	t.Setenv("SIGNING_KEY", testKey)
	t.Setenv("ESCROW_CONTRACT", "0x5FbDB2315678afecb367f032d93F642f64180aa3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, DefaultConfirmTimeout, cfg.ConfirmTimeout)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
}

func TestLoad_DurationOverride(t *testing.T) {
	t.Setenv("RPC_URL", "https://rpc.example.org")
	t.Setenv("SIGNING_KEY", testKey)
	t.Setenv("ESCROW_CONTRACT", "0x5FbDB2315678afecb367f032d93F642f64180aa3")
	t.Setenv("CONFIRM_TIMEOUT", "2m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.ConfirmTimeout)
}

func TestLoad_MissingSigningKey(t *testing.T) {
	t.Setenv("RPC_URL", "https://rpc.example.org")
	t.Setenv("SIGNING_KEY", "")
	t.Setenv("ESCROW_CONTRACT", "0x5FbDB2315678afecb367f032d93F642f64180aa3")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SIGNING_KEY")
}
