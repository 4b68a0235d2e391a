package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBundledConfig(t *testing.T) {
	c, err := Load("config.yml")
	require.NoError(t, err)
	assert.Equal(t, int64(4), c.DefaultChainID)
	assert.Equal(t, 60*time.Second, c.Pairing.TokenTTL)
	assert.Equal(t, StorageMemory, c.Storage.Driver)
	assert.False(t, c.AwsS3.Enabled())

	ch, ok := c.FindChain(1)
	require.True(t, ok)
	assert.Equal(t, "0xB1191F691A355b43542Bea9B8847bc73e7Abb137", ch.TokenAddress)
}

func TestParseDefaults(t *testing.T) {
	c, err := Parse([]byte("discord_bot:\n  app_id: \"1\"\n"))
	require.NoError(t, err)
	assert.Len(t, c.Chains, 2)
	assert.Equal(t, int64(1), c.DefaultChainID)
	assert.Equal(t, 48, c.Pairing.TokenBytes)
	assert.Equal(t, 18, c.Chains[1].Decimals)
	assert.Equal(t, ":8080", c.HTTP.Addr)
	assert.Equal(t, "1", c.DiscordBot.AppID)
}

func TestParseRejects(t *testing.T) {
	_, err := Parse([]byte("default_chain_id: 99\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("storage:\n  driver: mongo\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("unknown_key: 1\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("pairing:\n  token_bytes: 8\n"))
	assert.NoError(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "c.yml")
	require.NoError(t, os.WriteFile(path, []byte("relay:\n  request_ttl: 2m\n"), 0o600))
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, c.Relay.RequestTTL)
}

func TestAllowOrigin(t *testing.T) {
	assert.True(t, HTTP{}.AllowOrigin("https://anything.example"))

	h := HTTP{AllowedOrigins: []string{"https://vault.moff.io/"}}
	assert.True(t, h.AllowOrigin("https://vault.moff.io"))
	assert.True(t, h.AllowOrigin("https://VAULT.moff.io/"))
	assert.False(t, h.AllowOrigin("https://evil.example"))
	assert.False(t, h.AllowOrigin(""))
}
