package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.True(t, cfg.ChatHistory.Enabled)
	assert.Equal(t, "data/chat_history.db", cfg.ChatHistory.DBPath)
	assert.Equal(t, 10, cfg.ChatHistory.MaxHistoryLength)
	assert.Equal(t, 8000, cfg.ChatHistory.MaxTokenLimit)
	assert.Equal(t, 200, cfg.ChatHistory.TokenSafetyMargin)
	assert.Equal(t, PruneOldestFirst, cfg.ChatHistory.PruneStrategy)
	assert.Equal(t, 50, cfg.ChatHistory.SystemMessageTokenBase)
	assert.Equal(t, 20, cfg.ChatHistory.UserMessageTokenBase)
	assert.Equal(t, 20, cfg.ChatHistory.AssistantMessageTokenBase)
	assert.Equal(t, 0.25, cfg.ChatHistory.TokensPerCharacter)

	require.NoError(t, cfg.Validate())
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
app:
  name: TestBot
chat_history:
  max_token_limit: 4000
  prune_strategy: system_first
  conversation_idle_timeout: 30m
modules:
  gaming_news:
    system_message: "You report gaming news."
`))
	require.NoError(t, err)

	assert.Equal(t, "TestBot", cfg.App.Name)
	assert.Equal(t, 4000, cfg.ChatHistory.MaxTokenLimit)
	assert.Equal(t, PruneSystemFirst, cfg.ChatHistory.PruneStrategy)
	assert.Equal(t, 30*time.Minute, cfg.ChatHistory.ConversationIdleTimeout.AsDuration())

	// Untouched keys keep their defaults.
	assert.Equal(t, 10, cfg.ChatHistory.MaxHistoryLength)
	assert.Equal(t, 200, cfg.ChatHistory.TokenSafetyMargin)

	assert.Equal(t, "You report gaming news.", cfg.ModuleSystemMessage("gaming_news"))
	assert.Equal(t, "", cfg.ModuleSystemMessage("unknown"))
}

func TestParseEnvSubstitution(t *testing.T) {
	t.Setenv("BENNET_DB_PATH", "/tmp/bennet-test.db")

	cfg, err := Parse([]byte(`
chat_history:
  db_path: ${BENNET_DB_PATH}
`))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/bennet-test.db", cfg.ChatHistory.DBPath)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad strategy", func(c *Config) { c.ChatHistory.PruneStrategy = "newest_first" }},
		{"zero history length", func(c *Config) { c.ChatHistory.MaxHistoryLength = 0 }},
		{"zero token limit", func(c *Config) { c.ChatHistory.MaxTokenLimit = 0 }},
		{"negative margin", func(c *Config) { c.ChatHistory.TokenSafetyMargin = -1 }},
		{"zero chars ratio", func(c *Config) { c.ChatHistory.TokensPerCharacter = 0 }},
		{"negative role base", func(c *Config) { c.ChatHistory.UserMessageTokenBase = -5 }},
		{"enabled without db path", func(c *Config) { c.ChatHistory.DBPath = "" }},
		{"negative idle timeout", func(c *Config) { c.ChatHistory.ConversationIdleTimeout = Duration(-time.Minute) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chat_history:\n  max_token_limit: 1234\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1234, cfg.ChatHistory.MaxTokenLimit)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
