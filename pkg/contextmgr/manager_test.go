package contextmgr

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bennet/pkg/config"
	"bennet/pkg/persistence"
	"bennet/pkg/tokens"
)

// newTestManager wires a manager over a fresh temp database using the
// heuristic estimator only, so token costs are deterministic.
func newTestManager(t *testing.T, cfg *config.Config) *Manager {
	t.Helper()

	db, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	// Tests pass an empty model name, so estimation always takes the
	// character heuristic and costs stay deterministic.
	estimator := tokens.NewCounter(tokens.HeuristicParams{
		SystemBase:    cfg.ChatHistory.SystemMessageTokenBase,
		UserBase:      cfg.ChatHistory.UserMessageTokenBase,
		AssistantBase: cfg.ChatHistory.AssistantMessageTokenBase,
		TokensPerChar: cfg.ChatHistory.TokensPerCharacter,
	})

	store := persistence.NewStore(db, estimator,
		persistence.WithIdleTimeout(cfg.ChatHistory.ConversationIdleTimeout.AsDuration()))
	return NewManager(cfg, store, estimator)
}

func TestRecordAndBuildRoundtrip(t *testing.T) {
	cfg := config.DefaultConfig()
	m := newTestManager(t, cfg)
	ctx := context.Background()

	turns := []struct {
		role    tokens.Role
		content string
	}{
		{tokens.RoleUser, "What happened in gaming today?"},
		{tokens.RoleAssistant, "A new engine release and two indie launches."},
		{tokens.RoleUser, "Tell me more about the engine."},
	}
	for _, turn := range turns {
		msg, err := m.RecordTurn(ctx, "chat-1", turn.role, turn.content, "", map[string]any{"module": "gaming_news"})
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.NotNil(t, msg.TokenCount)
	}

	built, err := m.BuildContext(ctx, "chat-1", "You are a news assistant.", "", 0, 0, "")
	require.NoError(t, err)
	require.Len(t, built.Messages, 4)
	assert.Equal(t, tokens.RoleSystem, built.Messages[0].Role)
	for i, turn := range turns {
		assert.Equal(t, turn.role, built.Messages[i+1].Role)
		assert.Equal(t, turn.content, built.Messages[i+1].Content)
	}
	assert.False(t, built.Degraded)
	assert.LessOrEqual(t, built.TokensUsed,
		cfg.ChatHistory.MaxTokenLimit-cfg.ChatHistory.TokenSafetyMargin)
}

func TestBuildContextAppliesConfiguredLimits(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ChatHistory.MaxHistoryLength = 2
	m := newTestManager(t, cfg)
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three", "four"} {
		_, err := m.RecordTurn(ctx, "chat-1", tokens.RoleUser, content, "", nil)
		require.NoError(t, err)
	}

	built, err := m.BuildContext(ctx, "chat-1", "", "", 0, 0, "")
	require.NoError(t, err)
	require.Len(t, built.Messages, 2)
	assert.Equal(t, "three", built.Messages[0].Content)
	assert.Equal(t, "four", built.Messages[1].Content)
}

func TestClearThroughFacade(t *testing.T) {
	cfg := config.DefaultConfig()
	m := newTestManager(t, cfg)
	ctx := context.Background()

	_, err := m.RecordTurn(ctx, "chat-1", tokens.RoleUser, "hello", "", nil)
	require.NoError(t, err)

	require.NoError(t, m.Clear(ctx, "chat-1"))
	require.NoError(t, m.Clear(ctx, "chat-1"), "second clear must succeed")

	built, err := m.BuildContext(ctx, "chat-1", "sys", "", 0, 0, "")
	require.NoError(t, err)
	require.Len(t, built.Messages, 1)
	assert.Equal(t, tokens.RoleSystem, built.Messages[0].Role)
}

func TestDisabledHistory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ChatHistory.Enabled = false
	m := newTestManager(t, cfg)
	ctx := context.Background()

	msg, err := m.RecordTurn(ctx, "chat-1", tokens.RoleUser, "hello", "", nil)
	require.NoError(t, err)
	assert.Nil(t, msg, "disabled history skips persistence")

	built, err := m.BuildContext(ctx, "chat-1", "sys", "", 0, 0, "")
	require.NoError(t, err)
	require.Len(t, built.Messages, 1)
	assert.Equal(t, "sys", built.Messages[0].Content)

	require.NoError(t, m.Clear(ctx, "chat-1"))
}

func TestSystemMessageResolution(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.App.Name = "TestBot"
	cfg.Modules = map[string]config.ModuleConfig{
		"gaming_news": {SystemMessage: "You report gaming news."},
	}
	m := newTestManager(t, cfg)

	assert.Equal(t, "You report gaming news.", m.SystemMessage("gaming_news", ""))

	generated := m.SystemMessage("weather", "gpt-4")
	assert.True(t, strings.Contains(generated, "TestBot"))
	assert.True(t, strings.Contains(generated, "weather module"))
	assert.True(t, strings.Contains(generated, "gpt-4"))

	cfg.ChatHistory.SystemMessage = "Configured default."
	assert.Equal(t, "Configured default.", m.SystemMessage("weather", "gpt-4"))
}
