package contextmgr

import (
	"context"
	"fmt"

	"bennet/pkg/config"
	"bennet/pkg/logx"
	"bennet/pkg/persistence"
	"bennet/pkg/tokens"
)

// Manager is the conversation context manager façade: the public surface the
// chat transport and module system call to record turns, build model-ready
// contexts, and clear history.
type Manager struct {
	cfg    *config.Config
	store  *persistence.Store
	asm    *Assembler
	logger *logx.Logger
}

// NewManager wires the façade over a store and an assembler built from the
// same configuration.
func NewManager(cfg *config.Config, store *persistence.Store, estimator tokens.Estimator, opts ...AssemblerOption) *Manager {
	return &Manager{
		cfg:    cfg,
		store:  store,
		asm:    NewAssembler(store, estimator, cfg.ChatHistory.TokenSafetyMargin, opts...),
		logger: logx.NewLogger("contextmgr"),
	}
}

// RecordTurn appends one conversation turn to durable history and returns the
// stored message. When chat history is disabled it is a no-op returning nil.
func (m *Manager) RecordTurn(ctx context.Context, chatID string, role tokens.Role, content, model string, metadata map[string]any) (*persistence.Message, error) {
	if !m.cfg.ChatHistory.Enabled {
		m.logger.Debug("Chat history disabled, skipping %s turn for chat %s", role, chatID)
		return nil, nil
	}
	return m.store.Append(ctx, chatID, role, content, model, metadata)
}

// BuildContext assembles the token-bounded context to submit to a model.
// Zero values for maxTokens and maxMessages and an empty strategy fall back
// to the configured defaults.
func (m *Manager) BuildContext(ctx context.Context, chatID, systemMessage, model string, maxTokens, maxMessages int, strategy Strategy) (*AssembledContext, error) {
	if !m.cfg.ChatHistory.Enabled {
		out := &AssembledContext{}
		if systemMessage != "" {
			out.Messages = []ChatMessage{{Role: tokens.RoleSystem, Content: systemMessage}}
		}
		return out, nil
	}

	if maxTokens <= 0 {
		maxTokens = m.cfg.ChatHistory.MaxTokenLimit
	}
	if maxMessages <= 0 {
		maxMessages = m.cfg.ChatHistory.MaxHistoryLength
	}
	if strategy == "" {
		parsed, err := ParseStrategy(m.cfg.ChatHistory.PruneStrategy)
		if err != nil {
			return nil, fmt.Errorf("resolve configured prune strategy: %w", err)
		}
		strategy = parsed
	}

	return m.asm.Assemble(ctx, chatID, systemMessage, model, maxTokens, maxMessages, strategy)
}

// Clear deletes all history for the chat. Clearing a chat with no history
// succeeds silently.
func (m *Manager) Clear(ctx context.Context, chatID string) error {
	if !m.cfg.ChatHistory.Enabled {
		return nil
	}
	return m.store.Clear(ctx, chatID)
}

// SystemMessage resolves the system message for a conversation: a per-module
// override when configured, else the configured default, else a generated
// message naming the application, module, and model.
func (m *Manager) SystemMessage(moduleName, modelName string) string {
	if override := m.cfg.ModuleSystemMessage(moduleName); override != "" {
		return override
	}
	if m.cfg.ChatHistory.SystemMessage != "" {
		return m.cfg.ChatHistory.SystemMessage
	}

	appName := m.cfg.App.Name
	if appName == "" {
		appName = "Bennet"
	}
	msg := fmt.Sprintf("You are %s, a helpful AI assistant in a group chat. Be concise but informative.", appName)
	if moduleName != "" {
		msg += fmt.Sprintf("\nYou are currently responding to a message from the %s module.", moduleName)
	}
	if modelName != "" {
		msg += fmt.Sprintf("\nYou are running on the %s model.", modelName)
	}
	return msg
}
