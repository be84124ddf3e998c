// Package config provides configuration loading, defaults, and validation
// for the conversation context manager.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30m" decode directly.
type Duration time.Duration

// UnmarshalYAML decodes either a duration string ("90s", "30m") or a bare
// integer interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var seconds int64
	if err := value.Decode(&seconds); err != nil {
		return fmt.Errorf("invalid duration value %q", value.Value)
	}
	*d = Duration(time.Duration(seconds) * time.Second)
	return nil
}

// AsDuration returns the wrapped time.Duration.
func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}

// Prune strategy constants.
const (
	PruneOldestFirst = "oldest_first"
	PruneSystemFirst = "system_first"
)

// Config is the root configuration document.
type Config struct {
	App         AppCfg                  `yaml:"app"`
	ChatHistory ChatHistoryCfg          `yaml:"chat_history"`
	Modules     map[string]ModuleConfig `yaml:"modules"`
}

// AppCfg holds application identity settings.
type AppCfg struct {
	Name string `yaml:"name"`
}

// ChatHistoryCfg holds every knob of the history store and context assembly.
type ChatHistoryCfg struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`

	MaxHistoryLength  int    `yaml:"max_history_length"`
	MaxTokenLimit     int    `yaml:"max_token_limit"`
	TokenSafetyMargin int    `yaml:"token_safety_margin"`
	PruneStrategy     string `yaml:"prune_strategy"`

	// Per-role fixed token overhead representing protocol framing.
	SystemMessageTokenBase    int `yaml:"system_message_token_base"`
	UserMessageTokenBase      int `yaml:"user_message_token_base"`
	AssistantMessageTokenBase int `yaml:"assistant_message_token_base"`

	// Character ratio for the heuristic estimator fallback.
	TokensPerCharacter float64 `yaml:"tokens_per_character"`

	// Default system message prepended to assembled contexts.
	SystemMessage string `yaml:"system_message"`

	// A conversation idle longer than this is considered closed and the
	// next append opens a new one. Zero disables rollover.
	ConversationIdleTimeout Duration `yaml:"conversation_idle_timeout"`
}

// ModuleConfig holds per-module overrides passed through from the module system.
type ModuleConfig struct {
	SystemMessage string `yaml:"system_message"`
}

// DefaultConfig returns a config populated with the stock defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppCfg{
			Name: "Bennet",
		},
		ChatHistory: ChatHistoryCfg{
			Enabled:                   true,
			DBPath:                    "data/chat_history.db",
			MaxHistoryLength:          10,
			MaxTokenLimit:             8000,
			TokenSafetyMargin:         200,
			PruneStrategy:             PruneOldestFirst,
			SystemMessageTokenBase:    50,
			UserMessageTokenBase:      20,
			AssistantMessageTokenBase: 20,
			TokensPerCharacter:        0.25,
			ConversationIdleTimeout:   0,
		},
	}
}

// Validate checks the configuration for values that would break the store
// or the assembler, returning an actionable error for the first problem found.
func (c *Config) Validate() error {
	ch := &c.ChatHistory

	if ch.Enabled && ch.DBPath == "" {
		return fmt.Errorf("chat_history.db_path is required when chat_history.enabled is true")
	}

	switch ch.PruneStrategy {
	case PruneOldestFirst, PruneSystemFirst:
	default:
		return fmt.Errorf("chat_history.prune_strategy must be %q or %q, got %q",
			PruneOldestFirst, PruneSystemFirst, ch.PruneStrategy)
	}

	if ch.MaxHistoryLength <= 0 {
		return fmt.Errorf("chat_history.max_history_length must be positive, got %d", ch.MaxHistoryLength)
	}
	if ch.MaxTokenLimit <= 0 {
		return fmt.Errorf("chat_history.max_token_limit must be positive, got %d", ch.MaxTokenLimit)
	}
	if ch.TokenSafetyMargin < 0 {
		return fmt.Errorf("chat_history.token_safety_margin must not be negative, got %d", ch.TokenSafetyMargin)
	}
	if ch.SystemMessageTokenBase < 0 || ch.UserMessageTokenBase < 0 || ch.AssistantMessageTokenBase < 0 {
		return fmt.Errorf("per-role token base constants must not be negative")
	}
	if ch.TokensPerCharacter <= 0 {
		return fmt.Errorf("chat_history.tokens_per_character must be positive, got %v", ch.TokensPerCharacter)
	}
	if ch.ConversationIdleTimeout < 0 {
		return fmt.Errorf("chat_history.conversation_idle_timeout must not be negative, got %v",
			ch.ConversationIdleTimeout.AsDuration())
	}

	return nil
}

// ModuleSystemMessage returns the system message override for a module,
// or "" when the module has none configured.
func (c *Config) ModuleSystemMessage(moduleName string) string {
	if moduleName == "" {
		return ""
	}
	if mod, ok := c.Modules[moduleName]; ok {
		return mod.SystemMessage
	}
	return ""
}
