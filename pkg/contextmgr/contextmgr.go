// Package contextmgr assembles token-bounded conversation contexts from
// stored chat history and exposes the conversation context manager façade.
package contextmgr

import (
	"fmt"

	"bennet/pkg/config"
	"bennet/pkg/tokens"
)

// Strategy selects the pruning policy applied when history exceeds the
// token budget.
type Strategy string

const (
	// StrategyOldestFirst cuts the oldest messages first: the tail of
	// history nearest the budget boundary is dropped, never the middle.
	StrategyOldestFirst Strategy = config.PruneOldestFirst

	// StrategySystemFirst additionally retains persisted system-role
	// messages ahead of strict recency order.
	StrategySystemFirst Strategy = config.PruneSystemFirst
)

// ParseStrategy converts a config string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyOldestFirst, StrategySystemFirst:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown prune strategy %q", s)
}

// ChatMessage is one (role, content) pair of an assembled context.
type ChatMessage struct {
	Role    tokens.Role `json:"role"`
	Content string      `json:"content"`
}

// AssembledContext is the ordered message sequence ready to submit to a
// model: chronologically ascending, beginning with at most one system
// message, within the caller's token budget.
type AssembledContext struct {
	Messages []ChatMessage `json:"messages"`

	// TokensUsed is the estimated token total of all included messages.
	TokensUsed int `json:"tokens_used"`

	// Degraded reports that the system message alone did not fit the
	// effective budget and was dropped. Not a failure; the caller may
	// proceed with the best-effort context.
	Degraded bool `json:"degraded"`
}
