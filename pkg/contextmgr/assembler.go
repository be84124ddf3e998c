package contextmgr

import (
	"context"
	"time"

	"bennet/pkg/logx"
	"bennet/pkg/metrics"
	"bennet/pkg/persistence"
	"bennet/pkg/tokens"
)

// HistorySource is the slice of the message store the assembler reads from.
// *persistence.Store satisfies it.
type HistorySource interface {
	ReadRange(ctx context.Context, chatID string, maxCount int, includeSystem bool) ([]persistence.Message, error)
	CacheTokenCount(ctx context.Context, messageID int64, count int) error
}

// Assembler builds token-bounded contexts from stored history.
type Assembler struct {
	history      HistorySource
	estimator    tokens.Estimator
	recorder     metrics.Recorder
	logger       *logx.Logger
	safetyMargin int
}

// AssemblerOption configures an Assembler.
type AssemblerOption func(*Assembler)

// WithRecorder sets the metrics recorder. Default is a no-op.
func WithRecorder(r metrics.Recorder) AssemblerOption {
	return func(a *Assembler) {
		a.recorder = r
	}
}

// NewAssembler creates a context assembler. safetyMargin is subtracted from
// every caller-supplied token budget before pruning.
func NewAssembler(history HistorySource, estimator tokens.Estimator, safetyMargin int, opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		history:      history,
		estimator:    estimator,
		recorder:     metrics.NopRecorder{},
		logger:       logx.NewLogger("contextmgr"),
		safetyMargin: safetyMargin,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble produces the ordered message sequence for the chat within
// maxTokens (less the safety margin), applying the pruning strategy.
// maxMessages caps the candidate pool before token pruning. A storage
// failure propagates; a budget too small for the system message degrades
// the context instead.
func (a *Assembler) Assemble(ctx context.Context, chatID, systemMessage, model string, maxTokens, maxMessages int, strategy Strategy) (*AssembledContext, error) {
	start := time.Now()

	result, pruned, err := a.assemble(ctx, chatID, systemMessage, model, maxTokens, maxMessages, strategy)

	degraded := result != nil && result.Degraded
	a.recorder.ObserveAssembly(string(strategy), pruned, degraded, err, time.Since(start))
	if err == nil {
		a.logger.Debug("Assembled context for chat %s: %d messages, %d tokens, %d pruned (strategy %s)",
			chatID, len(result.Messages), result.TokensUsed, pruned, strategy)
	}
	return result, err
}

func (a *Assembler) assemble(ctx context.Context, chatID, systemMessage, model string, maxTokens, maxMessages int, strategy Strategy) (*AssembledContext, int, error) {
	out := &AssembledContext{}

	effectiveBudget := maxTokens - a.safetyMargin
	if effectiveBudget <= 0 {
		if systemMessage != "" {
			out.Messages = []ChatMessage{{Role: tokens.RoleSystem, Content: systemMessage}}
			out.TokensUsed = a.estimator.Estimate(tokens.RoleSystem, systemMessage, model)
			out.Degraded = true
		}
		return out, 0, nil
	}

	// The supplied system message is reserved unconditionally; it is never
	// pruned under either strategy. When it alone exceeds the budget the
	// context degrades and the system message is dropped whole.
	systemTokens := 0
	reserveSystem := systemMessage != ""
	if reserveSystem {
		systemTokens = a.estimator.Estimate(tokens.RoleSystem, systemMessage, model)
		if systemTokens > effectiveBudget {
			a.logger.Warn("System message (%d tokens) exceeds effective budget %d for chat %s, degrading context",
				systemTokens, effectiveBudget, chatID)
			out.Degraded = true
			reserveSystem = false
			systemTokens = 0
		}
	}

	// Persisted system-role messages only participate under system-first;
	// the supplied system message supersedes them otherwise.
	includeSystemHistory := strategy == StrategySystemFirst
	candidates, err := a.history.ReadRange(ctx, chatID, maxMessages, includeSystemHistory)
	if err != nil {
		return nil, 0, err
	}

	costs := a.messageCosts(ctx, candidates, model)

	included := make([]bool, len(candidates))
	running := systemTokens

	// Walk newest to oldest; the first message that would overflow the
	// budget, and everything older, is excluded.
	walk := func(systemPass bool) {
		for i := len(candidates) - 1; i >= 0; i-- {
			if (candidates[i].Role == tokens.RoleSystem) != systemPass {
				continue
			}
			if running+costs[i] > effectiveBudget {
				break
			}
			included[i] = true
			running += costs[i]
		}
	}

	if strategy == StrategySystemFirst {
		// System-role history gets budget priority ahead of strict
		// recency; among system messages the more recent wins.
		walk(true)
	}
	walk(false)

	if reserveSystem {
		out.Messages = append(out.Messages, ChatMessage{Role: tokens.RoleSystem, Content: systemMessage})
	}
	prunedCount := 0
	for i := range candidates {
		if !included[i] {
			prunedCount++
			continue
		}
		out.Messages = append(out.Messages, ChatMessage{Role: candidates[i].Role, Content: candidates[i].Content})
	}
	out.TokensUsed = running

	return out, prunedCount, nil
}

// messageCosts returns the token cost of each candidate, preferring the
// cached count and writing freshly computed counts back to the store.
func (a *Assembler) messageCosts(ctx context.Context, candidates []persistence.Message, model string) []int {
	costs := make([]int, len(candidates))
	for i := range candidates {
		if candidates[i].TokenCount != nil {
			costs[i] = *candidates[i].TokenCount
			continue
		}
		costs[i] = a.estimator.Estimate(candidates[i].Role, candidates[i].Content, model)
		if err := a.history.CacheTokenCount(ctx, candidates[i].ID, costs[i]); err != nil {
			a.logger.Warn("Failed to cache token count for message %d: %v", candidates[i].ID, err)
		}
	}
	return costs
}
