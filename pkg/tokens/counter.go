// Package tokens provides token counting for conversation messages, using
// tiktoken when a codec is available for the model and a calibrated
// character heuristic otherwise.
package tokens

import (
	"math"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role is one of the three message kinds.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Estimator returns a non-negative token count for a message.
// Implementations must never fail; estimation always has a fallback path.
type Estimator interface {
	Estimate(role Role, content, model string) int
}

// CodecLookup resolves an exact tokenizer for a model name.
// Absence is expected and routes estimation to the heuristic path.
type CodecLookup func(model string) (tokenizer.Codec, bool)

// HeuristicParams are the configuration constants for the fallback estimator
// and the per-role framing overhead added on both paths.
type HeuristicParams struct {
	SystemBase    int
	UserBase      int
	AssistantBase int
	TokensPerChar float64
}

func (p HeuristicParams) base(role Role) int {
	switch role {
	case RoleSystem:
		return p.SystemBase
	case RoleAssistant:
		return p.AssistantBase
	default:
		return p.UserBase
	}
}

// Counter estimates token counts, caching one codec per model name.
type Counter struct {
	params HeuristicParams
	lookup CodecLookup

	mu     sync.Mutex
	codecs map[string]tokenizer.Codec
	misses map[string]bool
}

// Option configures a Counter.
type Option func(*Counter)

// WithCodecLookup overrides the tiktoken-backed codec resolution.
// Used to inject counting stubs in tests and alternate tokenizers from
// model clients.
func WithCodecLookup(lookup CodecLookup) Option {
	return func(c *Counter) {
		c.lookup = lookup
	}
}

// NewCounter creates a token counter with the given heuristic constants.
func NewCounter(params HeuristicParams, opts ...Option) *Counter {
	c := &Counter{
		params: params,
		codecs: make(map[string]tokenizer.Codec),
		misses: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.lookup == nil {
		c.lookup = c.tiktokenLookup
	}
	return c
}

// Estimate returns base(role) plus the token count of content, preferring the
// exact codec for the model and falling back to the character heuristic.
// It never fails: any codec error silently takes the heuristic path.
func (c *Counter) Estimate(role Role, content, model string) int {
	base := c.params.base(role)

	if codec, ok := c.lookup(model); ok {
		if ids, _, err := codec.Encode(content); err == nil {
			return base + len(ids)
		}
	}

	return base + c.estimateByChars(content)
}

// estimateByChars is the guaranteed-available estimation path.
func (c *Counter) estimateByChars(content string) int {
	if content == "" {
		return 0
	}
	estimated := int(math.Ceil(float64(len(content)) * c.params.TokensPerChar))
	if estimated < 1 {
		return 1
	}
	return estimated
}

// tiktokenLookup resolves and caches a tiktoken codec for the model.
// Models without a known mapping resolve to the GPT-4 encoding; an empty
// model name means no exact tokenizer was requested.
func (c *Counter) tiktokenLookup(model string) (tokenizer.Codec, bool) {
	if model == "" {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if codec, ok := c.codecs[model]; ok {
		return codec, true
	}
	if c.misses[model] {
		return nil, false
	}

	codec, err := tokenizer.ForModel(tikModelFor(model))
	if err != nil {
		// Remember the miss so the fallback stays cheap.
		c.misses[model] = true
		return nil, false
	}

	c.codecs[model] = codec
	return codec, true
}

// tikModelFor maps provider model names onto tiktoken models.
// Claude and unknown models approximate with the GPT-4 encoding.
func tikModelFor(model string) tokenizer.Model {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "gpt-3.5"):
		return tokenizer.GPT35Turbo
	default:
		return tokenizer.GPT4
	}
}
