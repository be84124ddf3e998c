package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"bennet/pkg/tokens"
)

// Conversation groups the ordered messages of one chat session.
type Conversation struct {
	StartTime       time.Time      `json:"start_time"`
	LastMessageTime time.Time      `json:"last_message_time"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ChatID          string         `json:"chat_id"`
	ID              int64          `json:"id"`
}

// Message is a single conversation turn. Messages are immutable after
// creation; only the cached token count may be filled in later.
//
//nolint:govet // struct alignment optimization not critical for this type
type Message struct {
	Timestamp      time.Time      `json:"timestamp"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	TokenCount     *int           `json:"token_count,omitempty"`
	ChatID         string         `json:"chat_id"`
	Content        string         `json:"content"`
	Role           tokens.Role    `json:"role"`
	ID             int64          `json:"id"`
	ConversationID int64          `json:"conversation_id"`
}

// ChatStats summarizes the stored history for one chat.
type ChatStats struct {
	ChatID        string `json:"chat_id"`
	Conversations int    `json:"conversations"`
	Messages      int    `json:"messages"`
	TotalTokens   int64  `json:"total_tokens"`
}

// encodeMetadata serializes a metadata map to its JSON column value.
// The map is stored opaquely and never interpreted.
func encodeMetadata(metadata map[string]any) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// decodeMetadata parses a metadata JSON column value.
func decodeMetadata(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(raw.String), &metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return metadata, nil
}
