package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"bennet/pkg/logx"
	"bennet/pkg/metrics"
	"bennet/pkg/tokens"
)

// ErrStorageUnavailable indicates the underlying storage could not be
// reached or a write failed. Callers may choose to proceed with a
// degraded context.
var ErrStorageUnavailable = errors.New("storage unavailable")

// appendRetries bounds how often a serialization failure is retried before
// surfacing as ErrStorageUnavailable.
const appendRetries = 3

// Store provides durable, ordered storage of messages grouped into
// conversations. Appends for one chat are serialized through a per-chat
// lock; appends for distinct chats and all reads proceed concurrently.
type Store struct {
	db        *sql.DB
	logger    *logx.Logger
	estimator tokens.Estimator
	recorder  metrics.Recorder
	sessionID string

	// A conversation idle longer than this is considered closed.
	// Zero disables rollover.
	idleTimeout time.Duration

	mu        sync.Mutex
	chatLocks map[string]*sync.Mutex
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithRecorder sets the metrics recorder. Default is a no-op.
func WithRecorder(r metrics.Recorder) StoreOption {
	return func(s *Store) {
		s.recorder = r
	}
}

// WithIdleTimeout sets the conversation rollover timeout.
func WithIdleTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		s.idleTimeout = d
	}
}

// NewStore creates a message store over an initialized database handle.
func NewStore(db *sql.DB, estimator tokens.Estimator, opts ...StoreOption) *Store {
	s := &Store{
		db:        db,
		logger:    logx.NewLogger("persistence"),
		estimator: estimator,
		recorder:  metrics.NopRecorder{},
		sessionID: uuid.New().String(),
		chatLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger.Debug("Message store ready (session: %s)", s.sessionID)
	return s
}

// SessionID returns the id attached to this store instance for log correlation.
func (s *Store) SessionID() string {
	return s.sessionID
}

// chatLock returns the mutex serializing writes for one chat, creating it on
// first use. Locks are never removed; the registry stays small in practice.
func (s *Store) chatLock(chatID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.chatLocks[chatID]
	if !ok {
		lock = &sync.Mutex{}
		s.chatLocks[chatID] = lock
	}
	return lock
}

// Append resolves or creates the open conversation for the chat, inserts a
// message with an eagerly computed token count, and bumps the conversation's
// last-activity time, all in one transaction. Busy-storage failures are
// retried a bounded number of times before surfacing as ErrStorageUnavailable.
func (s *Store) Append(ctx context.Context, chatID string, role tokens.Role, content, model string, metadata map[string]any) (*Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid message role %q", role)
	}

	// A caller-supplied unencodable metadata value is a usage error, not a
	// storage failure; reject it before touching the database.
	metaJSON, err := encodeMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata for chat %s: %w", chatID, err)
	}

	lock := s.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	var msg *Message
	err = s.retryBusy(ctx, chatID, func() error {
		var opErr error
		msg, opErr = s.appendOnce(ctx, chatID, role, content, model, metadata, metaJSON)
		return opErr
	})

	if err != nil {
		err = fmt.Errorf("append message for chat %s: %w: %w", chatID, ErrStorageUnavailable, err)
		s.recorder.ObserveAppend(string(role), err)
		return nil, err
	}

	s.recorder.ObserveAppend(string(role), nil)
	s.logger.Debug("Added %s message %d to conversation %d (chat %s)", role, msg.ID, msg.ConversationID, chatID)
	return msg, nil
}

// retryBusy runs op up to appendRetries times, backing off between attempts
// on transient contention. The final failure returns without a warning or a
// backoff delay.
func (s *Store) retryBusy(ctx context.Context, chatID string, op func() error) error {
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil || !isBusy(err) || ctx.Err() != nil || attempt == appendRetries {
			return err
		}
		s.logger.Warn("Append for chat %s hit busy storage (attempt %d/%d)", chatID, attempt, appendRetries)
		time.Sleep(time.Duration(attempt) * 10 * time.Millisecond)
	}
}

func (s *Store) appendOnce(ctx context.Context, chatID string, role tokens.Role, content, model string, metadata map[string]any, metaJSON sql.NullString) (*Message, error) {
	now := time.Now().UTC()

	// Count tokens before opening the transaction; estimation never fails
	// but may be slow on large content.
	count := s.estimator.Estimate(role, content, model)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	convID, err := s.resolveConversation(ctx, tx, chatID, now)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, chat_id, role, content, token_count, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, convID, chatID, string(role), content, count, now, metaJSON)
	if err != nil {
		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET last_message_time = ? WHERE id = ?
	`, now, convID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	tokenCount := count
	return &Message{
		ID:             id,
		ConversationID: convID,
		ChatID:         chatID,
		Role:           role,
		Content:        content,
		TokenCount:     &tokenCount,
		Timestamp:      now,
		Metadata:       metadata,
	}, nil
}

// resolveConversation returns the open conversation for the chat, creating a
// new one when none exists or the latest one is past the idle timeout.
func (s *Store) resolveConversation(ctx context.Context, tx *sql.Tx, chatID string, now time.Time) (int64, error) {
	var id int64
	var last time.Time
	err := tx.QueryRowContext(ctx, `
		SELECT id, last_message_time FROM conversations
		WHERE chat_id = ?
		ORDER BY last_message_time DESC, id DESC
		LIMIT 1
	`, chatID).Scan(&id, &last)

	switch {
	case err == nil:
		if s.idleTimeout == 0 || now.Sub(last) <= s.idleTimeout {
			return id, nil
		}
		s.logger.Debug("Conversation %d for chat %s idle past %v, starting a new one", id, chatID, s.idleTimeout)
	case !errors.Is(err, sql.ErrNoRows):
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (chat_id, start_time, last_message_time)
		VALUES (?, ?, ?)
	`, chatID, now, now)
	if err != nil {
		return 0, err
	}

	convID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	s.logger.Debug("Started conversation %d for chat %s", convID, chatID)
	return convID, nil
}

// ReadRange returns up to maxCount most recent messages for the chat in
// chronological order, optionally excluding system-role messages.
func (s *Store) ReadRange(ctx context.Context, chatID string, maxCount int, includeSystem bool) ([]Message, error) {
	msgs, err := s.readRange(ctx, chatID, maxCount, includeSystem)
	if err != nil {
		err = fmt.Errorf("read history for chat %s: %w: %w", chatID, ErrStorageUnavailable, err)
	}
	s.recorder.ObserveRead(err)
	return msgs, err
}

func (s *Store) readRange(ctx context.Context, chatID string, maxCount int, includeSystem bool) ([]Message, error) {
	if maxCount <= 0 {
		return nil, nil
	}

	query := `
		SELECT id, conversation_id, role, content, token_count, timestamp, metadata
		FROM messages
		WHERE chat_id = ?
	`
	if !includeSystem {
		query += " AND role != 'system'"
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"

	rows, err := s.db.QueryContext(ctx, query, chatID, maxCount)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var msg Message
		var role string
		var tokenCount sql.NullInt64
		var metaJSON sql.NullString

		if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &tokenCount, &msg.Timestamp, &metaJSON); err != nil {
			return nil, err
		}

		msg.ChatID = chatID
		msg.Role = tokens.Role(role)
		if tokenCount.Valid {
			count := int(tokenCount.Int64)
			msg.TokenCount = &count
		}
		msg.Metadata, err = decodeMetadata(metaJSON)
		if err != nil {
			return nil, err
		}

		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Rows arrive most-recent-first; flip to chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	return msgs, nil
}

// CacheTokenCount persists a computed token count onto a stored message.
// Counts are written once and never recomputed; messages are immutable.
func (s *Store) CacheTokenCount(ctx context.Context, messageID int64, count int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET token_count = ? WHERE id = ? AND token_count IS NULL
	`, count, messageID)
	if err != nil {
		return fmt.Errorf("cache token count for message %d: %w: %w", messageID, ErrStorageUnavailable, err)
	}
	return nil
}

// Clear deletes all messages and conversations for the chat. Clearing a chat
// with no history succeeds silently.
func (s *Store) Clear(ctx context.Context, chatID string) error {
	lock := s.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	err := s.clearOnce(ctx, chatID)
	if err != nil {
		err = fmt.Errorf("clear history for chat %s: %w: %w", chatID, ErrStorageUnavailable, err)
	}
	s.recorder.ObserveClear(err)
	return err
}

func (s *Store) clearOnce(ctx context.Context, chatID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE chat_id = ?", chatID)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE chat_id = ?", chatID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if deleted, err := res.RowsAffected(); err == nil && deleted > 0 {
		s.logger.Info("Cleared %d messages for chat %s", deleted, chatID)
	}
	return nil
}

// Stats returns message, conversation, and token totals for the chat.
func (s *Store) Stats(ctx context.Context, chatID string) (*ChatStats, error) {
	stats := &ChatStats{ChatID: chatID}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(token_count), 0) FROM messages WHERE chat_id = ?
	`, chatID).Scan(&stats.Messages, &stats.TotalTokens)
	if err != nil {
		return nil, fmt.Errorf("stats for chat %s: %w: %w", chatID, ErrStorageUnavailable, err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conversations WHERE chat_id = ?
	`, chatID).Scan(&stats.Conversations)
	if err != nil {
		return nil, fmt.Errorf("stats for chat %s: %w: %w", chatID, ErrStorageUnavailable, err)
	}

	return stats, nil
}

// isBusy reports whether an error is a transient SQLite contention failure
// worth retrying.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}
