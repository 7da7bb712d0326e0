// Package history implements the bounded recent-message cache backed by
// Redis. The cache is a read-optimized projection of the durable message
// log: it may lag or disappear at any time, and every operation degrades
// gracefully instead of failing the chat turn.
package history

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/eduvia/eduvia/internal/chat"
	"github.com/eduvia/eduvia/internal/log"
)

const (
	// MaxEntries is the per-session cap on cached messages.
	MaxEntries = 20
	// TTL is the idle expiry of a session's cache; it is refreshed on
	// every append.
	TTL = 72 * time.Hour

	keyPrefix = "chat:history:"
)

// Source supplies the most recent messages from durable storage for
// cache resynchronization.
type Source interface {
	RecentMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]*chat.Message, error)
}

// entry is the cached wire form of a message. The session id lives in
// the key, not the value.
type entry struct {
	ID        uuid.UUID `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Cache is a Redis-backed bounded history of recent chat messages,
// stored most-recent-first.
type Cache struct {
	rdb    redis.UniversalClient
	source Source
	logger log.Logger
}

// New creates a history cache. source may be nil, in which case Resync
// is a no-op beyond clearing the key.
func New(rdb redis.UniversalClient, source Source, logger log.Logger) *Cache {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Cache{rdb: rdb, source: source, logger: logger}
}

func key(sessionID uuid.UUID) string {
	return keyPrefix + sessionID.String()
}

// Append pushes a message onto the head of the session's cache, trims it
// to MaxEntries and refreshes the TTL. Cache failures are logged and
// swallowed: the durable log is the source of truth.
func (c *Cache) Append(ctx context.Context, sessionID uuid.UUID, msg *chat.Message) {
	payload, err := json.Marshal(entry{
		ID:        msg.ID,
		Role:      msg.Role,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	})
	if err != nil {
		c.logger.Error("failed to encode history entry", "session_id", sessionID, "error", err)
		return
	}

	k := key(sessionID)
	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, k, payload)
	pipe.LTrim(ctx, k, 0, MaxEntries-1)
	pipe.Expire(ctx, k, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error("failed to append history entry", "session_id", sessionID, "error", err)
	}
}

// Read returns the cached messages, most recent first. Any cache failure
// yields an empty slice so the caller falls back to durable storage.
func (c *Cache) Read(ctx context.Context, sessionID uuid.UUID) []*chat.Message {
	raw, err := c.rdb.LRange(ctx, key(sessionID), 0, -1).Result()
	if err != nil {
		c.logger.Error("failed to read history", "session_id", sessionID, "error", err)
		return nil
	}

	messages := make([]*chat.Message, 0, len(raw))
	for _, item := range raw {
		var e entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			c.logger.Warn("skipping corrupt history entry", "session_id", sessionID, "error", err)
			continue
		}
		messages = append(messages, &chat.Message{
			ID:        e.ID,
			SessionID: sessionID,
			Role:      e.Role,
			Content:   e.Content,
			CreatedAt: e.CreatedAt,
		})
	}
	return messages
}

// Clear removes the session's cache entirely.
func (c *Cache) Clear(ctx context.Context, sessionID uuid.UUID) {
	if err := c.rdb.Del(ctx, key(sessionID)).Err(); err != nil {
		c.logger.Error("failed to clear history", "session_id", sessionID, "error", err)
	}
}

// Resync rebuilds the cache from the durable log's most recent
// MaxEntries messages. Failures leave the cache empty, which is safe:
// the next read falls through to durable storage again.
func (c *Cache) Resync(ctx context.Context, sessionID uuid.UUID) {
	c.Clear(ctx, sessionID)
	if c.source == nil {
		return
	}

	recent, err := c.source.RecentMessages(ctx, sessionID, MaxEntries)
	if err != nil {
		c.logger.Error("failed to load messages for resync", "session_id", sessionID, "error", err)
		return
	}

	// RecentMessages returns chronological order; appending oldest first
	// leaves the newest message at the head.
	for _, msg := range recent {
		c.Append(ctx, sessionID, msg)
	}
}
