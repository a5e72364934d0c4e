package relay

import (
	"context"
	"fmt"
	"strings"

	"github.com/petervdpas/relaychat/internal/chat"
	"github.com/petervdpas/relaychat/internal/util"
)

// History persists relayed messages for join snapshots.
type History interface {
	Add(ctx context.Context, m chat.Message) error
	// Recent returns up to limit messages, oldest first.
	Recent(ctx context.Context, limit int) ([]chat.Message, error)
	Close() error
}

// HistoryConfig selects and configures a backend.
type HistoryConfig struct {
	Backend  string // memory, sqlite, redis
	Capacity int    // memory backend size and redis trim length
	DBPath   string
	RedisURL string
	RedisKey string
}

// OpenHistory opens the backend named by cfg.Backend.
func OpenHistory(ctx context.Context, cfg HistoryConfig) (History, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return NewMemoryHistory(cfg.Capacity), nil
	case "sqlite":
		return OpenSQLiteHistory(cfg.DBPath)
	case "redis":
		return NewRedisHistory(ctx, cfg.RedisURL, cfg.RedisKey, cfg.Capacity)
	}
	return nil, fmt.Errorf("unknown history backend %q", cfg.Backend)
}

// MemoryHistory keeps the most recent messages in a ring buffer.
type MemoryHistory struct {
	buf *util.RingBuffer[chat.Message]
}

func NewMemoryHistory(capacity int) *MemoryHistory {
	if capacity <= 0 {
		capacity = 500
	}
	return &MemoryHistory{buf: util.NewRingBuffer[chat.Message](capacity)}
}

func (h *MemoryHistory) Add(_ context.Context, m chat.Message) error {
	h.buf.Push(m)
	return nil
}

func (h *MemoryHistory) Recent(_ context.Context, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	return h.buf.Last(limit), nil
}

func (h *MemoryHistory) Close() error { return nil }
