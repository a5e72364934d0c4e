package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/petervdpas/relaychat/internal/chat"
)

const defaultRedisKey = "relaychat:messages"

// RedisHistory keeps messages in a sorted set scored by creation time, so
// several relays can share one history.
type RedisHistory struct {
	client *redis.Client
	key    string
	maxLen int64
}

func NewRedisHistory(ctx context.Context, redisURL, key string, maxLen int) (*RedisHistory, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if key == "" {
		key = defaultRedisKey
	}
	if maxLen <= 0 {
		maxLen = 500
	}
	return &RedisHistory{client: client, key: key, maxLen: int64(maxLen)}, nil
}

func (h *RedisHistory) Add(ctx context.Context, m chat.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	pipe := h.client.TxPipeline()
	pipe.ZAdd(ctx, h.key, redis.Z{
		Score:  float64(m.CreatedAt.UnixMilli()),
		Member: string(data),
	})
	// Keep only the newest maxLen entries.
	pipe.ZRemRangeByRank(ctx, h.key, 0, -h.maxLen-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (h *RedisHistory) Recent(ctx context.Context, limit int) ([]chat.Message, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	results, err := h.client.ZRevRange(ctx, h.key, 0, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]chat.Message, 0, len(results))
	for i := len(results) - 1; i >= 0; i-- {
		var m chat.Message
		if err := json.Unmarshal([]byte(results[i]), &m); err != nil {
			log.Warnf("skipping undecodable history entry: %v", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (h *RedisHistory) Close() error { return h.client.Close() }
