package relay

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/relaychat/internal/chat"
)

func testMessage(i int) chat.Message {
	return chat.Message{
		ID:        fmt.Sprintf("m%02d", i),
		Origin:    "10.0.0.1",
		CreatedAt: time.Date(2024, 5, 1, 10, i, 0, 0, time.UTC),
		Text:      fmt.Sprintf("text %d", i),
	}
}

func historyBackends(t *testing.T) map[string]History {
	t.Helper()
	sq, err := OpenSQLiteHistory(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]History{
		"memory": NewMemoryHistory(3),
		"sqlite": sq,
		"redis":  newTestRedis(t, 3),
	}
}

func newTestRedis(t *testing.T, maxLen int) *RedisHistory {
	t.Helper()
	mr := miniredis.RunT(t)
	h, err := NewRedisHistory(context.Background(), "redis://"+mr.Addr(), "", maxLen)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHistoryRecent(t *testing.T) {
	ctx := context.Background()
	for name, h := range historyBackends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 1; i <= 3; i++ {
				require.NoError(t, h.Add(ctx, testMessage(i)))
			}

			got, err := h.Recent(ctx, 2)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "m02", got[0].ID)
			assert.Equal(t, "m03", got[1].ID)

			all, err := h.Recent(ctx, 0)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, testMessage(1), all[0])
		})
	}
}

func TestMemoryHistoryDropsOldest(t *testing.T) {
	ctx := context.Background()
	h := NewMemoryHistory(2)
	for i := 1; i <= 3; i++ {
		require.NoError(t, h.Add(ctx, testMessage(i)))
	}
	got, err := h.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m02", got[0].ID)
}

func TestSQLiteHistoryIgnoresDuplicateIDs(t *testing.T) {
	ctx := context.Background()
	h, err := OpenSQLiteHistory(filepath.Join(t.TempDir(), "h.db"))
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Add(ctx, testMessage(1)))
	require.NoError(t, h.Add(ctx, testMessage(1)))
	got, err := h.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestOpenHistoryUnknownBackend(t *testing.T) {
	_, err := OpenHistory(context.Background(), HistoryConfig{Backend: "cassandra"})
	require.Error(t, err)

	h, err := OpenHistory(context.Background(), HistoryConfig{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryHistory{}, h)
}

func TestRedisHistoryTrimsToNewest(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	h, err := NewRedisHistory(ctx, "redis://"+mr.Addr(), "room:test", 2)
	require.NoError(t, err)
	defer h.Close()

	// Added out of order; the score is the creation time.
	for _, i := range []int{3, 1, 4, 2} {
		require.NoError(t, h.Add(ctx, testMessage(i)))
	}

	members, err := mr.ZMembers("room:test")
	require.NoError(t, err)
	assert.Len(t, members, 2)

	got, err := h.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m03", got[0].ID)
	assert.Equal(t, "m04", got[1].ID)

	got, err = h.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m04", got[0].ID)
}

func TestRedisHistorySharedAcrossRelays(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	url := "redis://" + mr.Addr()

	a, err := OpenHistory(ctx, HistoryConfig{Backend: "redis", Capacity: 10, RedisURL: url})
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenHistory(ctx, HistoryConfig{Backend: "REDIS", Capacity: 10, RedisURL: url})
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Add(ctx, testMessage(1)))
	require.NoError(t, b.Add(ctx, testMessage(2)))

	got, err := a.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m01", got[0].ID)
	assert.Equal(t, "m02", got[1].ID)
	assert.True(t, mr.Exists(defaultRedisKey))
}

func TestRedisHistorySkipsUndecodableEntries(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	h, err := NewRedisHistory(ctx, "redis://"+mr.Addr(), "", 10)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Add(ctx, testMessage(1)))
	_, err = mr.ZAdd(defaultRedisKey, 1e15, "{not json")
	require.NoError(t, err)

	got, err := h.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m01", got[0].ID)
}

func TestRedisHistoryConnectErrors(t *testing.T) {
	ctx := context.Background()
	_, err := NewRedisHistory(ctx, "not a url", "", 10)
	require.Error(t, err)

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err = NewRedisHistory(ctx, "redis://"+addr, "", 10)
	assert.Error(t, err)
}
