package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/weibo-harvester/internal/entity"
	"github.com/user/weibo-harvester/internal/repository"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewClient(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestLeaseRepo(t *testing.T) {
	mr, client := setupRedis(t)
	lease := NewLeaseRepo(client)
	ctx := context.Background()

	holder, err := lease.Holder(ctx)
	require.NoError(t, err)
	assert.Empty(t, holder)

	require.NoError(t, lease.Acquire(ctx, "a", time.Minute))
	require.NoError(t, lease.Acquire(ctx, "a", time.Minute), "owner may re-acquire")
	assert.ErrorIs(t, lease.Acquire(ctx, "b", time.Minute), repository.ErrLeaseHeld)
	assert.ErrorIs(t, lease.Refresh(ctx, "b", time.Minute), repository.ErrLeaseHeld)

	holder, err = lease.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", holder)

	require.NoError(t, lease.Release(ctx, "b"), "releasing a foreign lease is a no-op")
	holder, _ = lease.Holder(ctx)
	assert.Equal(t, "a", holder)

	require.NoError(t, lease.Refresh(ctx, "a", 2*time.Minute))
	assert.Equal(t, 2*time.Minute, mr.TTL(crawlLeaseKey))

	require.NoError(t, lease.Release(ctx, "a"))
	require.NoError(t, lease.Acquire(ctx, "b", time.Minute))
}

func TestLeaseRepo_Expiry(t *testing.T) {
	mr, client := setupRedis(t)
	lease := NewLeaseRepo(client)
	ctx := context.Background()

	require.NoError(t, lease.Acquire(ctx, "a", time.Minute))
	mr.FastForward(2 * time.Minute)

	holder, err := lease.Holder(ctx)
	require.NoError(t, err)
	assert.Empty(t, holder, "expired lease is free")

	require.NoError(t, lease.Refresh(ctx, "a", time.Minute), "expired lease nobody took is re-taken")
	assert.ErrorIs(t, lease.Acquire(ctx, "b", time.Minute), repository.ErrLeaseHeld)

	mr.FastForward(2 * time.Minute)
	require.NoError(t, lease.Acquire(ctx, "b", time.Minute))
	assert.ErrorIs(t, lease.Refresh(ctx, "a", time.Minute), repository.ErrLeaseHeld)
}

func TestStreamSink(t *testing.T) {
	_, client := setupRedis(t)
	sink := NewStreamSink(client, "test:progress", 100)
	ctx := context.Background()

	ev := entity.ProgressEvent{
		TaskID:          "task-1",
		Kind:            entity.EventProgress,
		Phase:           entity.PhaseHistory,
		Page:            3,
		Inserted:        20,
		CumulativeCount: 60,
		At:              time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, sink.Publish(ctx, ev))
	require.NoError(t, sink.Publish(ctx, entity.ProgressEvent{TaskID: "task-1", Kind: entity.EventCompleted}))

	msgs, err := client.XRange(ctx, "test:progress", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "task-1", msgs[0].Values["task_id"])
	assert.Equal(t, "progress", msgs[0].Values["kind"])
	assert.Equal(t, "completed", msgs[1].Values["kind"])

	var got entity.ProgressEvent
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["payload"].(string)), &got))
	assert.Equal(t, ev.Page, got.Page)
	assert.Equal(t, ev.CumulativeCount, got.CumulativeCount)
	assert.True(t, got.At.Equal(ev.At))
}
