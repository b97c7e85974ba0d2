package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"document-intake/internal/config"
)

func newQueue(t *testing.T, visibility time.Duration) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, config.Config{QueueName: "intake", VisibilityTimeout: visibility})
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, time.Minute)

	require.NoError(t, q.Enqueue(ctx, "abc123"))
	require.NoError(t, q.Enqueue(ctx, "def456"))

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, depth)

	id, deliveries, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)
	assert.Equal(t, 1, deliveries)

	inflight, _ := q.InflightDepth(ctx)
	assert.EqualValues(t, 1, inflight)

	require.NoError(t, q.Ack(ctx, id))
	inflight, _ = q.InflightDepth(ctx)
	assert.Zero(t, inflight)
}

func TestDequeueEmpty(t *testing.T) {
	q := newQueue(t, time.Minute)
	id, deliveries, err := q.DequeueWithLease(context.Background())
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Zero(t, deliveries)
}

func TestExpiredLeaseIsRedelivered(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, time.Minute)
	require.NoError(t, q.Enqueue(ctx, "abc123"))

	id, _, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)

	none, err := q.RequeueExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, none, "lease still valid")

	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, reclaimed)

	again, deliveries, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, 2, deliveries)
}

func TestDLQPush(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, time.Minute)
	require.NoError(t, q.Enqueue(ctx, "abc123"))
	id, _, _ := q.DequeueWithLease(ctx)

	require.NoError(t, q.DLQPush(ctx, id))
	dead, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"abc123"}, dead)

	inflight, _ := q.InflightDepth(ctx)
	assert.Zero(t, inflight)
}

func TestExtendLeaseOnlyTouchesLeasedJobs(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, time.Second)
	require.NoError(t, q.ExtendLease(ctx, "ghost", time.Hour))
	inflight, _ := q.InflightDepth(ctx)
	assert.Zero(t, inflight)

	require.NoError(t, q.Enqueue(ctx, "abc123"))
	id, _, _ := q.DequeueWithLease(ctx)
	require.NoError(t, q.ExtendLease(ctx, id, time.Hour))

	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)
}
