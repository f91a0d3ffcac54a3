package redis

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return Wrap(rdb, ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})), mr
}

func TestLocker_AcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t)
	locker := NewLocker(client, "")

	lock, err := locker.Acquire(ctx, "query:1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "lock:query:1", lock.Key())

	_, err = locker.Acquire(ctx, "query:1", time.Minute)
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	holder, err := locker.Holder(ctx, "query:1")
	require.NoError(t, err)
	assert.Equal(t, lock.Signature(), holder)
	assert.Equal(t, time.Minute, mr.TTL("lock:query:1"))

	require.NoError(t, lock.Release(ctx))
	holder, err = locker.Holder(ctx, "query:1")
	require.NoError(t, err)
	assert.Empty(t, holder)
}

func TestLocker_ReleaseOnlyByOwner(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t)
	locker := NewLocker(client, "")

	stale, err := locker.Acquire(ctx, "report:1", time.Second)
	require.NoError(t, err)

	// the TTL lapses and a newer attempt takes the key
	mr.FastForward(2 * time.Second)
	current, err := locker.Acquire(ctx, "report:1", time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, stale.Release(ctx), ErrLockNotHeld)
	assert.ErrorIs(t, stale.Extend(ctx, time.Hour), ErrLockNotHeld)

	holder, err := locker.Holder(ctx, "report:1")
	require.NoError(t, err)
	assert.Equal(t, current.Signature(), holder)

	require.NoError(t, current.Extend(ctx, time.Hour))
	assert.Equal(t, time.Hour, mr.TTL("lock:report:1"))
	require.NoError(t, current.Release(ctx))
	assert.ErrorIs(t, current.Release(ctx), ErrLockNotHeld)
}

func TestLocker_DefaultTTL(t *testing.T) {
	client, mr := newTestClient(t)
	_, err := NewLocker(client, "").Acquire(context.Background(), "k", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultLockTTL, mr.TTL("lock:k"))
}

func TestMarkers(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)
	markers := NewMarkers(client, "fern:tasks:revoked")

	require.NoError(t, markers.Add(ctx, "a", "b"))
	ok, err := markers.Contains(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, markers.Remove(ctx, "a"))
	members, err := markers.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)
}

func TestStreams_PublishConsumeAck(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)
	streams := NewStreams(client)

	require.NoError(t, streams.CreateConsumerGroup(ctx, "fern:tasks", "workers"))
	require.NoError(t, streams.CreateConsumerGroup(ctx, "fern:tasks", "workers"))

	task := &TaskMessage{Kind: "query", EntityID: "q1", Version: 3}
	_, err := streams.Publish(ctx, "fern:tasks", task)
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)

	messages, err := streams.Consume(ctx, "fern:tasks", "workers", "c1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.NoError(t, messages[0].Err)
	assert.Equal(t, task.ID, messages[0].Task.ID)
	assert.Equal(t, 3, messages[0].Task.Version)

	pending, err := streams.Pending(ctx, "fern:tasks", "workers", 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.NoError(t, streams.Ack(ctx, "fern:tasks", "workers", messages[0].ID))
	pending, err = streams.Pending(ctx, "fern:tasks", "workers", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDeadLetterQueue(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)
	dlq := NewDeadLetterQueue(client, "", ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))

	_, err := dlq.Add(ctx, &DLQEntry{Kind: "report", EntityID: "r1", Reason: DLQReasonMaxRetries})
	require.NoError(t, err)

	entries, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, DLQReasonMaxRetries, entries[0].Reason)

	n, err := dlq.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
