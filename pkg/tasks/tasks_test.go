package tasks_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/repositories/memory"
	"github.com/Ramsey-B/fern/pkg/tasks"
)

type fixture struct {
	mr      *miniredis.Miniredis
	client  *redis.Client
	broker  *tasks.Broker
	markers *redis.Markers
	locker  *redis.Locker
	dlq     *redis.DeadLetterQueue
	repos   *repositories.Repositories
	manager *tasks.Manager
	events  *kafka.Recorder
	logger  ectologger.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	client := redis.Wrap(rdb, logger)
	f := &fixture{
		mr:      mr,
		client:  client,
		broker:  tasks.NewBroker(client, tasks.BrokerConfig{}, logger),
		markers: redis.NewMarkers(client, tasks.DefaultRevokedKey),
		locker:  redis.NewLocker(client, ""),
		dlq:     redis.NewDeadLetterQueue(client, "", logger),
		repos:   memory.New(),
		events:  &kafka.Recorder{},
		logger:  logger,
	}
	f.manager = tasks.NewManager(tasks.KindQuery, f.broker, f.markers, f.locker, f.repos.Queries, nil, logger)
	return f
}

func (f *fixture) worker(handler tasks.HandlerFunc) *tasks.Worker {
	cfg := tasks.DefaultWorkerConfig()
	cfg.ConsumerName = "test"
	cfg.TrapSignals = false
	return tasks.NewWorker(f.broker, f.markers, f.locker, f.dlq,
		map[string]tasks.Handler{tasks.KindQuery: handler}, f.events, cfg, f.logger)
}

func (f *fixture) query(t *testing.T) *models.Query {
	t.Helper()
	q := &models.Query{Name: "q", Target: "sales", Code: "static.values"}
	require.NoError(t, f.repos.Queries.Create(context.Background(), q))
	return q
}

func (f *fixture) reload(t *testing.T, q *models.Query) *models.Query {
	t.Helper()
	got, err := f.repos.Queries.GetByID(context.Background(), q.ID)
	require.NoError(t, err)
	return got
}

func (f *fixture) pendingAcks(t *testing.T) int64 {
	t.Helper()
	res, err := f.client.Redis().XPending(context.Background(), tasks.DefaultStream, tasks.DefaultConsumerGroup).Result()
	require.NoError(t, err)
	return res.Count
}

func TestManager_QueueIsNoOpWhenScheduled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q := f.query(t)

	state, err := f.manager.Status(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateNotScheduled, state)

	first, err := f.manager.Queue(ctx, q, nil)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	q = f.reload(t, q)
	assert.Equal(t, first, q.CurrentTaskID())
	state, err = f.manager.Status(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateQueued, state)

	second, err := f.manager.Queue(ctx, q, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	n, err := redis.NewStreams(f.client).Len(ctx, tasks.DefaultStream)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestManager_QueueIgnoresConcurrentEdit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q := f.query(t)

	stale := *q
	q.Description = "edited"
	require.NoError(t, f.repos.Queries.Update(ctx, q))

	taskID, err := f.manager.Queue(ctx, &stale, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, taskID)
	assert.Empty(t, f.reload(t, q).CurrentTaskID())
}

func TestManager_TerminateQueuedTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q := f.query(t)

	taskID, err := f.manager.Queue(ctx, q, nil)
	require.NoError(t, err)
	q = f.reload(t, q)

	state, err := f.manager.Terminate(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateCanceled, state)

	state, err = f.manager.Status(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateCanceled, state)

	var calls atomic.Int32
	w := f.worker(func(context.Context, *tasks.Task) error {
		calls.Add(1)
		return nil
	})
	n, err := w.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(0), calls.Load())

	member, err := f.markers.Contains(ctx, taskID)
	require.NoError(t, err)
	assert.False(t, member)
	state, err = f.manager.Status(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateCanceled, state)
	assert.Equal(t, int64(0), f.pendingAcks(t))
}

func TestWorker_RunsUnderEntityLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q := f.query(t)

	_, err := f.manager.Queue(ctx, q, map[string]any{"use_existing": true})
	require.NoError(t, err)
	q = f.reload(t, q)

	var holder string
	var useExisting bool
	w := f.worker(func(ctx context.Context, task *tasks.Task) error {
		holder, _ = f.locker.Holder(ctx, "query:"+q.ID.String())
		useExisting = task.Option("use_existing")
		assert.Equal(t, q.Version, task.Message.Version)
		return nil
	})
	_, err = w.Poll(ctx)
	require.NoError(t, err)

	assert.NotEmpty(t, holder)
	assert.True(t, useExisting)
	after, err := f.locker.Holder(ctx, "query:"+q.ID.String())
	require.NoError(t, err)
	assert.Empty(t, after)

	state, err := f.manager.Status(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateSuccess, state)

	pending, err := f.broker.PendingIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Contains(t, f.events.Types(), kafka.EventTaskState)
}

func TestWorker_LockedEntityIsLeftForRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q := f.query(t)

	first, err := f.manager.Queue(ctx, q, nil)
	require.NoError(t, err)
	q = f.reload(t, q)
	_, err = f.locker.Acquire(ctx, "query:"+q.ID.String(), time.Minute)
	require.NoError(t, err)

	var calls atomic.Int32
	w := f.worker(func(context.Context, *tasks.Task) error {
		calls.Add(1)
		return nil
	})
	_, err = w.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, int64(1), f.pendingAcks(t))

	state, err := f.manager.Status(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateQueued, state)

	second, err := f.manager.Queue(ctx, q, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	n, err := redis.NewStreams(f.client).Len(ctx, tasks.DefaultStream)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	state, err = f.manager.Terminate(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateCanceled, state)
}

func TestWorker_FailureAcknowledgement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	retryable := f.query(t)
	_, err := f.manager.Queue(ctx, retryable, nil)
	require.NoError(t, err)
	w := f.worker(func(context.Context, *tasks.Task) error { return errors.New("warehouse unavailable") })
	_, err = w.Poll(ctx)
	require.NoError(t, err)

	retryable = f.reload(t, retryable)
	state, err := f.manager.Status(ctx, retryable)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateQueued, state)
	assert.Equal(t, int64(1), f.pendingAcks(t))
	res, err := f.broker.Result(ctx, retryable.CurrentTaskID())
	require.NoError(t, err)
	assert.Equal(t, "warehouse unavailable", res.Error)

	rejected := f.query(t)
	_, err = f.manager.Queue(ctx, rejected, nil)
	require.NoError(t, err)
	w = f.worker(func(context.Context, *tasks.Task) error {
		return &ferrors.RecordModifiedError{Entity: "query", ID: rejected.ID, Expected: 1, Actual: 2}
	})
	_, err = w.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.pendingAcks(t))
}

func TestWorker_TerminateRunningTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q := f.query(t)

	taskID, err := f.manager.Queue(ctx, q, nil)
	require.NoError(t, err)

	running := make(chan struct{})
	var aborted atomic.Bool
	w := f.worker(func(ctx context.Context, task *tasks.Task) error {
		close(running)
		<-ctx.Done()
		aborted.Store(task.IsAborted())
		return ctx.Err()
	})

	done := make(chan error, 1)
	go func() {
		_, err := w.Poll(ctx)
		done <- err
	}()

	<-running
	assert.True(t, w.Terminate(ctx, taskID))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("task did not stop")
	}
	assert.True(t, aborted.Load())

	res, err := f.broker.Result(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateRevoked, res.State)
	assert.Contains(t, res.Error, ferrors.ErrQueryRunTerminated.Error())
	assert.Equal(t, int64(0), f.pendingAcks(t))

	holder, err := f.locker.Holder(ctx, "query:"+q.ID.String())
	require.NoError(t, err)
	assert.Empty(t, holder)
}

func TestWorker_TerminateAllReleasesLocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q := f.query(t)

	taskID, err := f.manager.Queue(ctx, q, nil)
	require.NoError(t, err)

	running := make(chan struct{})
	w := f.worker(func(ctx context.Context, task *tasks.Task) error {
		close(running)
		<-ctx.Done()
		return context.Cause(ctx)
	})

	done := make(chan error, 1)
	go func() {
		_, err := w.Poll(ctx)
		done <- err
	}()

	<-running
	holder, err := f.locker.Holder(ctx, "query:"+q.ID.String())
	require.NoError(t, err)
	assert.NotEmpty(t, holder)

	w.TerminateAll()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("task did not stop")
	}

	res, err := f.broker.Result(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateRevoked, res.State)
	assert.Equal(t, int64(0), f.pendingAcks(t))

	holder, err = f.locker.Holder(ctx, "query:"+q.ID.String())
	require.NoError(t, err)
	assert.Empty(t, holder)
}

func TestWorker_UnknownKindFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q := f.query(t)

	taskID, err := f.broker.Submit(ctx, "unknown", q.ID, q.Version, nil, nil)
	require.NoError(t, err)
	_, err = f.worker(func(context.Context, *tasks.Task) error { return nil }).Poll(ctx)
	require.NoError(t, err)

	state, err := f.broker.State(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateFailure, state)
	assert.Equal(t, int64(0), f.pendingAcks(t))
}

func TestReconcileRemovesStaleMarkers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q := f.query(t)

	live, err := f.broker.Submit(ctx, tasks.KindQuery, q.ID, q.Version, nil, nil)
	require.NoError(t, err)
	require.NoError(t, f.markers.Add(ctx, live, "gone"))

	removed, err := tasks.Reconcile(ctx, f.broker, f.markers, f.logger)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	members, err := f.markers.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{live}, members)
}

func TestBroker_PurgeAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q := f.query(t)

	for i := 0; i < 3; i++ {
		_, err := f.broker.Submit(ctx, tasks.KindQuery, q.ID, q.Version, nil, nil)
		require.NoError(t, err)
	}
	n, err := f.broker.PurgeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	pending, err := f.broker.PendingIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
