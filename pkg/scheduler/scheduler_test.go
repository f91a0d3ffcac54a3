package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/permissions"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/repositories/memory"
	"github.com/Ramsey-B/fern/pkg/scheduler"
	"github.com/Ramsey-B/fern/pkg/tasks"
)

func ptr[T any](v T) *T { return &v }

type fixture struct {
	repos     *repositories.Repositories
	locker    *redis.Locker
	manager   *tasks.Manager
	scheduler *scheduler.Scheduler
}

func newFixture(t *testing.T, checker permissions.Checker) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	client := redis.Wrap(rdb, logger)
	f := &fixture{repos: memory.New(), locker: redis.NewLocker(client, "")}
	broker := tasks.NewBroker(client, tasks.BrokerConfig{}, logger)
	markers := redis.NewMarkers(client, tasks.DefaultRevokedKey)
	f.manager = tasks.NewManager(tasks.KindReport, broker, markers, f.locker, f.repos.Reports, checker, logger)
	f.scheduler = scheduler.NewScheduler(f.repos.Reports, f.manager, f.locker, scheduler.DefaultConfig(), logger)
	return f
}

func (f *fixture) report(t *testing.T, name string, configure func(*models.Report)) *models.Report {
	t.Helper()
	r := &models.Report{Name: name, Owner: "alice", QueryID: uuid.New(), Active: true, Every: ptr("1h")}
	configure(r)
	require.NoError(t, f.repos.Reports.Create(context.Background(), r))
	return r
}

func TestDueReports(t *testing.T) {
	f := newFixture(t, nil)
	now := time.Now().UTC()

	f.report(t, "never-run", func(*models.Report) {})
	f.report(t, "stale", func(r *models.Report) { r.LastRun = ptr(now.Add(-2 * time.Hour)) })
	f.report(t, "fresh", func(r *models.Report) { r.LastRun = ptr(now.Add(-time.Minute)) })
	f.report(t, "expired", func(r *models.Report) { r.ValidUntil = ptr(now.Add(-time.Hour)) })
	f.report(t, "unscheduled", func(r *models.Report) { r.Every = nil })
	f.report(t, "malformed", func(r *models.Report) { r.Every = ptr("weekly") })

	due, err := scheduler.DueReports(context.Background(), f.repos.Reports, now, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "never-run", due[0].Name)
	assert.Equal(t, "stale", due[1].Name)

	due, err = scheduler.DueReports(context.Background(), f.repos.Reports, now, 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestRunOnce_QueuesDueReportsOnce(t *testing.T) {
	ctx := context.Background()
	// only the system principal may run reports it does not own
	f := newFixture(t, permissions.Default{})
	r := f.report(t, "monthly", func(*models.Report) {})

	assert.Equal(t, 1, f.scheduler.RunOnce(ctx))

	stored, err := f.repos.Reports.GetByID(ctx, r.ID)
	require.NoError(t, err)
	require.NotEmpty(t, stored.CurrentTaskID())
	state, err := f.manager.Status(ctx, stored)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateQueued, state)

	assert.Equal(t, 0, f.scheduler.RunOnce(ctx))
	again, err := f.repos.Reports.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.CurrentTaskID(), again.CurrentTaskID())
}

func TestRunOnce_SkipsLockedReports(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	r := f.report(t, "monthly", func(*models.Report) {})

	_, err := f.locker.Acquire(ctx, scheduler.LockKeyPrefix+r.ID.String(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, f.scheduler.RunOnce(ctx))
}

func TestManagerRejectsUnknownPrincipal(t *testing.T) {
	ctx := appctx.SetPrincipal(context.Background(), "mallory")
	f := newFixture(t, permissions.Default{})
	r := f.report(t, "monthly", func(*models.Report) {})

	_, err := f.manager.Queue(ctx, r, nil)
	assert.Error(t, err)
}
