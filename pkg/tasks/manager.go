package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/permissions"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// queueLockTTL bounds the window in which two Queue calls for one entity
// are serialized.
const queueLockTTL = 30 * time.Second

// Entity is a query or a report as seen by the task layer.
type Entity interface {
	EntityID() uuid.UUID
	EntityVersion() int
	EntityTenantID() *uuid.UUID
	CurrentTaskID() string
}

// TaskStore persists the task id of an entity, guarded by its version.
type TaskStore interface {
	SetTaskID(ctx context.Context, id uuid.UUID, version int, taskID *string) error
}

// Manager drives the task lifecycle of one entity kind.
type Manager struct {
	kind        string
	broker      *Broker
	markers     *redis.Markers
	locker      *redis.Locker
	store       TaskStore
	permissions permissions.Checker
	logger      ectologger.Logger
}

func NewManager(
	kind string,
	broker *Broker,
	markers *redis.Markers,
	locker *redis.Locker,
	store TaskStore,
	checker permissions.Checker,
	logger ectologger.Logger,
) *Manager {
	return &Manager{
		kind:        kind,
		broker:      broker,
		markers:     markers,
		locker:      locker,
		store:       store,
		permissions: checker,
		logger:      logger,
	}
}

func (m *Manager) Kind() string {
	return m.kind
}

// Queue submits a run of entity unless one is already scheduled, in which
// case it returns the current task id. A concurrent edit of the entity does
// not fail the call; the task runs and rejects the stale version.
func (m *Manager) Queue(ctx context.Context, entity Entity, options map[string]any) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "Manager.Queue")
	defer span.End()
	span.SetAttributes(attribute.String("task.kind", m.kind), attribute.String("entity.id", entity.EntityID().String()))

	if err := permissions.Require(ctx, m.permissions, permissions.ActionRun, entity); err != nil {
		return "", err
	}

	lock, err := m.locker.Acquire(ctx, fmt.Sprintf("queue:%s:%s", m.kind, entity.EntityID()), queueLockTTL)
	if errors.Is(err, redis.ErrLockNotAcquired) {
		metrics.RecordLock(m.kind, "contended")
		return entity.CurrentTaskID(), nil
	}
	if err != nil {
		return "", err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			m.logger.WithContext(ctx).WithError(err).Warn("failed to release queue lock")
		}
	}()

	state, err := m.Status(ctx, entity)
	if err != nil {
		return "", err
	}
	if state.Scheduled() {
		m.logger.WithContext(ctx).WithFields(map[string]any{
			"entity_id": entity.EntityID(),
			"task_id":   entity.CurrentTaskID(),
			"state":     state,
		}).Debug("task already scheduled")
		return entity.CurrentTaskID(), nil
	}

	taskID, err := m.broker.Submit(ctx, m.kind, entity.EntityID(), entity.EntityVersion(), entity.EntityTenantID(), options)
	if err != nil {
		return "", err
	}
	metrics.RecordTask(m.kind, string(StateQueued))

	err = m.store.SetTaskID(ctx, entity.EntityID(), entity.EntityVersion(), &taskID)
	if err != nil && !ferrors.IsRecordModified(err) {
		return "", err
	}
	if err != nil {
		m.logger.WithContext(ctx).WithField("entity_id", entity.EntityID()).Debug("entity changed while queuing; task id not stored")
	}
	return taskID, nil
}

// Status resolves the state of the entity's current task. A revoked marker
// wins over the broker; a PENDING task is QUEUED only while it is still in
// the pending list.
func (m *Manager) Status(ctx context.Context, entity Entity) (State, error) {
	ctx, span := tracing.StartSpan(ctx, "Manager.Status")
	defer span.End()

	taskID := entity.CurrentTaskID()
	if taskID == "" {
		return StateNotScheduled, nil
	}
	revoked, err := m.markers.Contains(ctx, taskID)
	if err != nil {
		return "", err
	}
	if revoked {
		return StateCanceled, nil
	}
	state, err := m.broker.State(ctx, taskID)
	if err != nil {
		return "", err
	}
	if state != StatePending {
		return state, nil
	}
	pending, err := m.broker.IsPending(ctx, taskID)
	if err != nil {
		return "", err
	}
	if pending {
		return StateQueued, nil
	}
	return StateNotScheduled, nil
}

// Terminate cancels the entity's current task: a queued task gets a revoked
// marker, a started task is revoked at the broker and told to stop.
func (m *Manager) Terminate(ctx context.Context, entity Entity) (State, error) {
	ctx, span := tracing.StartSpan(ctx, "Manager.Terminate")
	defer span.End()

	if err := permissions.Require(ctx, m.permissions, permissions.ActionRun, entity); err != nil {
		return "", err
	}

	state, err := m.Status(ctx, entity)
	if err != nil {
		return "", err
	}
	taskID := entity.CurrentTaskID()
	switch state {
	case StateQueued:
		if err := m.markers.Add(ctx, taskID); err != nil {
			return "", err
		}
		state = StateCanceled
	case StateStarted:
		if err := m.broker.Revoke(ctx, taskID, true); err != nil {
			return "", err
		}
		state = StateRevoked
	default:
		return state, nil
	}
	metrics.RecordTask(m.kind, string(state))
	m.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_id": entity.EntityID(),
		"task_id":   taskID,
		"state":     state,
	}).Info("task terminated")
	return state, nil
}

// Reconcile removes revoked markers whose task left the pending list.
func Reconcile(ctx context.Context, broker *Broker, markers *redis.Markers, logger ectologger.Logger) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "tasks.Reconcile")
	defer span.End()

	members, err := markers.Members(ctx)
	if err != nil || len(members) == 0 {
		return 0, err
	}
	pending, err := broker.PendingIDs(ctx)
	if err != nil {
		return 0, err
	}
	live := make(map[string]bool, len(pending))
	for _, id := range pending {
		live[id] = true
	}
	var stale []string
	for _, id := range members {
		if !live[id] {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := markers.Remove(ctx, stale...); err != nil {
		return 0, err
	}
	metrics.MarkersReconciled.Add(float64(len(stale)))
	logger.WithContext(ctx).Infof("removed %d stale revoked markers", len(stale))
	return len(stale), nil
}

// RunReconciler calls Reconcile every interval until ctx is done.
func RunReconciler(ctx context.Context, broker *Broker, markers *redis.Markers, interval time.Duration, logger ectologger.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := Reconcile(ctx, broker, markers, logger); err != nil {
				logger.WithContext(ctx).WithError(err).Warn("marker reconciliation failed")
			}
		}
	}
}
