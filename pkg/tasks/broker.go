package tasks

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	DefaultStream           = "fern:tasks"
	DefaultConsumerGroup    = "fern-workers"
	DefaultResultPrefix     = "fern:task:"
	DefaultPendingKey       = "fern:tasks:pending"
	DefaultRevokedKey       = "fern:tasks:revoked"
	DefaultTerminateChannel = "fern:tasks:terminate"
	DefaultResultTTL        = 7 * 24 * time.Hour
)

type BrokerConfig struct {
	Stream           string
	ConsumerGroup    string
	ResultPrefix     string
	PendingKey       string
	RevokedKey       string
	TerminateChannel string
	ResultTTL        time.Duration
}

func (c BrokerConfig) withDefaults() BrokerConfig {
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = DefaultConsumerGroup
	}
	if c.ResultPrefix == "" {
		c.ResultPrefix = DefaultResultPrefix
	}
	if c.PendingKey == "" {
		c.PendingKey = DefaultPendingKey
	}
	if c.RevokedKey == "" {
		c.RevokedKey = DefaultRevokedKey
	}
	if c.TerminateChannel == "" {
		c.TerminateChannel = DefaultTerminateChannel
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = DefaultResultTTL
	}
	return c
}

// Result is the result-backend record of one task.
type Result struct {
	ID       string
	State    State
	Kind     string
	EntityID string
	Error    string
	Tracking string
	Updated  time.Time
}

// Broker submits tasks to a Redis stream and keeps their state in a hash per
// task. Submitted ids stay in the pending list until a worker picks them up.
type Broker struct {
	client  *redis.Client
	streams *redis.Streams
	config  BrokerConfig
	logger  ectologger.Logger
}

func NewBroker(client *redis.Client, config BrokerConfig, logger ectologger.Logger) *Broker {
	return &Broker{
		client:  client,
		streams: redis.NewStreams(client),
		config:  config.withDefaults(),
		logger:  logger,
	}
}

func (b *Broker) Config() BrokerConfig {
	return b.config
}

func (b *Broker) resultKey(id string) string {
	return b.config.ResultPrefix + id
}

// Submit queues a run of entity and returns the task id.
func (b *Broker) Submit(ctx context.Context, kind string, entityID uuid.UUID, version int, tenantID *uuid.UUID, options map[string]any) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "Broker.Submit")
	defer span.End()

	task := &redis.TaskMessage{
		ID:          uuid.New().String(),
		Kind:        kind,
		EntityID:    entityID.String(),
		Version:     version,
		Options:     options,
		TraceParent: tracing.GetTraceParent(ctx),
		TraceState:  tracing.GetTraceState(ctx),
		CreatedAt:   time.Now().UTC(),
	}
	if tenantID != nil {
		task.TenantID = tenantID.String()
	}

	if err := b.client.RPush(ctx, b.config.PendingKey, task.ID); err != nil {
		return "", fmt.Errorf("failed to record pending task: %w", err)
	}
	if err := b.SetState(ctx, task.ID, StatePending, map[string]any{"kind": kind, "entity_id": task.EntityID}); err != nil {
		return "", err
	}
	if _, err := b.streams.Publish(ctx, b.config.Stream, task); err != nil {
		if _, lerr := b.client.LRem(ctx, b.config.PendingKey, task.ID); lerr != nil {
			b.logger.WithContext(ctx).WithError(lerr).WithField("task_id", task.ID).Warn("failed to drop unsubmitted task from pending list")
		}
		return "", fmt.Errorf("failed to submit task: %w", err)
	}

	b.logger.WithContext(ctx).WithFields(map[string]any{
		"task_id":   task.ID,
		"kind":      kind,
		"entity_id": task.EntityID,
	}).Info("task submitted")
	return task.ID, nil
}

// SetState records state and extra fields for task id.
func (b *Broker) SetState(ctx context.Context, id string, state State, fields map[string]any) error {
	values := map[string]any{
		"state":   string(state),
		"updated": time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range fields {
		values[k] = v
	}
	if err := b.client.HSet(ctx, b.resultKey(id), b.config.ResultTTL, values); err != nil {
		b.logger.WithContext(ctx).WithError(err).WithField("task_id", id).Error("failed to store task state")
		return fmt.Errorf("failed to store task state: %w", err)
	}
	return nil
}

// Result returns the result-backend record of id. An unknown id is PENDING.
func (b *Broker) Result(ctx context.Context, id string) (*Result, error) {
	values, err := b.client.HGetAll(ctx, b.resultKey(id))
	if err != nil {
		return nil, err
	}
	res := &Result{ID: id, State: StatePending}
	if len(values) == 0 {
		return res, nil
	}
	if s := values["state"]; s != "" {
		res.State = State(s)
	}
	res.Kind = values["kind"]
	res.EntityID = values["entity_id"]
	res.Error = values["error"]
	res.Tracking = values["tracking_id"]
	if t, err := time.Parse(time.RFC3339Nano, values["updated"]); err == nil {
		res.Updated = t
	}
	return res, nil
}

func (b *Broker) State(ctx context.Context, id string) (State, error) {
	res, err := b.Result(ctx, id)
	if err != nil {
		return "", err
	}
	return res.State, nil
}

// Revoke marks id revoked. With terminate a worker running it is told to
// stop.
func (b *Broker) Revoke(ctx context.Context, id string, terminate bool) error {
	ctx, span := tracing.StartSpan(ctx, "Broker.Revoke")
	defer span.End()

	if err := b.SetState(ctx, id, StateRevoked, nil); err != nil {
		return err
	}
	if terminate {
		if err := b.client.Publish(ctx, b.config.TerminateChannel, id); err != nil {
			return fmt.Errorf("failed to broadcast terminate: %w", err)
		}
	}
	b.logger.WithContext(ctx).WithFields(map[string]any{
		"task_id":   id,
		"terminate": terminate,
	}).Info("task revoked")
	return nil
}

// Terminations delivers the ids of tasks whose termination was requested.
func (b *Broker) Terminations(ctx context.Context) (<-chan string, error) {
	return b.client.Subscribe(ctx, b.config.TerminateChannel)
}

// PurgeAll drops every queued task and returns how many were dropped.
func (b *Broker) PurgeAll(ctx context.Context) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "Broker.PurgeAll")
	defer span.End()

	n, err := b.streams.Purge(ctx, b.config.Stream)
	if err != nil {
		return 0, err
	}
	if err := b.client.Del(ctx, b.config.PendingKey); err != nil {
		return n, err
	}
	b.logger.WithContext(ctx).Warnf("purged %d queued tasks", n)
	return n, nil
}

func (b *Broker) PendingIDs(ctx context.Context) ([]string, error) {
	return b.client.LRange(ctx, b.config.PendingKey, 0, -1)
}

func (b *Broker) IsPending(ctx context.Context, id string) (bool, error) {
	ids, err := b.PendingIDs(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(ids, id), nil
}

// Picked removes id from the pending list once a worker has it.
func (b *Broker) Picked(ctx context.Context, id string) error {
	_, err := b.client.LRem(ctx, b.config.PendingKey, id)
	return err
}

// Requeue puts id back on the pending list after a failed attempt that will
// be redelivered.
func (b *Broker) Requeue(ctx context.Context, id string) error {
	if _, err := b.client.LRem(ctx, b.config.PendingKey, id); err != nil {
		return err
	}
	return b.client.RPush(ctx, b.config.PendingKey, id)
}
