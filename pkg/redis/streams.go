package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TaskMessage is one queued task run.
type TaskMessage struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	EntityID string `json:"entity_id"`
	// Version is the entity version read at dispatch.
	Version     int            `json:"version"`
	TenantID    string         `json:"tenant_id,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
	TraceParent string         `json:"trace_parent,omitempty"`
	TraceState  string         `json:"trace_state,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	Attempts    int            `json:"attempts"`
}

// StreamMessage is a decoded stream entry. Task is nil when the entry could
// not be decoded.
type StreamMessage struct {
	ID     string
	Stream string
	Task   *TaskMessage
	Err    error
}

// Streams provides Redis Streams operations for the task queue
type Streams struct {
	client *Client
}

func NewStreams(client *Client) *Streams {
	return &Streams{client: client}
}

// Publish adds task to stream and returns the stream entry id.
func (s *Streams) Publish(ctx context.Context, stream string, task *TaskMessage) (string, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task: %w", err)
	}

	result, err := s.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"data": string(payload),
		},
	}).Result()
	if err != nil {
		s.client.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish to stream %s", stream)
		return "", err
	}

	s.client.logger.WithContext(ctx).Debugf("Published task %s to stream %s (message ID: %s)", task.ID, stream, result)
	return result, nil
}

// CreateConsumerGroup creates a consumer group for a stream
func (s *Streams) CreateConsumerGroup(ctx context.Context, stream, group string) error {
	err := s.client.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Consume reads new messages for consumer in group.
func (s *Streams) Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	results, err := s.client.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var messages []StreamMessage
	for _, result := range results {
		messages = append(messages, decode(result.Stream, result.Messages)...)
	}
	return messages, nil
}

func decode(stream string, entries []redis.XMessage) []StreamMessage {
	messages := make([]StreamMessage, 0, len(entries))
	for _, msg := range entries {
		out := StreamMessage{ID: msg.ID, Stream: stream}
		data, ok := msg.Values["data"].(string)
		if !ok {
			out.Err = fmt.Errorf("message %s has no data field", msg.ID)
			messages = append(messages, out)
			continue
		}
		var task TaskMessage
		if err := json.Unmarshal([]byte(data), &task); err != nil {
			out.Err = fmt.Errorf("failed to unmarshal message %s: %w", msg.ID, err)
		} else {
			out.Task = &task
		}
		messages = append(messages, out)
	}
	return messages
}

func (s *Streams) Ack(ctx context.Context, stream, group string, ids ...string) error {
	return s.client.rdb.XAck(ctx, stream, group, ids...).Err()
}

// Pending returns delivered but unacknowledged messages.
func (s *Streams) Pending(ctx context.Context, stream, group string, count int64) ([]redis.XPendingExt, error) {
	return s.client.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
}

// Claim claims pending messages for a consumer
func (s *Streams) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]StreamMessage, error) {
	results, err := s.client.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, err
	}
	return decode(stream, results), nil
}

func (s *Streams) Len(ctx context.Context, stream string) (int64, error) {
	return s.client.rdb.XLen(ctx, stream).Result()
}

// Range returns messages in a stream between start and end IDs
func (s *Streams) Range(ctx context.Context, stream, start, end string) ([]StreamMessage, error) {
	results, err := s.client.rdb.XRange(ctx, stream, start, end).Result()
	if err != nil {
		return nil, err
	}
	return decode(stream, results), nil
}

// Purge removes every entry of stream and returns how many were removed.
// Consumer groups survive.
func (s *Streams) Purge(ctx context.Context, stream string) (int64, error) {
	return s.client.rdb.XTrimMaxLen(ctx, stream, 0).Result()
}
