package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tenant"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	// ErrWorkerRunning is returned by Start on a running worker
	ErrWorkerRunning = errors.New("worker already running")

	// errLockBusy leaves a task for reclaim while another attempt holds
	// the entity lock.
	errLockBusy = errors.New("entity lock held by another attempt")
)

const (
	// DefaultBatchSize is the default number of messages to consume at once
	DefaultBatchSize = 10

	// DefaultBlockTimeout is how long to block waiting for messages
	DefaultBlockTimeout = 5 * time.Second

	// DefaultMaxRetries is the default number of retries for a task
	DefaultMaxRetries = 3

	// DefaultClaimInterval is how often to claim stale pending messages
	DefaultClaimInterval = 30 * time.Second

	// DefaultClaimMinIdle is the minimum idle time before claiming a message
	DefaultClaimMinIdle = 60 * time.Second
)

// WorkerConfig holds configuration for the worker pool
type WorkerConfig struct {
	// Consumer name (unique per instance)
	ConsumerName string

	// Number of messages to fetch per batch
	BatchSize int64

	// How long to block waiting for new messages
	BlockTimeout time.Duration

	// Maximum number of deliveries before a task goes to the DLQ
	MaxRetries int

	// How often to check for and claim stale pending messages
	ClaimInterval time.Duration

	// Minimum idle time before claiming a pending message
	ClaimMinIdle time.Duration

	// Number of worker goroutines
	WorkerCount int

	// TTL of the per-entity lock
	LockTTL time.Duration

	// TrapSignals converts SIGTERM/SIGINT into termination of running tasks
	TrapSignals bool
}

func DefaultWorkerConfig() WorkerConfig {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = uuid.New().String()[:8]
	}

	return WorkerConfig{
		ConsumerName:  hostname,
		BatchSize:     DefaultBatchSize,
		BlockTimeout:  DefaultBlockTimeout,
		MaxRetries:    DefaultMaxRetries,
		ClaimInterval: DefaultClaimInterval,
		ClaimMinIdle:  DefaultClaimMinIdle,
		WorkerCount:   1,
		LockTTL:       redis.DefaultLockTTL,
		TrapSignals:   true,
	}
}

// Task is a task being run by a worker. Handlers pass it to the engine as
// the abort probe.
type Task struct {
	Message *redis.TaskMessage

	aborted atomic.Bool
	cancel  context.CancelCauseFunc
}

func (t *Task) IsAborted() bool {
	return t.aborted.Load()
}

// terminate aborts the task and cancels its context with cause.
func (t *Task) terminate(cause error) {
	t.aborted.Store(true)
	if t.cancel != nil {
		t.cancel(cause)
	}
}

// EntityID parses the task's entity id.
func (t *Task) EntityID() (uuid.UUID, error) {
	id, err := uuid.Parse(t.Message.EntityID)
	if err != nil {
		return uuid.Nil, ferrors.NewValidationError("entity_id", "invalid entity id %q", t.Message.EntityID)
	}
	return id, nil
}

// Option returns a boolean task option.
func (t *Task) Option(name string) bool {
	v, _ := t.Message.Options[name].(bool)
	return v
}

// Scope is the tenant scope the task was dispatched under. A task without a
// tenant runs unscoped.
func (t *Task) Scope() (tenant.Scope, error) {
	if t.Message.TenantID == "" {
		return tenant.Unscoped(), nil
	}
	id, err := uuid.Parse(t.Message.TenantID)
	if err != nil {
		return tenant.Scope{}, ferrors.NewValidationError("tenant_id", "invalid tenant id %q", t.Message.TenantID)
	}
	return tenant.For(&tenant.Tenant{ID: id}), nil
}

type Handler interface {
	Handle(ctx context.Context, task *Task) error
}

type HandlerFunc func(ctx context.Context, task *Task) error

func (f HandlerFunc) Handle(ctx context.Context, task *Task) error {
	return f(ctx, task)
}

// Worker consumes tasks from the broker stream and runs each under the lock
// of its entity.
type Worker struct {
	broker   *Broker
	streams  *redis.Streams
	markers  *redis.Markers
	locker   *redis.Locker
	dlq      *redis.DeadLetterQueue
	handlers map[string]Handler
	events   kafka.Publisher
	config   WorkerConfig
	logger   ectologger.Logger

	// Channels for coordination
	stopCh   chan struct{}
	stoppedC chan struct{}
	tasksCh  chan redis.StreamMessage

	mu       sync.RWMutex
	started  bool
	inFlight map[string]*Task
}

func NewWorker(
	broker *Broker,
	markers *redis.Markers,
	locker *redis.Locker,
	dlq *redis.DeadLetterQueue,
	handlers map[string]Handler,
	events kafka.Publisher,
	config WorkerConfig,
	logger ectologger.Logger,
) *Worker {
	if config.ConsumerName == "" {
		config.ConsumerName = DefaultWorkerConfig().ConsumerName
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = DefaultBlockTimeout
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.ClaimInterval <= 0 {
		config.ClaimInterval = DefaultClaimInterval
	}
	if config.ClaimMinIdle <= 0 {
		config.ClaimMinIdle = DefaultClaimMinIdle
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if config.LockTTL <= 0 {
		config.LockTTL = redis.DefaultLockTTL
	}
	if events == nil {
		events = kafka.Nop{}
	}

	return &Worker{
		broker:   broker,
		streams:  broker.streams,
		markers:  markers,
		locker:   locker,
		dlq:      dlq,
		handlers: handlers,
		events:   events,
		config:   config,
		logger:   logger,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
		tasksCh:  make(chan redis.StreamMessage, config.BatchSize*2),
		inFlight: map[string]*Task{},
	}
}

func (w *Worker) stream() string { return w.broker.config.Stream }
func (w *Worker) group() string  { return w.broker.config.ConsumerGroup }

// Start launches the consumer, claim, termination and worker goroutines.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return ErrWorkerRunning
	}
	w.started = true
	w.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "Worker.Start")
	defer span.End()

	w.logger.WithContext(ctx).Infof("Starting task worker: stream=%s group=%s consumer=%s workers=%d",
		w.stream(), w.group(), w.config.ConsumerName, w.config.WorkerCount)

	if err := w.streams.CreateConsumerGroup(ctx, w.stream(), w.group()); err != nil {
		w.logger.WithContext(ctx).WithError(err).Error("Failed to create consumer group")
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	terminations, err := w.broker.Terminations(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to terminations: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < w.config.WorkerCount; i++ {
		wg.Add(1)
		go w.work(ctx, &wg, i)
	}

	wg.Add(1)
	go w.consumeLoop(ctx, &wg)

	wg.Add(1)
	go w.claimLoop(ctx, &wg)

	go w.terminationLoop(ctx, terminations)
	if w.config.TrapSignals {
		go w.trapSignals(ctx)
	}

	go func() {
		<-w.stopCh
		close(w.tasksCh)
		wg.Wait()
		close(w.stoppedC)
	}()

	w.logger.WithContext(ctx).Info("Task worker started")
	return nil
}

// Stop stops consuming and waits for running tasks to finish.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = false
	w.mu.Unlock()

	w.logger.WithContext(ctx).Info("Stopping task worker...")
	close(w.stopCh)

	select {
	case <-w.stoppedC:
		w.logger.WithContext(ctx).Info("Task worker stopped gracefully")
	case <-ctx.Done():
		w.logger.WithContext(ctx).Warn("Task worker shutdown timed out")
		return ctx.Err()
	}
	return nil
}

// Poll reads whatever is queued without blocking and runs it on the calling
// goroutine. It returns the number of messages handled.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	if err := w.streams.CreateConsumerGroup(ctx, w.stream(), w.group()); err != nil {
		return 0, err
	}
	messages, err := w.streams.Consume(ctx, w.stream(), w.group(), w.config.ConsumerName, w.config.BatchSize, -1)
	if err != nil {
		return 0, err
	}
	for _, msg := range messages {
		w.handle(ctx, msg)
	}
	return len(messages), nil
}

func (w *Worker) consumeLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		messages, err := w.streams.Consume(ctx, w.stream(), w.group(), w.config.ConsumerName, w.config.BatchSize, w.config.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.WithContext(ctx).WithError(err).Warn("Failed to consume messages")
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range messages {
			select {
			case w.tasksCh <- msg:
			case <-w.stopCh:
				return
			}
		}
	}
}

func (w *Worker) claimLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(w.config.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.claimPending(ctx)
		}
	}
}

// claimPending reclaims messages left unacknowledged by failed or crashed
// attempts and dead-letters those past the retry budget.
func (w *Worker) claimPending(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "Worker.claimPending")
	defer span.End()

	pending, err := w.streams.Pending(ctx, w.stream(), w.group(), w.config.BatchSize)
	if err != nil {
		w.logger.WithContext(ctx).WithError(err).Warn("Failed to get pending messages")
		return
	}

	var staleIDs []string
	for _, msg := range pending {
		if msg.Idle < w.config.ClaimMinIdle {
			continue
		}
		if msg.RetryCount <= int64(w.config.MaxRetries) {
			staleIDs = append(staleIDs, msg.ID)
			continue
		}
		w.logger.WithContext(ctx).Warnf("Message %s exceeded max retries (%d), moving to DLQ", msg.ID, msg.RetryCount)
		w.moveToDLQ(ctx, msg.ID, int(msg.RetryCount), redis.DLQReasonMaxRetries, "exceeded maximum retry count")
	}
	if len(staleIDs) == 0 {
		return
	}

	claimed, err := w.streams.Claim(ctx, w.stream(), w.group(), w.config.ConsumerName, w.config.ClaimMinIdle, staleIDs...)
	if err != nil {
		w.logger.WithContext(ctx).WithError(err).Warn("Failed to claim pending messages")
		return
	}
	w.logger.WithContext(ctx).Infof("Claimed %d stale pending messages", len(claimed))

	for _, msg := range claimed {
		select {
		case w.tasksCh <- msg:
		case <-w.stopCh:
			return
		default:
			// channel full; the message stays pending for the next pass
		}
	}
}

func (w *Worker) terminationLoop(ctx context.Context, ids <-chan string) {
	for {
		select {
		case <-w.stopCh:
			return
		case id, ok := <-ids:
			if !ok {
				return
			}
			w.Terminate(ctx, id)
		}
	}
}

func (w *Worker) trapSignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		w.logger.WithContext(ctx).Warnf("received %s, terminating running tasks", sig)
		w.TerminateAll()
	case <-w.stopCh:
	}
}

// Terminate stops task id if this worker is running it.
func (w *Worker) Terminate(ctx context.Context, id string) bool {
	w.mu.RLock()
	task, ok := w.inFlight[id]
	w.mu.RUnlock()
	if !ok {
		return false
	}
	w.logger.WithContext(ctx).WithField("task_id", id).Warn("terminating task")
	task.terminate(ferrors.ErrQueryRunTerminated)
	return true
}

func (w *Worker) TerminateAll() {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, task := range w.inFlight {
		task.terminate(ferrors.ErrQueryRunTerminated)
	}
}

func (w *Worker) work(ctx context.Context, wg *sync.WaitGroup, id int) {
	defer wg.Done()

	w.logger.WithContext(ctx).Debugf("Worker %d started", id)
	for msg := range w.tasksCh {
		w.handle(ctx, msg)
	}
	w.logger.WithContext(ctx).Debugf("Worker %d stopped", id)
}

// handle runs one message and acknowledges it unless the failure may be
// retried.
func (w *Worker) handle(ctx context.Context, msg redis.StreamMessage) {
	if msg.Task == nil {
		w.logger.WithContext(ctx).WithError(msg.Err).Warnf("Dropping undecodable message %s", msg.ID)
		w.moveToDLQ(ctx, msg.ID, 0, redis.DLQReasonInvalidMessage, fmt.Sprint(msg.Err))
		return
	}

	err := w.process(ctx, msg.Task)
	if err != nil && (errors.Is(err, errLockBusy) || ferrors.IsRetryable(err)) {
		w.logger.WithContext(ctx).WithError(err).Warnf("Task %s failed, will be retried", msg.Task.ID)
		return
	}
	if ackErr := w.streams.Ack(ctx, w.stream(), w.group(), msg.ID); ackErr != nil {
		w.logger.WithContext(ctx).WithError(ackErr).Warnf("Failed to ack message %s", msg.ID)
	}
}

// process runs one task. The returned error decides acknowledgement only;
// the task state has already been recorded.
func (w *Worker) process(ctx context.Context, msg *redis.TaskMessage) error {
	ctx = tracing.Extract(ctx, msg.TraceParent, msg.TraceState)
	ctx, span := tracing.StartSpan(ctx, "Worker.process")
	defer span.End()

	ctx = appctx.SetTaskID(ctx, msg.ID)
	ctx = appctx.SetRequestID(ctx, msg.ID)
	if msg.TenantID != "" {
		ctx = appctx.SetTenantID(ctx, msg.TenantID)
	}
	log := w.logger.WithContext(ctx).WithFields(map[string]any{
		"task_id":   msg.ID,
		"kind":      msg.Kind,
		"entity_id": msg.EntityID,
	})

	revoked, err := w.markers.Contains(ctx, msg.ID)
	if err != nil {
		return err
	}
	if revoked {
		if err := w.markers.Remove(ctx, msg.ID); err != nil {
			log.WithError(err).Warn("failed to remove revoked marker")
		}
		w.picked(ctx, msg.ID)
		w.finish(ctx, msg, StateCanceled, ferrors.ErrQueryRunCanceled)
		log.Info("task canceled before start")
		return ferrors.ErrQueryRunCanceled
	}
	if state, err := w.broker.State(ctx, msg.ID); err == nil && state == StateRevoked {
		w.picked(ctx, msg.ID)
		log.Info("task revoked before start")
		return ferrors.ErrQueryRunTerminated
	}

	handler, ok := w.handlers[msg.Kind]
	if !ok {
		err := ferrors.NewValidationError("kind", "no handler for task kind %q", msg.Kind)
		w.picked(ctx, msg.ID)
		w.finish(ctx, msg, StateFailure, err)
		return err
	}

	// the task stays in the pending list, and so QUEUED, until it holds the
	// entity lock
	lock, err := w.locker.Acquire(ctx, fmt.Sprintf("%s:%s", msg.Kind, msg.EntityID), w.config.LockTTL)
	if errors.Is(err, redis.ErrLockNotAcquired) {
		metrics.RecordLock(msg.Kind, "contended")
		log.Info("entity locked by another attempt")
		return errLockBusy
	}
	if err != nil {
		return err
	}
	metrics.RecordLock(msg.Kind, "acquired")
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("failed to release entity lock")
		}
	}()
	w.picked(ctx, msg.ID)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	task := &Task{Message: msg, cancel: cancel}

	w.mu.Lock()
	w.inFlight[msg.ID] = task
	w.mu.Unlock()
	metrics.TasksInFlight.Inc()
	defer func() {
		w.mu.Lock()
		delete(w.inFlight, msg.ID)
		w.mu.Unlock()
		metrics.TasksInFlight.Dec()
	}()

	msg.Attempts++
	if err := w.broker.SetState(ctx, msg.ID, StateStarted, map[string]any{
		"worker":   w.config.ConsumerName,
		"attempts": msg.Attempts,
	}); err != nil {
		log.WithError(err).Warn("failed to record task start")
	}
	w.publish(ctx, msg, StateStarted, nil)
	log.Info("task started")

	started := time.Now()
	err = w.run(runCtx, handler, task)
	if cause := context.Cause(runCtx); err != nil && errors.Is(cause, ferrors.ErrQueryRunTerminated) && !ferrors.IsCanceled(err) {
		err = fmt.Errorf("%w: %v", ferrors.ErrQueryRunTerminated, err)
	}

	switch {
	case err == nil:
		w.finish(ctx, msg, StateSuccess, nil)
	case errors.Is(err, ferrors.ErrQueryRunTerminated):
		w.finish(ctx, msg, StateRevoked, err)
	case errors.Is(err, ferrors.ErrQueryRunCanceled):
		w.finish(ctx, msg, StateCanceled, err)
	case ferrors.IsRetryable(err):
		w.requeue(ctx, msg, err)
	default:
		w.finish(ctx, msg, StateFailure, err)
	}
	log.WithField("seconds", time.Since(started).Seconds()).Infof("task finished")
	return err
}

// run calls the handler and turns a panic into a failure so that the lock
// is still released.
func (w *Worker) run(ctx context.Context, handler Handler, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return handler.Handle(ctx, task)
}

// picked takes id off the pending list once the task can no longer be
// redelivered as a fresh run.
func (w *Worker) picked(ctx context.Context, id string) {
	if err := w.broker.Picked(ctx, id); err != nil {
		w.logger.WithContext(ctx).WithError(err).WithField("task_id", id).Warn("failed to remove task from pending list")
	}
}

// requeue records a failed attempt that will be redelivered. The task goes
// back to PENDING in the pending list so it reports QUEUED and can still be
// canceled.
func (w *Worker) requeue(ctx context.Context, msg *redis.TaskMessage, err error) {
	ctx = context.WithoutCancel(ctx)
	fields := map[string]any{"error": err.Error()}
	if id := ferrors.TrackingID(err); id != "" {
		fields["tracking_id"] = id
	}
	if serr := w.broker.SetState(ctx, msg.ID, StatePending, fields); serr != nil {
		w.logger.WithContext(ctx).WithError(serr).WithField("task_id", msg.ID).Warn("failed to record task retry")
	}
	if rerr := w.broker.Requeue(ctx, msg.ID); rerr != nil {
		w.logger.WithContext(ctx).WithError(rerr).WithField("task_id", msg.ID).Warn("failed to return task to pending list")
	}
	metrics.RecordTask(msg.Kind, "RETRY")
}

func (w *Worker) finish(ctx context.Context, msg *redis.TaskMessage, state State, err error) {
	fields := map[string]any{"finished_at": time.Now().UTC().Format(time.RFC3339Nano)}
	if err != nil {
		fields["error"] = err.Error()
		if id := ferrors.TrackingID(err); id != "" {
			fields["tracking_id"] = id
		}
	}
	if serr := w.broker.SetState(context.WithoutCancel(ctx), msg.ID, state, fields); serr != nil {
		w.logger.WithContext(ctx).WithError(serr).WithField("task_id", msg.ID).Warn("failed to record task state")
	}
	metrics.RecordTask(msg.Kind, string(state))
	w.publish(ctx, msg, state, err)
}

func (w *Worker) publish(ctx context.Context, msg *redis.TaskMessage, state State, err error) {
	evt := &kafka.Event{
		Type:       kafka.EventTaskState,
		TenantID:   msg.TenantID,
		EntityKind: msg.Kind,
		EntityID:   msg.EntityID,
		TaskID:     msg.ID,
		Status:     string(state),
	}
	if err != nil {
		evt.Error = err.Error()
		evt.TrackingID = ferrors.TrackingID(err)
	}
	if perr := w.events.PublishEvent(context.WithoutCancel(ctx), evt); perr != nil {
		w.logger.WithContext(ctx).WithError(perr).Warn("failed to publish task event")
	}
}

// moveToDLQ moves a message to the dead letter queue and acknowledges it.
func (w *Worker) moveToDLQ(ctx context.Context, messageID string, retryCount int, reason redis.DeadLetterReason, errorMsg string) {
	ctx, span := tracing.StartSpan(ctx, "Worker.moveToDLQ")
	defer span.End()

	defer func() {
		if ackErr := w.streams.Ack(ctx, w.stream(), w.group(), messageID); ackErr != nil {
			w.logger.WithContext(ctx).WithError(ackErr).Warnf("Failed to ack message %s after DLQ", messageID)
		}
	}()

	var task *redis.TaskMessage
	if messages, err := w.streams.Range(ctx, w.stream(), messageID, messageID); err == nil && len(messages) > 0 {
		task = messages[0].Task
	}

	entry := &redis.DLQEntry{
		OriginalTask: task,
		Reason:       reason,
		ErrorMessage: errorMsg,
		RetryCount:   retryCount,
	}
	kind := "unknown"
	if task != nil {
		kind = task.Kind
		entry.TenantID, entry.Kind, entry.EntityID = task.TenantID, task.Kind, task.EntityID
		w.picked(ctx, task.ID)
		if err := w.broker.SetState(ctx, task.ID, StateFailure, map[string]any{"error": errorMsg}); err != nil {
			w.logger.WithContext(ctx).WithError(err).WithField("task_id", task.ID).Warn("failed to record dead-lettered task")
		}
	}
	if w.dlq == nil {
		return
	}
	if _, err := w.dlq.Add(ctx, entry); err != nil {
		w.logger.WithContext(ctx).WithError(err).Errorf("Failed to add message %s to DLQ", messageID)
		return
	}
	metrics.RecordDLQTask(kind, string(reason))
}
