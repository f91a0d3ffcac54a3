package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/permissions"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tasks"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	// ErrSchedulerAlreadyRunning is returned when trying to start an already running scheduler
	ErrSchedulerAlreadyRunning = errors.New("scheduler already running")
)

const (
	// DefaultPollInterval is the default interval between scheduling runs
	DefaultPollInterval = 30 * time.Second

	// DefaultLockTTL is the default TTL for distributed locks
	DefaultLockTTL = 60 * time.Second

	// DefaultBatchSize is the number of reports to queue per poll
	DefaultBatchSize = 100

	// LockKeyPrefix is the prefix for scheduler locks
	LockKeyPrefix = "scheduler:report:"
)

// Queuer submits report runs. tasks.Manager implements it.
type Queuer interface {
	Queue(ctx context.Context, entity tasks.Entity, options map[string]any) (string, error)
}

// Config holds configuration for the scheduler
type Config struct {
	// PollInterval is how often to check for due reports
	PollInterval time.Duration

	// LockTTL is how long one scheduler instance owns a report while queueing it
	LockTTL time.Duration

	// BatchSize is the maximum number of reports to queue per poll
	BatchSize int

	// RunQuery makes scheduled runs refresh the report's query first
	RunQuery bool
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		PollInterval: DefaultPollInterval,
		LockTTL:      DefaultLockTTL,
		BatchSize:    DefaultBatchSize,
		RunQuery:     true,
	}
}

// Scheduler queues report runs whose interval has elapsed. Several
// instances may run; a short lock per report keeps them from racing.
type Scheduler struct {
	source ReportSource
	queuer Queuer
	locker *redis.Locker
	config Config
	logger ectologger.Logger
	now    func() time.Time

	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

// NewScheduler creates a new scheduler
func NewScheduler(
	source ReportSource,
	queuer Queuer,
	locker *redis.Locker,
	config Config,
	logger ectologger.Logger,
) *Scheduler {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultLockTTL
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}

	return &Scheduler{
		source:   source,
		queuer:   queuer,
		locker:   locker,
		config:   config,
		logger:   logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	s.logger.WithContext(ctx).Infof("Starting scheduler: poll_interval=%s batch_size=%d",
		s.config.PollInterval, s.config.BatchSize)

	go s.pollLoop(ctx)
	return nil
}

// Stop stops the scheduler gracefully
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.WithContext(ctx).Info("Stopping scheduler...")
	close(s.stopCh)

	select {
	case <-s.stoppedC:
		s.logger.WithContext(ctx).Info("Scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("Scheduler shutdown timed out")
		return ctx.Err()
	}
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer close(s.stoppedC)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.RunOnce(ctx)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce queues every due report and returns how many new tasks were
// submitted.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.RunOnce")
	defer span.End()

	start := time.Now()
	ctx = appctx.SetPrincipal(ctx, permissions.System)

	due, err := DueReports(ctx, s.source, s.now(), s.config.BatchSize)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to list due reports")
		return 0
	}
	if len(due) == 0 {
		s.logger.WithContext(ctx).Debug("No reports to schedule")
		return 0
	}

	queued, skipped := 0, 0
	for i := range due {
		report := &due[i]
		ok, err := s.schedule(ctx, report)
		switch {
		case errors.Is(err, redis.ErrLockNotAcquired):
			skipped++
		case err != nil:
			s.logger.WithContext(ctx).WithError(err).Warnf("Failed to schedule report %s", report.Name)
		case ok:
			queued++
		default:
			skipped++
		}
	}

	s.logger.WithContext(ctx).Infof("Scheduling cycle completed: queued=%d skipped=%d duration=%s",
		queued, skipped, time.Since(start))
	return queued
}

// schedule queues one report and reports whether a new task was submitted.
func (s *Scheduler) schedule(ctx context.Context, report *models.Report) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.schedule")
	defer span.End()

	lock, err := s.locker.Acquire(ctx, LockKeyPrefix+report.ID.String(), s.config.LockTTL)
	if err != nil {
		return false, err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.WithContext(ctx).WithError(err).Warn("Failed to release scheduler lock")
		}
	}()

	if report.TenantID != nil {
		ctx = appctx.SetTenantID(ctx, report.TenantID.String())
	}

	previous := report.CurrentTaskID()
	taskID, err := s.queuer.Queue(ctx, report, map[string]any{tasks.OptionRunQuery: s.config.RunQuery})
	if err != nil {
		return false, err
	}
	if taskID == previous {
		return false, nil
	}

	metrics.SchedulerReportsQueued.Inc()
	s.logger.WithContext(ctx).Infof("Scheduled report %s (task_id=%s)", report.Name, taskID)
	return true, nil
}
