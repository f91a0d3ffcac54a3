// Package errortracking reports failures to the external error-tracking
// system and returns the id operators can look the event up with.
package errortracking

import (
	"context"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	sentry "github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type Tracker interface {
	// Capture records err and returns its tracking id.
	Capture(ctx context.Context, err error, tags map[string]string) string
	Flush(timeout time.Duration) bool
}

type Config struct {
	DSN         string
	Environment string
	Release     string
}

// New returns a Sentry tracker when a DSN is configured and a logging
// tracker otherwise.
func New(cfg Config, logger ectologger.Logger) (Tracker, error) {
	if cfg.DSN == "" {
		return NewLocal(logger), nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, err
	}
	return &Sentry{hub: sentry.CurrentHub(), logger: logger}, nil
}

type Sentry struct {
	hub    *sentry.Hub
	logger ectologger.Logger
}

func (s *Sentry) Capture(ctx context.Context, err error, tags map[string]string) string {
	hub := s.hub.Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTags(contextTags(ctx, tags))
	})
	id := hub.CaptureException(err)
	if id == nil {
		// dropped by sampling or the transport; keep a local reference
		local := uuid.New().String()
		s.logger.WithContext(ctx).WithError(err).WithField("tracking_id", local).Warn("error was not accepted by sentry")
		return local
	}
	return string(*id)
}

func (s *Sentry) Flush(timeout time.Duration) bool {
	return s.hub.Flush(timeout)
}

// Local logs the error with a generated tracking id.
type Local struct {
	logger ectologger.Logger
}

func NewLocal(logger ectologger.Logger) *Local {
	return &Local{logger: logger}
}

func (l *Local) Capture(ctx context.Context, err error, tags map[string]string) string {
	id := uuid.New().String()
	fields := map[string]any{"tracking_id": id}
	for k, v := range contextTags(ctx, tags) {
		fields[k] = v
	}
	l.logger.WithContext(ctx).WithError(err).WithFields(fields).Error("captured error")
	return id
}

func (l *Local) Flush(time.Duration) bool { return true }

// Recorder keeps captured errors in memory.
type Recorder struct {
	mu     sync.Mutex
	Events []Event
}

type Event struct {
	ID   string
	Err  error
	Tags map[string]string
}

func (r *Recorder) Capture(ctx context.Context, err error, tags map[string]string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New().String()
	r.Events = append(r.Events, Event{ID: id, Err: err, Tags: contextTags(ctx, tags)})
	return id
}

func (r *Recorder) Flush(time.Duration) bool { return true }

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Events)
}

func contextTags(ctx context.Context, tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags)+3)
	for k, v := range tags {
		out[k] = v
	}
	if id := appctx.GetTaskID(ctx); id != "" {
		out["task_id"] = id
	}
	if id := appctx.GetTenantID(ctx); id != "" {
		out["tenant_id"] = id
	}
	if id := tracing.GetTraceID(ctx); id != "" {
		out["trace_id"] = id
	}
	return out
}
