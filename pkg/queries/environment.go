package queries

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/warehouse"
)

// TaskHandle is the running task a query executes under, if any.
type TaskHandle interface {
	IsAborted() bool
}

// Environment is what a query function sees: the tenant-scoped handle for
// its target entity, the scoped warehouse for any other entity, and its
// arguments.
type Environment struct {
	Query     *models.Query
	Source    warehouse.Source
	Warehouse warehouse.Warehouse
	Args      map[string]any

	task    TaskHandle
	done    <-chan struct{}
	aborted atomic.Bool
	logger  ectologger.Logger

	mu    sync.Mutex
	debug []models.DebugEntry
	extra map[string]any
}

// Debug records a line in the dataset's debug trace.
func (e *Environment) Debug(message string, fields map[string]any) {
	e.mu.Lock()
	e.debug = append(e.debug, models.DebugEntry{Message: message, Fields: fields, At: time.Now().UTC()})
	e.mu.Unlock()
	if e.logger != nil {
		e.logger.WithFields(fields).Debugf("query %s: %s", e.Query.Name, message)
	}
}

// SetExtra stores the extra payload exposed to report rendering.
func (e *Environment) SetExtra(extra map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.extra = extra
}

// Abort sets the local abort flag.
func (e *Environment) Abort() {
	e.aborted.Store(true)
}

// IsAborted reports whether the run should stop: the task was aborted, the
// local flag is set, or the context is done.
func (e *Environment) IsAborted() bool {
	if e.aborted.Load() {
		return true
	}
	if e.task != nil && e.task.IsAborted() {
		return true
	}
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *Environment) debugEntries() []models.DebugEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.DebugEntry(nil), e.debug...)
}

func (e *Environment) extraPayload() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.extra == nil {
		return map[string]any{}
	}
	return e.extra
}
