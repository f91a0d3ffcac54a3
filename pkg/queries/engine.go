package queries

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/database"
	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/errortracking"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/parametrizer"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/storage"
	"github.com/Ramsey-B/fern/pkg/tabular"
	"github.com/Ramsey-B/fern/pkg/tenant"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/warehouse"
)

const payloadContentType = "application/json"

type ExecuteOptions struct {
	// Persist stores the payload and upserts the dataset row.
	Persist bool
	// UseExisting returns the stored dataset for the signature, if any,
	// without running the function.
	UseExisting bool
	// Preview never reads or writes the cache.
	Preview bool
	Scope   tenant.Scope
	Task    TaskHandle
}

type MatrixOptions struct {
	UseExisting bool
	Scope       tenant.Scope
	Task        TaskHandle
}

// Result of one execution. Table is nil on a cache hit; use Engine.Load.
type Result struct {
	Dataset  *models.Dataset
	Table    *tabular.Table
	Extra    map[string]any
	CacheHit bool
	Created  bool
}

type Engine struct {
	repos     *repositories.Repositories
	store     storage.Store
	warehouse warehouse.Warehouse
	entities  *tenant.Registry
	functions *Registry
	tracker   errortracking.Tracker
	events    kafka.Publisher
	logger    ectologger.Logger
}

func NewEngine(
	repos *repositories.Repositories,
	store storage.Store,
	wh warehouse.Warehouse,
	entities *tenant.Registry,
	functions *Registry,
	tracker errortracking.Tracker,
	events kafka.Publisher,
	logger ectologger.Logger,
) *Engine {
	if events == nil {
		events = kafka.Nop{}
	}
	return &Engine{
		repos:     repos,
		store:     store,
		warehouse: wh,
		entities:  entities,
		functions: functions,
		tracker:   tracker,
		events:    events,
		logger:    logger,
	}
}

// Execute runs query once with args.
func (e *Engine) Execute(ctx context.Context, query *models.Query, args map[string]any, opts ExecuteOptions) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "Engine.Execute")
	defer span.End()
	span.SetAttributes(attribute.String("query.id", query.ID.String()), attribute.String("query.code", query.Code))

	batch := newBlobBatch(e.store, e.logger)
	res, err := e.execute(ctx, query, args, opts, batch)
	if err != nil {
		batch.rollback(ctx)
		tracing.RecordError(ctx, err)
		return nil, err
	}
	batch.commit(ctx)
	return res, nil
}

func (e *Engine) execute(ctx context.Context, query *models.Query, args map[string]any, opts ExecuteOptions, batch *blobBatch) (*Result, error) {
	if args == nil {
		args = map[string]any{}
	}
	hash := Signature(query.ID, args)
	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"query_id": query.ID,
		"hash":     hash,
	})

	var previous *models.Dataset
	if !opts.Preview && (opts.UseExisting || opts.Persist) {
		ds, err := e.repos.Datasets.GetByHash(ctx, query.ID, hash)
		switch {
		case err == nil:
			previous = ds
		case !repositories.IsNotFound(err):
			return nil, err
		}
	}
	if opts.UseExisting && previous != nil {
		metrics.RecordCacheHit(query.Name)
		log.Debug("dataset cache hit")
		return &Result{Dataset: previous, Extra: previous.Extra.Data, CacheHit: true}, nil
	}

	if opts.Task != nil && opts.Task.IsAborted() {
		return nil, ferrors.ErrQueryRunCanceled
	}

	def, ok := e.functions.Get(query.Code)
	if !ok {
		return nil, ferrors.NewValidationError("code", "unknown query function %q", query.Code)
	}
	entity, ok := e.entities.Get(query.Target)
	if !ok {
		return nil, ferrors.NewValidationError("target", "unknown entity type %q", query.Target)
	}
	scoped := warehouse.Scoped(e.warehouse, opts.Scope)
	src, err := scoped.Source(ctx, entity)
	if err != nil {
		return nil, err
	}

	env := &Environment{
		Query:     query,
		Source:    src,
		Warehouse: scoped,
		Args:      args,
		task:      opts.Task,
		done:      ctx.Done(),
		logger:    e.logger,
	}

	started := time.Now()
	value, err := def.Func(ctx, env)
	elapsed := time.Since(started)
	if err == nil && env.IsAborted() {
		err = ferrors.ErrQueryRunCanceled
	}
	if err != nil {
		return nil, e.runFailed(ctx, query, args, err, elapsed)
	}

	coerceStarted := time.Now()
	table, err := tabular.ToDataset(ctx, value)
	if err != nil {
		return nil, e.runFailed(ctx, query, args, err, elapsed)
	}
	metrics.RecordQueryExecution(query.Name, "success", elapsed.Seconds())

	ds := &models.Dataset{
		QueryID:   query.ID,
		Hash:      hash,
		LastRun:   time.Now().UTC(),
		Size:      table.Len(),
		Arguments: database.NewJSONB(args),
		Extra:     database.NewJSONB(env.extraPayload()),
		Info: database.NewJSONB(models.DatasetInfo{
			Type:      fmt.Sprintf("%T", value),
			Arguments: args,
			Timing: map[string]float64{
				"execution": elapsed.Seconds(),
				"coercion":  time.Since(coerceStarted).Seconds(),
			},
			Debug: env.debugEntries(),
		}),
	}
	res := &Result{Dataset: ds, Table: table, Extra: ds.Extra.Data}
	if opts.Preview || !opts.Persist {
		return res, nil
	}

	payload, err := tabular.Marshal(table)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize dataset: %w", err)
	}
	ds.Value = DatasetKey(query.ID, hash)
	if err := batch.put(ctx, ds.Value, payload, payloadContentType); err != nil {
		log.WithError(err).Error("failed to store dataset payload")
		return nil, fmt.Errorf("failed to store dataset payload: %w", err)
	}
	created, err := e.repos.Datasets.Upsert(ctx, ds)
	if err != nil {
		return nil, err
	}
	if previous != nil && previous.Value != ds.Value {
		batch.replace(previous.Value)
	}
	res.Created = created

	log.WithField("size", ds.Size).Debug("dataset stored")
	return res, nil
}

// runFailed turns a function failure into the error Execute returns.
// Cancellation passes through; anything else is captured and wrapped.
func (e *Engine) runFailed(ctx context.Context, query *models.Query, args map[string]any, err error, elapsed time.Duration) error {
	if ferrors.IsCanceled(err) || errors.Is(err, context.Canceled) {
		metrics.RecordQueryExecution(query.Name, "canceled", elapsed.Seconds())
		if ferrors.IsCanceled(err) {
			return err
		}
		return fmt.Errorf("%w: %v", ferrors.ErrQueryRunCanceled, err)
	}
	metrics.RecordQueryExecution(query.Name, "error", elapsed.Seconds())

	var runErr *ferrors.QueryRunError
	if errors.As(err, &runErr) {
		return err
	}
	trackingID := e.tracker.Capture(ctx, err, map[string]string{
		"query_id": query.ID.String(),
		"query":    query.Name,
	})
	e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
		"query_id":    query.ID,
		"tracking_id": trackingID,
	}).Error("query function failed")
	return &ferrors.QueryRunError{QueryID: query.ID, Arguments: args, TrackingID: trackingID, Err: err}
}

// Arguments expands the parametrizer bound to query; an unbound query runs
// once with no arguments.
func (e *Engine) Arguments(ctx context.Context, query *models.Query) ([]map[string]any, error) {
	if query.ParametrizerID == nil {
		return []map[string]any{{}}, nil
	}
	p, err := e.repos.Parametrizers.GetByID(ctx, *query.ParametrizerID)
	if err != nil {
		return nil, err
	}
	return parametrizer.Expand(p.Code, p.Value.Data)
}

// ExecuteMatrix runs query for every argument set of its parametrizer in one
// transaction. On success datasets outside the new result set are pruned and
// the query summary is cleared; on failure nothing is persisted and the error
// is recorded on the query.
func (e *Engine) ExecuteMatrix(ctx context.Context, query *models.Query, opts MatrixOptions) (map[string]uuid.UUID, error) {
	ctx, span := tracing.StartSpan(ctx, "Engine.ExecuteMatrix")
	defer span.End()
	span.SetAttributes(attribute.String("query.id", query.ID.String()))

	started := time.Now()
	results := map[string]uuid.UUID{}
	batch := newBlobBatch(e.store, e.logger)
	pruned := 0

	err := e.repos.WithTx(ctx, func(ctx context.Context) error {
		argsets, err := e.Arguments(ctx, query)
		if err != nil {
			return err
		}
		keep := make([]uuid.UUID, 0, len(argsets))
		for _, args := range argsets {
			if opts.Task != nil && opts.Task.IsAborted() {
				return ferrors.ErrQueryRunCanceled
			}
			res, err := e.execute(ctx, query, args, ExecuteOptions{
				Persist:     true,
				UseExisting: opts.UseExisting,
				Scope:       opts.Scope,
				Task:        opts.Task,
			}, batch)
			if err != nil {
				return err
			}
			results[parametrizer.Key(args)] = res.Dataset.ID
			keep = append(keep, res.Dataset.ID)
		}
		stale, err := e.repos.Datasets.DeleteExcept(ctx, query.ID, keep)
		if err != nil {
			return err
		}
		batch.prune(stale)
		pruned = len(stale)
		return nil
	})
	if err != nil {
		batch.rollback(ctx)
		tracing.RecordError(ctx, err)
		return nil, e.matrixFailed(ctx, query, err)
	}
	batch.commit(ctx)

	now := time.Now().UTC()
	if err := e.repos.Queries.UpdateSummary(ctx, query.ID, repositories.RunSummary{LastRun: &now}); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("query_id", query.ID).Warn("failed to update query summary")
	}
	query.LastRun, query.ErrorMessage, query.ErrorSentryID = &now, nil, nil

	metrics.RecordMatrixRun("success", pruned)
	e.publish(ctx, query, &kafka.Event{
		Type:   kafka.EventQueryExecuted,
		Status: "success",
		Attributes: map[string]any{
			"datasets": len(results),
			"pruned":   pruned,
			"seconds":  time.Since(started).Seconds(),
		},
	})
	e.logger.WithContext(ctx).WithFields(map[string]any{
		"query_id": query.ID,
		"datasets": len(results),
		"pruned":   pruned,
	}).Infof("query %s executed", query.Name)
	return results, nil
}

// matrixFailed records err on the query and returns the error the caller
// sees: cancellation as is, everything else as a QueryRunError carrying a
// tracking id.
func (e *Engine) matrixFailed(ctx context.Context, query *models.Query, err error) error {
	status := "error"
	var trackingID string
	if ferrors.IsCanceled(err) {
		status = "canceled"
	} else {
		trackingID = ferrors.TrackingID(err)
		if trackingID == "" {
			trackingID = e.tracker.Capture(ctx, err, map[string]string{
				"query_id": query.ID.String(),
				"query":    query.Name,
			})
		}
		var runErr *ferrors.QueryRunError
		if !errors.As(err, &runErr) {
			err = &ferrors.QueryRunError{QueryID: query.ID, TrackingID: trackingID, Err: err}
		}
	}

	now := time.Now().UTC()
	message := err.Error()
	summary := repositories.RunSummary{LastRun: &now, ErrorMessage: &message}
	if trackingID != "" {
		summary.ErrorSentryID = &trackingID
	}
	// the run's context may be the reason it failed
	recordCtx := context.WithoutCancel(ctx)
	if uerr := e.repos.Queries.UpdateSummary(recordCtx, query.ID, summary); uerr != nil {
		e.logger.WithContext(ctx).WithError(uerr).WithField("query_id", query.ID).Error("failed to record query failure")
	}
	query.LastRun, query.ErrorMessage, query.ErrorSentryID = summary.LastRun, summary.ErrorMessage, summary.ErrorSentryID

	metrics.RecordMatrixRun(status, 0)
	e.publish(recordCtx, query, &kafka.Event{
		Type:       kafka.EventQueryFailed,
		Status:     status,
		Error:      message,
		TrackingID: trackingID,
	})
	e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
		"query_id":    query.ID,
		"tracking_id": trackingID,
	}).Warnf("query %s failed", query.Name)
	return err
}

func (e *Engine) publish(ctx context.Context, query *models.Query, evt *kafka.Event) {
	evt.EntityKind = "query"
	evt.EntityID = query.ID.String()
	evt.TaskID = appctx.GetTaskID(ctx)
	if query.TenantID != nil {
		evt.TenantID = query.TenantID.String()
	}
	if err := e.events.PublishEvent(ctx, evt); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("event", evt.Type).Warn("failed to publish query event")
	}
}

// Load reads the payload of a stored dataset.
func (e *Engine) Load(ctx context.Context, ds *models.Dataset) (*tabular.Table, error) {
	ctx, span := tracing.StartSpan(ctx, "Engine.Load")
	defer span.End()

	if ds.Value == "" {
		return tabular.New(), nil
	}
	data, err := storage.ReadAll(ctx, e.store, ds.Value)
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("dataset_id", ds.ID).Error("failed to read dataset payload")
		return nil, fmt.Errorf("failed to read dataset %s: %w", ds.ID, err)
	}
	return tabular.Unmarshal(data)
}
