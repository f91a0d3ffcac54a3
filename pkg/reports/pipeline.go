// Package reports renders the datasets of a query through the formatters
// bound to a report and stores the resulting documents.
package reports

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/database"
	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/errortracking"
	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/formatters"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/queries"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/storage"
	"github.com/Ramsey-B/fern/pkg/tabular"
	"github.com/Ramsey-B/fern/pkg/tenant"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ErrNoDatasetAvailable is returned when the report's query has no non-empty
// dataset to render.
var ErrNoDatasetAvailable = ferrors.ErrNoDatasetAvailable

type ExecuteOptions struct {
	// RunQuery executes the query matrix before rendering.
	RunQuery bool
	Scope    tenant.Scope
	Task     queries.TaskHandle
}

// Result of rendering one dataset through one formatter. Either DocumentID
// is set or TrackingID and Error are.
type Result struct {
	DatasetID   uuid.UUID `json:"dataset_id"`
	FormatterID uuid.UUID `json:"formatter_id"`
	DocumentID  uuid.UUID `json:"document_id,omitempty"`
	Size        int       `json:"size,omitempty"`
	TrackingID  string    `json:"tracking_id,omitempty"`
	Error       string    `json:"error,omitempty"`
}

func (r Result) Failed() bool {
	return r.Error != ""
}

type Pipeline struct {
	repos      *repositories.Repositories
	engine     *queries.Engine
	store      storage.Store
	processors *formatters.Registry
	tracker    errortracking.Tracker
	events     kafka.Publisher
	titles     *expressions.Template
	logger     ectologger.Logger
}

func NewPipeline(
	repos *repositories.Repositories,
	engine *queries.Engine,
	store storage.Store,
	processors *formatters.Registry,
	tracker errortracking.Tracker,
	events kafka.Publisher,
	logger ectologger.Logger,
) *Pipeline {
	if events == nil {
		events = kafka.Nop{}
	}
	return &Pipeline{
		repos:      repos,
		engine:     engine,
		store:      store,
		processors: processors,
		tracker:    tracker,
		events:     events,
		titles:     expressions.NewTemplate(nil),
		logger:     logger,
	}
}

// Execute renders every non-empty dataset of the report's query through
// every bound formatter. A failing pair is recorded in its Result and does
// not stop the others.
func (p *Pipeline) Execute(ctx context.Context, report *models.Report, opts ExecuteOptions) ([]Result, error) {
	ctx, span := tracing.StartSpan(ctx, "Pipeline.Execute")
	defer span.End()
	span.SetAttributes(attribute.String("report.id", report.ID.String()))

	results, err := p.execute(ctx, report, opts)
	if err != nil {
		tracing.RecordError(ctx, err)
		p.recordFailure(ctx, report, err)
		return results, err
	}

	failed := 0
	for _, res := range results {
		if res.Failed() {
			failed++
		}
	}
	now := time.Now().UTC()
	summary := repositories.RunSummary{LastRun: &now}
	if failed > 0 {
		message := fmt.Sprintf("%d of %d documents failed to render", failed, len(results))
		summary.ErrorMessage = &message
	}
	if err := p.repos.Reports.UpdateSummary(ctx, report.ID, summary); err != nil {
		p.logger.WithContext(ctx).WithError(err).WithField("report_id", report.ID).Warn("failed to update report summary")
	}
	report.LastRun, report.ErrorMessage = summary.LastRun, summary.ErrorMessage

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"report_id": report.ID,
		"documents": len(results) - failed,
		"failed":    failed,
	}).Infof("report %s rendered", report.Name)
	return results, nil
}

func (p *Pipeline) execute(ctx context.Context, report *models.Report, opts ExecuteOptions) ([]Result, error) {
	query, err := p.repos.Queries.GetByID(ctx, report.QueryID)
	if err != nil {
		return nil, err
	}
	if report.Protect && report.Password == "" {
		return nil, ferrors.NewValidationError("password", "protected report %s has no password", report.Name)
	}

	if opts.RunQuery {
		if _, err := p.engine.ExecuteMatrix(ctx, query, queries.MatrixOptions{Scope: opts.Scope, Task: opts.Task}); err != nil {
			return nil, err
		}
	}

	all, err := p.repos.Datasets.ListByQuery(ctx, query.ID)
	if err != nil {
		return nil, err
	}
	datasets := slices.DeleteFunc(all, func(ds models.Dataset) bool { return ds.Size <= 0 })
	if len(datasets) == 0 {
		return nil, ErrNoDatasetAvailable
	}

	bound, err := p.repos.Formatters.ListByIDs(ctx, report.FormatterIDs)
	if err != nil {
		return nil, err
	}
	if len(bound) == 0 {
		return nil, ferrors.NewValidationError("formatters", "report %s has no formatters", report.Name)
	}
	slices.SortFunc(bound, func(a, b models.Formatter) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID.String(), b.ID.String()))
	})
	slices.SortFunc(datasets, func(a, b models.Dataset) int { return cmp.Compare(a.Hash, b.Hash) })

	templates := make(map[uuid.UUID]templateBlob, len(bound))
	results := make([]Result, 0, len(datasets)*len(bound))
	for i := range datasets {
		ds := &datasets[i]
		table, loadErr := p.engine.Load(ctx, ds)
		if loadErr != nil {
			loadErr = fmt.Errorf("failed to load dataset %s: %w", ds.ID, loadErr)
		}
		for j := range bound {
			if err := p.interrupted(ctx, opts.Task); err != nil {
				return results, err
			}
			in := pairInput{table: table, err: loadErr}
			if in.err == nil {
				in.template, in.err = p.template(ctx, &bound[j], templates)
			}
			results = append(results, p.renderDocument(ctx, report, ds, &bound[j], in))
		}
	}
	return results, nil
}

// pairInput is what one (dataset, formatter) pair renders from. err is set
// when the dataset payload or the formatter template could not be read.
type pairInput struct {
	table    *tabular.Table
	template []byte
	err      error
}

type templateBlob struct {
	data []byte
	err  error
}

// template reads the template document bound to f once per report run.
func (p *Pipeline) template(ctx context.Context, f *models.Formatter, cache map[uuid.UUID]templateBlob) ([]byte, error) {
	if f.TemplateKey == nil || *f.TemplateKey == "" {
		return nil, nil
	}
	if blob, ok := cache[f.ID]; ok {
		return blob.data, blob.err
	}
	data, err := storage.ReadAll(ctx, p.store, *f.TemplateKey)
	if err != nil {
		err = fmt.Errorf("failed to read template of formatter %s: %w", f.Name, err)
	}
	cache[f.ID] = templateBlob{data: data, err: err}
	return data, err
}

func (p *Pipeline) interrupted(ctx context.Context, task queries.TaskHandle) error {
	if task != nil && task.IsAborted() {
		return ferrors.ErrQueryRunCanceled
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ferrors.ErrQueryRunCanceled, err)
	}
	return nil
}

// Context builds the render context of one dataset and formatter. The title
// is interpolated against it and left as written when an expression does
// not resolve.
func (p *Pipeline) Context(report *models.Report, ds *models.Dataset, f *models.Formatter) *expressions.Context {
	rctx := &expressions.Context{
		Arguments: ds.Arguments.Data,
		Extra:     ds.Extra.Data,
		Values:    report.Context.Data,
		Report: map[string]any{
			"id":    report.ID.String(),
			"name":  report.Name,
			"title": report.Title,
		},
		Dataset: map[string]any{
			"id":        ds.ID.String(),
			"hash":      ds.Hash,
			"size":      ds.Size,
			"last_run":  ds.LastRun,
			"arguments": ds.Arguments.Data,
		},
		Formatter: map[string]any{
			"id":        f.ID.String(),
			"name":      f.Name,
			"processor": f.Processor,
		},
	}
	rctx.Title = p.titles.RenderOrRaw(report.Title, rctx.ToMap())
	return rctx
}

func (p *Pipeline) renderDocument(
	ctx context.Context,
	report *models.Report,
	ds *models.Dataset,
	f *models.Formatter,
	in pairInput,
) Result {
	ctx, span := tracing.StartSpan(ctx, "Pipeline.renderDocument")
	defer span.End()

	res := Result{DatasetID: ds.ID, FormatterID: f.ID}
	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"report_id":    report.ID,
		"dataset_id":   ds.ID,
		"formatter_id": f.ID,
	})

	var (
		written string
		doc     *models.ReportDocument
		err     = in.err
	)
	if err == nil {
		doc, err = p.render(ctx, report, ds, in.table, f, in.template, &written)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		res.Error = err.Error()
		res.TrackingID = p.tracker.Capture(ctx, err, map[string]string{
			"report_id":    report.ID.String(),
			"dataset_id":   ds.ID.String(),
			"formatter_id": f.ID.String(),
		})
		p.discard(ctx, report, ds, f, written)
		log.WithError(err).WithField("tracking_id", res.TrackingID).Warn("failed to render report document")
		p.publish(ctx, report, &kafka.Event{
			Type:       kafka.EventReportFailed,
			Status:     "error",
			Error:      res.Error,
			TrackingID: res.TrackingID,
			Attributes: map[string]any{"dataset_id": ds.ID.String(), "formatter_id": f.ID.String()},
		})
		return res
	}

	res.DocumentID, res.Size = doc.ID, doc.Size
	log.WithField("size", doc.Size).Debug("report document stored")
	p.publish(ctx, report, &kafka.Event{
		Type:   kafka.EventReportRendered,
		Status: "success",
		Attributes: map[string]any{
			"dataset_id":   ds.ID.String(),
			"formatter_id": f.ID.String(),
			"document_id":  doc.ID.String(),
			"size":         doc.Size,
		},
	})
	return res
}

// render produces, stores and records one document. written receives the
// blob key once the output is stored.
func (p *Pipeline) render(
	ctx context.Context,
	report *models.Report,
	ds *models.Dataset,
	table *tabular.Table,
	f *models.Formatter,
	template []byte,
	written *string,
) (*models.ReportDocument, error) {
	proc, _, err := formatters.Resolve(p.processors, f)
	if err != nil {
		return nil, err
	}
	rctx := p.Context(report, ds, f)

	started := time.Now()
	out, err := formatters.Render(ctx, p.processors, f, table, rctx, template)
	if err != nil {
		return nil, err
	}
	rendered := time.Since(started)

	filename := EntryName(report.ID, ds.ID, f.ID, proc.Suffix())
	contentType := proc.ContentType()
	archived := report.Compress || report.Protect
	if archived {
		password := ""
		if report.Protect {
			password = report.Password
		}
		if out, err = archive(filename, out, password); err != nil {
			return nil, err
		}
		filename += ".zip"
		contentType = ArchiveContentType
	}

	previous, err := p.repos.Documents.Get(ctx, report.ID, ds.ID, f.ID)
	if err != nil && !repositories.IsNotFound(err) {
		return nil, err
	}

	key := queries.DocumentPrefix(ds.ID) + filename
	if _, err := storage.PutBytes(ctx, p.store, key, out, contentType); err != nil {
		return nil, fmt.Errorf("failed to store document: %w", err)
	}
	*written = key

	doc := &models.ReportDocument{
		ReportID:    report.ID,
		DatasetID:   ds.ID,
		FormatterID: f.ID,
		Title:       rctx.Title,
		Filename:    filename,
		ContentType: contentType,
		Output:      key,
		Size:        len(out),
		Arguments:   database.NewJSONB(ds.Arguments.Data),
		Info: database.NewJSONB(models.RenderInfo{
			Timing: map[string]float64{
				"render": rendered.Seconds(),
				"total":  time.Since(started).Seconds(),
			},
			Compressed: archived,
			Encrypted:  report.Protect,
			Processor:  proc.Key(),
		}),
	}
	if err := p.repos.Documents.Upsert(ctx, doc); err != nil {
		return nil, err
	}
	if previous != nil && previous.Output != key && previous.Output != "" {
		if err := p.store.Delete(ctx, previous.Output); err != nil && !errors.Is(err, storage.ErrNotFound) {
			p.logger.WithContext(ctx).WithError(err).WithField("key", previous.Output).Warn("failed to delete replaced document")
		}
	}
	return doc, nil
}

// discard removes whatever a failed pair left behind, including a document
// from an earlier run that no longer matches the dataset.
func (p *Pipeline) discard(ctx context.Context, report *models.Report, ds *models.Dataset, f *models.Formatter, written string) {
	ctx = context.WithoutCancel(ctx)
	keys := []string{}
	if written != "" {
		keys = append(keys, written)
	}
	doc, err := p.repos.Documents.DeleteByKey(ctx, report.ID, ds.ID, f.ID)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).WithField("dataset_id", ds.ID).Warn("failed to delete report document")
	}
	if doc != nil && doc.Output != "" && doc.Output != written {
		keys = append(keys, doc.Output)
	}
	for _, key := range keys {
		if err := p.store.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			p.logger.WithContext(ctx).WithError(err).WithField("key", key).Warn("failed to delete document blob")
		}
	}
}

func (p *Pipeline) recordFailure(ctx context.Context, report *models.Report, err error) {
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()
	message := err.Error()
	if uerr := p.repos.Reports.UpdateSummary(ctx, report.ID, repositories.RunSummary{LastRun: &now, ErrorMessage: &message}); uerr != nil {
		p.logger.WithContext(ctx).WithError(uerr).WithField("report_id", report.ID).Error("failed to record report failure")
	}
	report.LastRun, report.ErrorMessage = &now, &message

	status := "error"
	if ferrors.IsCanceled(err) {
		status = "canceled"
	}
	p.publish(ctx, report, &kafka.Event{
		Type:       kafka.EventReportFailed,
		Status:     status,
		Error:      message,
		TrackingID: ferrors.TrackingID(err),
	})
	p.logger.WithContext(ctx).WithError(err).WithField("report_id", report.ID).Warnf("report %s failed", report.Name)
}

func (p *Pipeline) publish(ctx context.Context, report *models.Report, evt *kafka.Event) {
	evt.EntityKind = "report"
	evt.EntityID = report.ID.String()
	evt.TaskID = appctx.GetTaskID(ctx)
	if report.TenantID != nil {
		evt.TenantID = report.TenantID.String()
	}
	if err := p.events.PublishEvent(ctx, evt); err != nil {
		p.logger.WithContext(ctx).WithError(err).WithField("event", evt.Type).Warn("failed to publish report event")
	}
}

// Open reads the stored output of a document.
func (p *Pipeline) Open(ctx context.Context, doc *models.ReportDocument) ([]byte, error) {
	ctx, span := tracing.StartSpan(ctx, "Pipeline.Open")
	defer span.End()
	return storage.ReadAll(ctx, p.store, doc.Output)
}
