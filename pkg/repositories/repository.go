package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/tenant"
)

// NotFound returns a 404 HTTP error with a descriptive message
func NotFound(format string, args ...any) error {
	return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf(format, args...))
}

// BadRequest returns a 400 HTTP error
func BadRequest(message string) error {
	return httperror.NewHTTPError(http.StatusBadRequest, message)
}

// IsNotFound reports whether err is a 404 repository error.
func IsNotFound(err error) bool {
	return httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusNotFound
}

// Repository provides the connection and logger shared by the postgres
// repositories.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// Conn returns the transaction in ctx or the database.
func (r *Repository) Conn(ctx context.Context) database.Querier {
	return database.Conn(ctx, r.db)
}

func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.db.WithTx(ctx, fn)
}

// NewPostgres wires every postgres repository to db.
func NewPostgres(db database.DB, logger ectologger.Logger) *Repositories {
	base := NewRepository(db, logger)
	return &Repositories{
		Transactor:    base,
		Queries:       &QueryRepository{Repository: base},
		Parametrizers: &ParametrizerRepository{Repository: base},
		Datasets:      &DatasetRepository{Repository: base},
		Formatters:    &FormatterRepository{Repository: base},
		Reports:       &ReportRepository{Repository: base},
		Documents:     &ReportDocumentRepository{Repository: base},
	}
}

// whereTenant restricts sb to rows visible under scope: the scope tenant's
// rows plus global rows.
func whereTenant(sb *database.SelectBuilder, scope tenant.Scope) error {
	if !scope.MustScope {
		return nil
	}
	active, err := scope.Active()
	if err != nil {
		return err
	}
	sb.Where(sb.Or(sb.IsNull("tenant_id"), sb.Equal("tenant_id", active.ID)))
	return nil
}

// versionConflict builds the error for a guarded update that matched no
// row: 404 when the row is gone, RecordModifiedError otherwise.
func (r *Repository) versionConflict(ctx context.Context, table, entity string, id uuid.UUID, expected int) error {
	sb := database.NewSelectBuilder()
	sb.Select("version").From(table).Where(sb.Equal("id", id))
	query, args := sb.Build()

	var actual int
	err := r.Conn(ctx).GetContext(ctx, &actual, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return NotFound("%s %s does not exist", entity, id)
	}
	if err != nil {
		return httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to read %s version", entity)
	}
	return &ferrors.RecordModifiedError{Entity: entity, ID: id, Expected: expected, Actual: actual}
}

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}
