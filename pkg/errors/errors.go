package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"
)

var (
	// ErrQueryRunCanceled is returned when a run observes its abort flag or a
	// revoked marker before it starts.
	ErrQueryRunCanceled = stderrors.New("query run canceled")
	// ErrQueryRunTerminated is returned when the worker is asked to stop a
	// running task, either by a terminate broadcast or by SIGTERM/SIGINT.
	ErrQueryRunTerminated = stderrors.New("query run terminated")
	// ErrNoDatasetAvailable is returned when a report has nothing to render.
	ErrNoDatasetAvailable = stderrors.New("no dataset available")
)

// ValidationError reports a parameter specification that cannot be expanded.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// UnsupportedResultType reports a query result that cannot be coerced into a
// table.
type UnsupportedResultType struct {
	Type string
}

func NewUnsupportedResultType(v any) *UnsupportedResultType {
	return &UnsupportedResultType{Type: fmt.Sprintf("%T", v)}
}

func (e *UnsupportedResultType) Error() string {
	return fmt.Sprintf("unsupported result type %s", e.Type)
}

// QueryRunError wraps any failure raised while running a query body.
// TrackingID is the id of the event in the error-tracking system.
type QueryRunError struct {
	QueryID    uuid.UUID
	Arguments  map[string]any
	TrackingID string
	Err        error
}

func (e *QueryRunError) Error() string {
	return fmt.Sprintf("query %s failed: %v", e.QueryID, e.Err)
}

func (e *QueryRunError) Unwrap() error {
	return e.Err
}

// RecordModifiedError is raised when an update carries a version that is no
// longer current.
type RecordModifiedError struct {
	Entity   string
	ID       uuid.UUID
	Expected int
	Actual   int
}

func (e *RecordModifiedError) Error() string {
	return fmt.Sprintf("%s %s was modified (expected version %d, found %d)", e.Entity, e.ID, e.Expected, e.Actual)
}

// InvalidTenant is raised when tenant scoping is required and no tenant is
// active. It is a configuration error and is never turned into an empty
// result.
type InvalidTenant struct {
	Entity string
}

func (e *InvalidTenant) Error() string {
	if e.Entity == "" {
		return "tenant scoping required but no active tenant"
	}
	return fmt.Sprintf("tenant scoping required for %s but no active tenant", e.Entity)
}

func IsValidationError(err error) bool {
	var target *ValidationError
	return stderrors.As(err, &target)
}

func IsRecordModified(err error) bool {
	var target *RecordModifiedError
	return stderrors.As(err, &target)
}

func IsInvalidTenant(err error) bool {
	var target *InvalidTenant
	return stderrors.As(err, &target)
}

func IsCanceled(err error) bool {
	return stderrors.Is(err, ErrQueryRunCanceled) || stderrors.Is(err, ErrQueryRunTerminated)
}

// IsRetryable reports whether a task failing with err may be redelivered.
// Cancellation, stale versions and configuration errors never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsCanceled(err) || IsRecordModified(err) || IsInvalidTenant(err) || IsValidationError(err) ||
		stderrors.Is(err, ErrNoDatasetAvailable) {
		return false
	}
	var unsupported *UnsupportedResultType
	return !stderrors.As(err, &unsupported)
}

// TrackingID returns the error-tracking id carried by err, if any.
func TrackingID(err error) string {
	var runErr *QueryRunError
	if stderrors.As(err, &runErr) {
		return runErr.TrackingID
	}
	return ""
}

// ToHTTPError maps a domain error onto the status codes the service reports.
func ToHTTPError(err error) *httperror.HTTPError {
	if err == nil {
		return nil
	}
	if httperror.IsHTTPError(err) {
		return httperror.ToHTTPError(err)
	}

	var (
		validation  *ValidationError
		unsupported *UnsupportedResultType
		runErr      *QueryRunError
		modified    *RecordModifiedError
		tenant      *InvalidTenant
	)
	switch {
	case stderrors.As(err, &validation):
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error()).AddMetaValue("field", validation.Field)
	case stderrors.As(err, &unsupported):
		return httperror.NewHTTPError(http.StatusUnprocessableEntity, err.Error()).AddMetaValue("type", unsupported.Type)
	case IsCanceled(err):
		return httperror.NewHTTPError(http.StatusConflict, err.Error())
	case stderrors.Is(err, ErrNoDatasetAvailable):
		return httperror.NewHTTPError(http.StatusNotFound, err.Error())
	case stderrors.As(err, &modified):
		return httperror.NewHTTPError(http.StatusConflict, err.Error()).AddMetaValue("entity", modified.Entity)
	case stderrors.As(err, &tenant):
		return httperror.NewHTTPError(http.StatusInternalServerError, err.Error())
	case stderrors.As(err, &runErr):
		return httperror.NewHTTPError(http.StatusInternalServerError, err.Error()).AddMetaValue("tracking_id", runErr.TrackingID)
	default:
		return httperror.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
