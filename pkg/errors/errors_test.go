package errors_test

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	ferrors "github.com/Ramsey-B/fern/pkg/errors"
)

func TestIsRetryable(t *testing.T) {
	assert.False(t, ferrors.IsRetryable(nil))
	assert.False(t, ferrors.IsRetryable(ferrors.ErrQueryRunCanceled))
	assert.False(t, ferrors.IsRetryable(fmt.Errorf("wrapped: %w", ferrors.ErrQueryRunTerminated)))
	assert.False(t, ferrors.IsRetryable(&ferrors.RecordModifiedError{Entity: "query"}))
	assert.False(t, ferrors.IsRetryable(&ferrors.InvalidTenant{}))
	assert.False(t, ferrors.IsRetryable(ferrors.NewUnsupportedResultType(42)))
	assert.True(t, ferrors.IsRetryable(&ferrors.QueryRunError{Err: fmt.Errorf("boom")}))
}

func TestToHTTPError(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{ferrors.NewValidationError("value", "bad"), http.StatusBadRequest},
		{ferrors.NewUnsupportedResultType(struct{}{}), http.StatusUnprocessableEntity},
		{ferrors.ErrQueryRunCanceled, http.StatusConflict},
		{&ferrors.RecordModifiedError{Entity: "report", ID: uuid.New()}, http.StatusConflict},
		{&ferrors.InvalidTenant{Entity: "offices"}, http.StatusInternalServerError},
		{&ferrors.QueryRunError{Err: fmt.Errorf("boom"), TrackingID: "abc"}, http.StatusInternalServerError},
		{httperror.NewHTTPError(http.StatusNotFound, "missing"), http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			assert.Equal(t, tc.code, httperror.GetStatusCode(ferrors.ToHTTPError(tc.err)))
		})
	}
}

func TestTrackingID(t *testing.T) {
	err := fmt.Errorf("outer: %w", &ferrors.QueryRunError{TrackingID: "evt-1", Err: fmt.Errorf("x")})
	assert.Equal(t, "evt-1", ferrors.TrackingID(err))
	assert.Equal(t, "", ferrors.TrackingID(fmt.Errorf("plain")))
}
