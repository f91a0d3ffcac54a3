package errortracking_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/errortracking"
)

func TestNewWithoutDSNIsLocal(t *testing.T) {
	tracker, err := errortracking.New(errortracking.Config{}, ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
	require.NoError(t, err)

	id := tracker.Capture(context.Background(), fmt.Errorf("boom"), nil)
	assert.Len(t, id, 36)
	assert.True(t, tracker.Flush(0))
}

func TestRecorderAddsContextTags(t *testing.T) {
	rec := &errortracking.Recorder{}
	ctx := appctx.SetTaskID(context.Background(), "task-1")

	id := rec.Capture(ctx, fmt.Errorf("boom"), map[string]string{"query": "q"})
	require.Equal(t, 1, rec.Len())
	assert.Equal(t, id, rec.Events[0].ID)
	assert.Equal(t, "task-1", rec.Events[0].Tags["task_id"])
	assert.Equal(t, "q", rec.Events[0].Tags["query"])
}
