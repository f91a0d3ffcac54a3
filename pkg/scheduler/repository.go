package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ReportSource lists the reports the scheduler considers. It reads across
// tenants.
type ReportSource interface {
	ListActive(ctx context.Context) ([]models.Report, error)
}

// DueReports returns the reports due at now, least recently run first,
// at most limit of them.
func DueReports(ctx context.Context, source ReportSource, now time.Time, limit int) ([]models.Report, error) {
	ctx, span := tracing.StartSpan(ctx, "scheduler.DueReports")
	defer span.End()

	active, err := source.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	due := make([]models.Report, 0, len(active))
	for _, r := range active {
		if r.Due(now) {
			due = append(due, r)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		a, b := due[i].LastRun, due[j].LastRun
		switch {
		case a == nil:
			return b != nil
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}
