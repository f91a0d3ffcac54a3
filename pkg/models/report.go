package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
)

// Report renders every dataset of one query through each bound formatter.
type Report struct {
	ID           uuid.UUID                      `db:"id" json:"id"`
	Name         string                         `db:"name" json:"name"`
	Title        string                         `db:"title" json:"title"`
	QueryID      uuid.UUID                      `db:"query_id" json:"query_id"`
	TenantID     *uuid.UUID                     `db:"tenant_id" json:"tenant_id,omitempty"`
	Owner        string                         `db:"owner" json:"owner"`
	Recipients   database.JSONB[[]string]       `db:"recipients" json:"recipients"`
	Context      database.JSONB[map[string]any] `db:"context" json:"context"`
	Compress     bool                           `db:"compress" json:"compress"`
	Protect      bool                           `db:"protect" json:"protect"`
	Password     string                         `db:"password" json:"-"`
	Active       bool                           `db:"active" json:"active"`
	Every        *string                        `db:"every" json:"every,omitempty"`
	ValidFrom    *time.Time                     `db:"valid_from" json:"valid_from,omitempty"`
	ValidUntil   *time.Time                     `db:"valid_until" json:"valid_until,omitempty"`
	LastRun      *time.Time                     `db:"last_run" json:"last_run,omitempty"`
	ErrorMessage *string                        `db:"error_message" json:"error_message,omitempty"`
	TaskID       *string                        `db:"task_id" json:"task_id,omitempty"`
	Version      int                            `db:"version" json:"version"`
	CreatedAt    time.Time                      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time                      `db:"updated_at" json:"updated_at"`

	// FormatterIDs is the many-to-many binding, stored in report_formatters.
	FormatterIDs []uuid.UUID `db:"-" json:"formatter_ids"`
}

func (Report) TableName() string {
	return "reports"
}

func (r *Report) EntityID() uuid.UUID { return r.ID }
func (r *Report) EntityVersion() int { return r.Version }
func (r *Report) OwnerName() string { return r.Owner }

// Distribution is the allow-list of principals the report is shared with.
func (r *Report) Distribution() []string { return r.Recipients.Data }

func (r *Report) EntityTenantID() *uuid.UUID { return r.TenantID }
func (r *Report) CurrentTaskID() string {
	if r.TaskID == nil {
		return ""
	}
	return *r.TaskID
}

// Interval parses Every. A missing or malformed value means the report is
// not scheduled.
func (r *Report) Interval() (time.Duration, bool) {
	if r.Every == nil || *r.Every == "" {
		return 0, false
	}
	d, err := time.ParseDuration(*r.Every)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// Due reports whether a scheduled report should run at now.
func (r *Report) Due(now time.Time) bool {
	if !r.Active {
		return false
	}
	every, ok := r.Interval()
	if !ok {
		return false
	}
	if r.ValidFrom != nil && now.Before(*r.ValidFrom) {
		return false
	}
	if r.ValidUntil != nil && now.After(*r.ValidUntil) {
		return false
	}
	return r.LastRun == nil || !now.Before(r.LastRun.Add(every))
}

type RenderInfo struct {
	Timing     map[string]float64 `json:"timing"`
	Compressed bool               `json:"compressed"`
	Encrypted  bool               `json:"encrypted"`
	Processor  string             `json:"processor"`
}

// ReportDocument is the rendered artifact for one (report, dataset,
// formatter) triple. Output is the blob key of the artifact.
type ReportDocument struct {
	ID          uuid.UUID                      `db:"id" json:"id"`
	ReportID    uuid.UUID                      `db:"report_id" json:"report_id"`
	DatasetID   uuid.UUID                      `db:"dataset_id" json:"dataset_id"`
	FormatterID uuid.UUID                      `db:"formatter_id" json:"formatter_id"`
	Title       string                         `db:"title" json:"title"`
	Filename    string                         `db:"filename" json:"filename"`
	ContentType string                         `db:"content_type" json:"content_type"`
	Output      string                         `db:"output" json:"output"`
	Size        int                            `db:"size" json:"size"`
	Arguments   database.JSONB[map[string]any] `db:"arguments" json:"arguments"`
	Info        database.JSONB[RenderInfo]     `db:"info" json:"info"`
	CreatedAt   time.Time                      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time                      `db:"updated_at" json:"updated_at"`
}

func (ReportDocument) TableName() string {
	return "report_documents"
}
