package models

import (
	"time"

	"github.com/google/uuid"
)

// Query is a named, parameterized extraction run against one warehouse
// entity. Code names a function in the query registry.
type Query struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	Name           string     `db:"name" json:"name"`
	Description    string     `db:"description" json:"description"`
	TenantID       *uuid.UUID `db:"tenant_id" json:"tenant_id,omitempty"`
	Owner          string     `db:"owner" json:"owner"`
	Target         string     `db:"target" json:"target"`
	Code           string     `db:"code" json:"code"`
	ParametrizerID *uuid.UUID `db:"parametrizer_id" json:"parametrizer_id,omitempty"`
	Active         bool       `db:"active" json:"active"`
	LastRun        *time.Time `db:"last_run" json:"last_run,omitempty"`
	ErrorMessage   *string    `db:"error_message" json:"error_message,omitempty"`
	ErrorSentryID  *string    `db:"error_sentry_id" json:"error_sentry_id,omitempty"`
	TaskID         *string    `db:"task_id" json:"task_id,omitempty"`
	Version        int        `db:"version" json:"version"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

func (Query) TableName() string {
	return "queries"
}

// EntityID and EntityVersion let the task layer treat queries and reports
// alike.
func (q *Query) EntityID() uuid.UUID { return q.ID }
func (q *Query) EntityVersion() int { return q.Version }
func (q *Query) OwnerName() string { return q.Owner }
func (q *Query) EntityTenantID() *uuid.UUID { return q.TenantID }
func (q *Query) CurrentTaskID() string {
	if q.TaskID == nil {
		return ""
	}
	return *q.TaskID
}
