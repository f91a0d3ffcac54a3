package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
)

// DebugEntry is one line written by a query body through its debug callable.
type DebugEntry struct {
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
	At      time.Time      `json:"at"`
}

type DatasetInfo struct {
	Type      string             `json:"type"`
	Arguments map[string]any     `json:"arguments"`
	Timing    map[string]float64 `json:"timing"`
	Debug     []DebugEntry       `json:"debug,omitempty"`
}

// Dataset is the cached result of one query run for one argument set. The
// tabular payload lives in blob storage under Value.
type Dataset struct {
	ID        uuid.UUID                      `db:"id" json:"id"`
	QueryID   uuid.UUID                      `db:"query_id" json:"query_id"`
	Hash      string                         `db:"hash" json:"hash"`
	LastRun   time.Time                      `db:"last_run" json:"last_run"`
	Size      int                            `db:"size" json:"size"`
	Value     string                         `db:"value" json:"value"`
	Arguments database.JSONB[map[string]any] `db:"arguments" json:"arguments"`
	Extra     database.JSONB[map[string]any] `db:"extra" json:"extra"`
	Info      database.JSONB[DatasetInfo]    `db:"info" json:"info"`
	CreatedAt time.Time                      `db:"created_at" json:"created_at"`
	UpdatedAt time.Time                      `db:"updated_at" json:"updated_at"`
}

func (Dataset) TableName() string {
	return "datasets"
}
