package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
)

// Parametrizer declares the argument matrix of a query. Value is kept as raw
// JSON so that mapping key order survives storage.
type Parametrizer struct {
	ID            uuid.UUID                       `db:"id" json:"id"`
	Code          string                          `db:"code" json:"code"`
	Name          string                          `db:"name" json:"name"`
	Value         database.JSONB[json.RawMessage] `db:"value" json:"value"`
	System        bool                            `db:"system" json:"system"`
	SourceQueryID *uuid.UUID                      `db:"source_query_id" json:"source_query_id,omitempty"`
	CreatedAt     time.Time                       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time                       `db:"updated_at" json:"updated_at"`
}

func (Parametrizer) TableName() string {
	return "parametrizers"
}
