package models

import (
	"time"

	"github.com/google/uuid"
)

type RenderMode string

const (
	RenderModeList   RenderMode = "list"
	RenderModeDetail RenderMode = "detail"
)

// Formatter binds a processor to an optional inline template (Code) and an
// optional template document stored in blob storage (TemplateKey).
type Formatter struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	Name        string     `db:"name" json:"name"`
	Processor   string     `db:"processor" json:"processor"`
	Mode        RenderMode `db:"mode" json:"mode"`
	Code        string     `db:"code" json:"code"`
	TemplateKey *string    `db:"template_key" json:"template_key,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

func (Formatter) TableName() string {
	return "formatters"
}
