// Package domain defines the append-only audit event log written by the
// record lifecycle engine.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Operation names follow "record.<verb>".
const (
	OpRecordCreated   = "record.created"
	OpRecordUpdated   = "record.updated"
	OpRecordCorrected = "record.corrected"
	OpRecordBackdated = "record.backdated"
	OpRecordDeleted   = "record.deleted"
)

// Event is one immutable audit entry. Rows are inserted and never
// updated or deleted.
type Event struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	Operation string       `gorm:"type:text;not null;index" json:"operation"`

	RecordID  snowflake.ID `gorm:"not null;index" json:"record_id"`
	SubjectID snowflake.ID `gorm:"not null;index" json:"subject_id"`
	Category  string       `gorm:"type:text;not null" json:"category"`

	Actor       string  `gorm:"not null" json:"actor"`
	PriorStatus *string `gorm:"type:text" json:"prior_status,omitempty"`
	NewStatus   *string `gorm:"type:text" json:"new_status,omitempty"`
	Reason      *string `gorm:"type:text" json:"reason,omitempty"`

	Metadata  datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"metadata,omitempty"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP;index" json:"created_at"`
}

// TableName sets the database table name.
func (Event) TableName() string { return "audit_events" }

// EventCursor is the keyset position for audit pagination.
type EventCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

// ListFilter narrows audit queries.
type ListFilter struct {
	Operation string
	RecordID  snowflake.ID
	SubjectID snowflake.ID
	Actor     string
	StartAt   *time.Time
	EndAt     *time.Time
	Cursor    *EventCursor
	Limit     int
}
