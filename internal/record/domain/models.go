// Package domain contains the bitemporal record model shared by every
// program-specific data element (PSDE) lineage.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// LifecycleStatus represents where a record sits in its lineage.
// SUPERSEDED, CORRECTED, and DELETED are terminal for the record itself;
// the lineage continues through the replacing record.
type LifecycleStatus string

const (
	StatusActive     LifecycleStatus = "ACTIVE"
	StatusSuperseded LifecycleStatus = "SUPERSEDED"
	StatusCorrected  LifecycleStatus = "CORRECTED"
	StatusDeleted    LifecycleStatus = "DELETED"
)

// Terminal reports whether a record in this status may never change again.
func (s LifecycleStatus) Terminal() bool {
	return s == StatusSuperseded || s == StatusCorrected || s == StatusDeleted
}

// Category identifies which data element a record tracks. The engine is
// generic over categories; only the conflict key and the validation rule
// set differ between them.
type Category string

const (
	CategoryIntakeAssessment       Category = "intake_assessment"
	CategoryDisability             Category = "disability"
	CategoryDomesticViolence       Category = "domestic_violence"
	CategoryIncomeBenefits         Category = "income_benefits"
	CategoryHealthInsurance        Category = "health_insurance"
	CategoryBedNight               Category = "bed_night"
	CategoryEngagementDate         Category = "engagement_date"
	CategoryCurrentLivingSituation Category = "current_living_situation"
)

// Categories lists every known category in registration order.
func Categories() []Category {
	return []Category{
		CategoryIntakeAssessment,
		CategoryDisability,
		CategoryDomesticViolence,
		CategoryIncomeBenefits,
		CategoryHealthInsurance,
		CategoryBedNight,
		CategoryEngagementDate,
		CategoryCurrentLivingSituation,
	}
}

func (c Category) Valid() bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}
	return false
}

// DateScoped reports whether the category's conflict key includes the
// information date. Point-in-time observations (bed nights, living
// situations, intake assessments) may hold one ACTIVE record per date;
// status-style elements keep a single ACTIVE record per subject.
func (c Category) DateScoped() bool {
	switch c {
	case CategoryBedNight, CategoryCurrentLivingSituation, CategoryIntakeAssessment:
		return true
	default:
		return false
	}
}

// CorrectionReason is the closed set of HUD-auditable correction causes.
type CorrectionReason string

const (
	ReasonDataEntryError   CorrectionReason = "DATA_ENTRY_ERROR"
	ReasonClientCorrection CorrectionReason = "CLIENT_CORRECTION"
	ReasonSystemError      CorrectionReason = "SYSTEM_ERROR"
	ReasonPolicyChange     CorrectionReason = "POLICY_CHANGE"
	ReasonAuditFinding     CorrectionReason = "AUDIT_FINDING"
	ReasonSupervisorReview CorrectionReason = "SUPERVISOR_REVIEW"
)

func (r CorrectionReason) Valid() bool {
	switch r {
	case ReasonDataEntryError, ReasonClientCorrection, ReasonSystemError,
		ReasonPolicyChange, ReasonAuditFinding, ReasonSupervisorReview:
		return true
	}
	return false
}

// Window is a half-open [Start, End) system-time interval. A nil End means
// the window is still open.
type Window struct {
	Start time.Time
	End   *time.Time
}

// Overlaps reports whether two half-open windows intersect.
func (w Window) Overlaps(other Window) bool {
	if other.End != nil && !other.End.After(w.Start) {
		return false
	}
	if w.End != nil && !w.End.After(other.Start) {
		return false
	}
	return true
}

// Record is one member of a data-element lineage. Once EffectiveEnd is
// set the row is append-only history and must never change again.
type Record struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	SubjectID snowflake.ID `gorm:"not null;index:ix_records_subject_category,priority:1" json:"subject_id"`
	Category  Category     `gorm:"type:text;not null;index:ix_records_subject_category,priority:2" json:"category"`

	// InformationDate is the business-meaningful as-of date, independent
	// of the system-time validity window below.
	InformationDate time.Time `gorm:"type:date;not null" json:"information_date"`

	EffectiveStart time.Time       `gorm:"not null" json:"effective_start"`
	EffectiveEnd   *time.Time      `gorm:"" json:"effective_end,omitempty"`
	Status         LifecycleStatus `gorm:"type:text;not null" json:"lifecycle_status"`

	// Version counts update supersessions within one lineage branch.
	// LockVersion is the optimistic-concurrency counter and has no
	// business meaning.
	Version     int   `gorm:"not null" json:"version"`
	LockVersion int64 `gorm:"not null;default:0" json:"-"`

	IsCorrection         bool          `gorm:"not null;default:false" json:"is_correction"`
	CorrectsRecordID     *snowflake.ID `gorm:"" json:"corrects_record_id,omitempty"`
	SupersedesRecordID   *snowflake.ID `gorm:"" json:"supersedes_record_id,omitempty"`
	SupersededByRecordID *snowflake.ID `gorm:"" json:"superseded_by_record_id,omitempty"`

	IsBackdated bool `gorm:"not null;default:false" json:"is_backdated"`

	IdempotencyKey *string `gorm:"uniqueIndex:ux_records_idempotency_key" json:"-"`

	Payload datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"payload"`

	Actor        string     `gorm:"not null" json:"actor"`
	SupersededAt *time.Time `gorm:"" json:"superseded_at,omitempty"`
	CorrectedAt  *time.Time `gorm:"" json:"corrected_at,omitempty"`
	CreatedAt    time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Record) TableName() string { return "records" }

func (r *Record) IsActive() bool {
	return r.Status == StatusActive
}

// EffectiveWindow returns the record's system-time validity window.
func (r *Record) EffectiveWindow() Window {
	return Window{Start: r.EffectiveStart, End: r.EffectiveEnd}
}

// Clone performs an explicit deep copy. Candidate versions are always
// built from a clone so a failed validation never touches the original.
func (r *Record) Clone() *Record {
	dup := *r
	if r.EffectiveEnd != nil {
		end := *r.EffectiveEnd
		dup.EffectiveEnd = &end
	}
	if r.CorrectsRecordID != nil {
		id := *r.CorrectsRecordID
		dup.CorrectsRecordID = &id
	}
	if r.SupersedesRecordID != nil {
		id := *r.SupersedesRecordID
		dup.SupersedesRecordID = &id
	}
	if r.SupersededByRecordID != nil {
		id := *r.SupersededByRecordID
		dup.SupersededByRecordID = &id
	}
	if r.IdempotencyKey != nil {
		key := *r.IdempotencyKey
		dup.IdempotencyKey = &key
	}
	if r.SupersededAt != nil {
		ts := *r.SupersededAt
		dup.SupersededAt = &ts
	}
	if r.CorrectedAt != nil {
		ts := *r.CorrectedAt
		dup.CorrectedAt = &ts
	}
	dup.Payload = make(datatypes.JSONMap, len(r.Payload))
	for key, value := range r.Payload {
		dup.Payload[key] = value
	}
	return &dup
}
