package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type CreateRecordRequest struct {
	SubjectID       snowflake.ID
	Category        Category
	InformationDate time.Time
	Payload         datatypes.JSONMap
	Actor           string
	IdempotencyKey  string
}

type UpdateRecordRequest struct {
	RecordID       snowflake.ID
	Changes        map[string]any
	Actor          string
	IdempotencyKey string
}

type CorrectRecordRequest struct {
	RecordID       snowflake.ID
	Changes        map[string]any
	Reason         CorrectionReason
	Actor          string
	IdempotencyKey string
}

type BackdateRecordRequest struct {
	SubjectID       snowflake.ID
	Category        Category
	InformationDate time.Time
	EffectiveAsOf   time.Time
	Payload         datatypes.JSONMap
	Reason          string
	Actor           string
	IdempotencyKey  string

	// Override carries the supervisor capability that bypasses the
	// backdating window and correction precedence. It is supplied by
	// the calling boundary, never assumed.
	Override bool
}

type DeleteRecordRequest struct {
	RecordID       snowflake.ID
	Reason         string
	Actor          string
	IdempotencyKey string
}

// Service is the lifecycle manager every data element category shares.
type Service interface {
	Create(ctx context.Context, req CreateRecordRequest) (*Record, error)
	Update(ctx context.Context, req UpdateRecordRequest) (*Record, error)
	Correct(ctx context.Context, req CorrectRecordRequest) (*Record, error)
	Backdate(ctx context.Context, req BackdateRecordRequest) (*Record, error)
	Delete(ctx context.Context, req DeleteRecordRequest) (*Record, error)

	ActiveAsOf(ctx context.Context, subjectID snowflake.ID, category Category, asOf time.Time) (*Record, error)
	History(ctx context.Context, subjectID snowflake.ID, category Category) ([]*Record, error)
	AuditChain(ctx context.Context, recordID snowflake.ID) ([]*Record, error)
}

var (
	ErrNotFound               = errors.New("record_not_found")
	ErrConflict               = errors.New("active_record_exists")
	ErrInvalidState           = errors.New("invalid_lifecycle_state")
	ErrPolicyViolation        = errors.New("backdate_window_exceeded")
	ErrCorrectionPrecedence   = errors.New("correction_precedence")
	ErrConcurrentModification = errors.New("concurrent_modification")
	ErrInvalidSubject         = errors.New("invalid_subject")
	ErrInvalidCategory        = errors.New("invalid_category")
	ErrInvalidReason          = errors.New("invalid_reason")
	ErrMissingActor           = errors.New("missing_actor")
	ErrMissingInformationDate = errors.New("missing_information_date")
)

// FieldError reports one rule violation on one payload field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationResult aggregates every violation found in one pass.
type ValidationResult struct {
	Valid  bool
	Errors []FieldError
}

// ValidationFailedError carries the complete violation set back to the
// caller so a form can surface every problem at once.
type ValidationFailedError struct {
	Errors []FieldError
}

func (e *ValidationFailedError) Error() string {
	if len(e.Errors) == 0 {
		return "validation_failed"
	}
	fields := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		fields = append(fields, fe.Field)
	}
	return fmt.Sprintf("validation_failed: %s", strings.Join(fields, ", "))
}

// IsValidationFailed extracts a ValidationFailedError from err if present.
func IsValidationFailed(err error) (*ValidationFailedError, bool) {
	var vErr *ValidationFailedError
	if errors.As(err, &vErr) {
		return vErr, true
	}
	return nil, false
}
