package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/haven-hmis/recordflow/pkg/db/pagination"
)

type ListEventsRequest struct {
	pagination.Pagination
	Operation string
	RecordID  snowflake.ID
	SubjectID snowflake.ID
	Actor     string
	StartAt   *time.Time
	EndAt     *time.Time
}

type ListEventsResponse struct {
	pagination.PageInfo
	Events []Event `json:"events"`
}

// Sink is the append-only boundary the lifecycle engine writes to.
type Sink interface {
	Append(ctx context.Context, event Event) error
	List(ctx context.Context, req ListEventsRequest) (ListEventsResponse, error)
}

// Repository persists audit events.
type Repository interface {
	Insert(ctx context.Context, event *Event) error
	List(ctx context.Context, filter ListFilter) ([]*Event, error)
}

var (
	ErrInvalidOperation = errors.New("invalid_operation")
	ErrInvalidRecord    = errors.New("invalid_record")
	ErrMissingActor     = errors.New("missing_actor")
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
)
