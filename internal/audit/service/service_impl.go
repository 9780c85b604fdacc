package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/haven-hmis/recordflow/internal/audit/domain"
	"github.com/haven-hmis/recordflow/internal/clock"
	"github.com/haven-hmis/recordflow/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type Params struct {
	fx.In

	Log   *zap.Logger
	Clock clock.Clock
	GenID *snowflake.Node
	Repo  auditdomain.Repository
}

// Service is the database-backed audit sink.
type Service struct {
	log   *zap.Logger
	clock clock.Clock
	genID *snowflake.Node
	repo  auditdomain.Repository
}

func NewService(p Params) auditdomain.Sink {
	return &Service{
		log:   p.Log.Named("audit.service"),
		clock: p.Clock,
		genID: p.GenID,
		repo:  p.Repo,
	}
}

func (s *Service) Append(ctx context.Context, event auditdomain.Event) error {
	event.Operation = strings.TrimSpace(event.Operation)
	if event.Operation == "" {
		return auditdomain.ErrInvalidOperation
	}
	if event.RecordID == 0 {
		return auditdomain.ErrInvalidRecord
	}
	event.Actor = strings.TrimSpace(event.Actor)
	if event.Actor == "" {
		return auditdomain.ErrMissingActor
	}

	if event.ID == 0 {
		event.ID = s.genID.Generate()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.clock.Now()
	}
	if event.Metadata == nil {
		event.Metadata = datatypes.JSONMap{}
	}

	if err := s.repo.Insert(ctx, &event); err != nil {
		s.log.Warn("failed to append audit event",
			zap.String("operation", event.Operation),
			zap.Int64("record_id", int64(event.RecordID)),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, req auditdomain.ListEventsRequest) (auditdomain.ListEventsResponse, error) {
	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return auditdomain.ListEventsResponse{}, auditdomain.ErrInvalidTimeRange
	}

	var cursor *auditdomain.EventCursor
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return auditdomain.ListEventsResponse{}, auditdomain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339, decoded.CreatedAt)
		if err != nil {
			return auditdomain.ListEventsResponse{}, auditdomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return auditdomain.ListEventsResponse{}, auditdomain.ErrInvalidPageToken
		}
		cursor = &auditdomain.EventCursor{ID: id, CreatedAt: createdAt}
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	items, err := s.repo.List(ctx, auditdomain.ListFilter{
		Operation: req.Operation,
		RecordID:  req.RecordID,
		SubjectID: req.SubjectID,
		Actor:     req.Actor,
		StartAt:   req.StartAt,
		EndAt:     req.EndAt,
		Cursor:    cursor,
		Limit:     pageSize,
	})
	if err != nil {
		return auditdomain.ListEventsResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(pageSize), func(item *auditdomain.Event) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > pageSize {
		items = items[:pageSize]
	}

	events := make([]auditdomain.Event, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		events = append(events, *item)
	}

	resp := auditdomain.ListEventsResponse{Events: events}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}
