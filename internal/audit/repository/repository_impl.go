package repository

import (
	"context"
	"strings"

	"github.com/haven-hmis/recordflow/internal/audit/domain"
	"gorm.io/gorm"
)

type repo struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) domain.Repository {
	return &repo{db: db}
}

func (r *repo) Insert(ctx context.Context, event *domain.Event) error {
	if event == nil {
		return nil
	}
	return r.db.WithContext(ctx).Exec(
		`INSERT INTO audit_events (
			id, operation, record_id, subject_id, category, actor,
			prior_status, new_status, reason, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.Operation,
		event.RecordID,
		event.SubjectID,
		event.Category,
		event.Actor,
		event.PriorStatus,
		event.NewStatus,
		event.Reason,
		event.Metadata,
		event.CreatedAt,
	).Error
}

func (r *repo) List(ctx context.Context, filter domain.ListFilter) ([]*domain.Event, error) {
	var events []*domain.Event
	stmt := r.db.WithContext(ctx).Model(&domain.Event{})

	if operation := strings.TrimSpace(filter.Operation); operation != "" {
		stmt = stmt.Where("operation = ?", operation)
	}
	if filter.RecordID != 0 {
		stmt = stmt.Where("record_id = ?", filter.RecordID)
	}
	if filter.SubjectID != 0 {
		stmt = stmt.Where("subject_id = ?", filter.SubjectID)
	}
	if actor := strings.TrimSpace(filter.Actor); actor != "" {
		stmt = stmt.Where("actor = ?", actor)
	}
	if filter.StartAt != nil {
		stmt = stmt.Where("created_at >= ?", filter.StartAt.UTC())
	}
	if filter.EndAt != nil {
		stmt = stmt.Where("created_at <= ?", filter.EndAt.UTC())
	}
	if filter.Cursor != nil {
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			filter.Cursor.CreatedAt,
			filter.Cursor.CreatedAt,
			filter.Cursor.ID,
		)
	}

	stmt = stmt.Order("created_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	if err := stmt.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
