package repository

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/haven-hmis/recordflow/internal/record/domain"
	"gorm.io/gorm"
)

type repo struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) domain.Repository {
	return &repo{db: db}
}

func (r *repo) Insert(ctx context.Context, record *domain.Record) error {
	return r.db.WithContext(ctx).Create(record).Error
}

// Save performs a conditional write: the row must still carry the
// LockVersion the record was read with, otherwise another writer got
// there first and the caller must re-read and retry the whole operation.
func (r *repo) Save(ctx context.Context, record *domain.Record) error {
	res := r.db.WithContext(ctx).Model(&domain.Record{}).
		Where("id = ? AND lock_version = ?", record.ID, record.LockVersion).
		Updates(map[string]any{
			"status":                  record.Status,
			"effective_end":           record.EffectiveEnd,
			"superseded_by_record_id": record.SupersededByRecordID,
			"superseded_at":           record.SupersededAt,
			"corrected_at":            record.CorrectedAt,
			"idempotency_key":         record.IdempotencyKey,
			"updated_at":              record.UpdatedAt,
			"lock_version":            record.LockVersion + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrConcurrentModification
	}
	record.LockVersion++
	return nil
}

func (r *repo) FindByID(ctx context.Context, id snowflake.ID) (*domain.Record, error) {
	var record domain.Record
	err := r.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repo) FindActive(ctx context.Context, subjectID snowflake.ID, category domain.Category, informationDate *time.Time) (*domain.Record, error) {
	stmt := r.db.WithContext(ctx).
		Where("subject_id = ? AND category = ? AND status = ?", subjectID, category, domain.StatusActive)
	if category.DateScoped() && informationDate != nil {
		dayStart, dayEnd := dayBounds(*informationDate)
		stmt = stmt.Where("information_date >= ? AND information_date < ?", dayStart, dayEnd)
	}

	var record domain.Record
	err := stmt.Order("effective_start desc").First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repo) FindOverlapping(ctx context.Context, subjectID snowflake.ID, category domain.Category, informationDate *time.Time, window domain.Window) ([]*domain.Record, error) {
	stmt := r.db.WithContext(ctx).
		Where("subject_id = ? AND category = ? AND status = ?", subjectID, category, domain.StatusActive).
		Where("effective_end IS NULL OR effective_end > ?", window.Start)
	if category.DateScoped() && informationDate != nil {
		dayStart, dayEnd := dayBounds(*informationDate)
		stmt = stmt.Where("information_date >= ? AND information_date < ?", dayStart, dayEnd)
	}
	if window.End != nil {
		stmt = stmt.Where("effective_start < ?", *window.End)
	}

	var records []*domain.Record
	if err := stmt.Order("effective_start asc, id asc").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Record, error) {
	if key == "" {
		return nil, nil
	}
	var record domain.Record
	err := r.db.WithContext(ctx).First(&record, "idempotency_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repo) FindHistory(ctx context.Context, subjectID snowflake.ID, category domain.Category) ([]*domain.Record, error) {
	var records []*domain.Record
	err := r.db.WithContext(ctx).
		Where("subject_id = ? AND category = ?", subjectID, category).
		Order("effective_start desc, id desc").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// FindAuditChain walks supersedes/corrects references in both directions
// from the given record. The walk happens in Go rather than a recursive
// CTE so it behaves identically on every supported dialect.
func (r *repo) FindAuditChain(ctx context.Context, id snowflake.ID) ([]*domain.Record, error) {
	seen := make(map[snowflake.ID]*domain.Record)
	queue := []snowflake.ID{id}

	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if _, ok := seen[next]; ok {
			continue
		}

		record, err := r.FindByID(ctx, next)
		if err != nil {
			return nil, err
		}
		if record == nil {
			continue
		}
		seen[next] = record

		for _, ref := range []*snowflake.ID{record.CorrectsRecordID, record.SupersedesRecordID, record.SupersededByRecordID} {
			if ref != nil {
				queue = append(queue, *ref)
			}
		}

		var inbound []*domain.Record
		err = r.db.WithContext(ctx).
			Where("supersedes_record_id = ? OR corrects_record_id = ?", next, next).
			Find(&inbound).Error
		if err != nil {
			return nil, err
		}
		for _, rec := range inbound {
			queue = append(queue, rec.ID)
		}
	}

	chain := make([]*domain.Record, 0, len(seen))
	for _, record := range seen {
		chain = append(chain, record)
	}
	sortChain(chain)
	return chain, nil
}

func (r *repo) Transaction(ctx context.Context, fn func(tx domain.Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&repo{db: tx})
	})
}

// dayBounds returns the UTC half-open [start, end) day containing d,
// so date comparisons behave the same whether the dialect stores the
// column as a date or a full timestamp.
func dayBounds(d time.Time) (time.Time, time.Time) {
	d = d.UTC()
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}

// sortChain orders oldest effective start first, ties broken by id so
// the chain is deterministic.
func sortChain(records []*domain.Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].EffectiveStart.Equal(records[j].EffectiveStart) {
			return records[i].ID < records[j].ID
		}
		return records[i].EffectiveStart.Before(records[j].EffectiveStart)
	})
}
