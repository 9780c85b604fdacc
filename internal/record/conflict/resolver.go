// Package conflict truncates ACTIVE records whose effective windows
// collide with a backdated insertion.
package conflict

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/haven-hmis/recordflow/internal/record/domain"
	"go.uber.org/zap"
)

// Resolver finds and supersedes overlapping ACTIVE records. It performs
// plain read-then-write passes; atomicity against concurrent writers is
// the repository's job through optimistic locking, so Resolve must run
// inside the caller's transaction.
type Resolver struct {
	log *zap.Logger
}

func New(log *zap.Logger) *Resolver {
	return &Resolver{log: log.Named("record.conflict")}
}

// FindOverlapping returns the ACTIVE records whose [effectiveStart,
// effectiveEnd) window intersects the given window. informationDate
// scopes the lookup to one date's lineage for date-scoped categories.
func (r *Resolver) FindOverlapping(
	ctx context.Context,
	repo domain.Repository,
	subjectID snowflake.ID,
	category domain.Category,
	informationDate *time.Time,
	window domain.Window,
) ([]*domain.Record, error) {
	return repo.FindOverlapping(ctx, subjectID, category, informationDate, window)
}

// Resolve truncates every ACTIVE record overlapping newRecord's window
// to end exactly where newRecord begins, marking each SUPERSEDED and
// stamping the back-reference. Corrections take precedence over later
// backdated inserts: hitting an ACTIVE correction fails with
// ErrCorrectionPrecedence unless truncateCorrections is set.
func (r *Resolver) Resolve(
	ctx context.Context,
	repo domain.Repository,
	newRecord *domain.Record,
	now time.Time,
	truncateCorrections bool,
) ([]*domain.Record, error) {
	// Date-scoped categories keep one lineage per information date, so
	// only that date's ACTIVE record is a candidate for truncation.
	var infoDate *time.Time
	if newRecord.Category.DateScoped() {
		date := newRecord.InformationDate
		infoDate = &date
	}
	overlapping, err := repo.FindOverlapping(ctx, newRecord.SubjectID, newRecord.Category, infoDate, newRecord.EffectiveWindow())
	if err != nil {
		return nil, err
	}

	truncated := make([]*domain.Record, 0, len(overlapping))
	for _, overlap := range overlapping {
		if !overlap.IsActive() {
			continue
		}
		if overlap.IsCorrection && !truncateCorrections {
			return nil, domain.ErrCorrectionPrecedence
		}

		end := newRecord.EffectiveStart
		supersededAt := now
		newID := newRecord.ID

		overlap.EffectiveEnd = &end
		overlap.Status = domain.StatusSuperseded
		overlap.SupersededByRecordID = &newID
		overlap.SupersededAt = &supersededAt
		overlap.UpdatedAt = now

		if err := repo.Save(ctx, overlap); err != nil {
			return nil, err
		}

		r.log.Debug("truncated overlapping record",
			zap.Int64("record_id", int64(overlap.ID)),
			zap.Int64("superseded_by", int64(newRecord.ID)),
			zap.Time("effective_end", end),
		)
		truncated = append(truncated, overlap)
	}

	return truncated, nil
}
