package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Repository is the persistence boundary for record lineages.
//
// Save carries optimistic-lock semantics: it matches the row on both ID
// and LockVersion and returns ErrConcurrentModification when the row has
// changed since it was read. Insert and Save never retry; lost races
// surface to the caller so the whole operation can be re-run from a
// fresh read.
type Repository interface {
	Insert(ctx context.Context, record *Record) error
	Save(ctx context.Context, record *Record) error

	FindByID(ctx context.Context, id snowflake.ID) (*Record, error)

	// FindActive resolves the current ACTIVE record for the category's
	// conflict key. informationDate is only consulted for date-scoped
	// categories and may be nil otherwise.
	FindActive(ctx context.Context, subjectID snowflake.ID, category Category, informationDate *time.Time) (*Record, error)

	// FindOverlapping returns ACTIVE records whose effective window
	// intersects the given window. Like FindActive, informationDate
	// narrows the match to one date's lineage for date-scoped categories
	// and may be nil otherwise.
	FindOverlapping(ctx context.Context, subjectID snowflake.ID, category Category, informationDate *time.Time, window Window) ([]*Record, error)

	FindByIdempotencyKey(ctx context.Context, key string) (*Record, error)

	// FindHistory returns every record for the lineage, newest
	// effective start first.
	FindHistory(ctx context.Context, subjectID snowflake.ID, category Category) ([]*Record, error)

	// FindAuditChain returns the record plus every record connected to
	// it through supersedes/corrects references.
	FindAuditChain(ctx context.Context, id snowflake.ID) ([]*Record, error)

	// Transaction runs fn against a transaction-scoped repository.
	// Returning an error rolls back every write made inside fn.
	Transaction(ctx context.Context, fn func(tx Repository) error) error
}
