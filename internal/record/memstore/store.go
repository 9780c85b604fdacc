// Package memstore is an in-memory record repository for tests only.
// Production wiring always uses the database-backed repository; this
// store exists so lifecycle semantics can be exercised without a
// database while keeping the same optimistic-lock behavior.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/haven-hmis/recordflow/internal/record/domain"
	"gorm.io/gorm"
)

// ErrDuplicateKey matches what the gorm repository surfaces with
// TranslateError enabled, so duplicate handling behaves the same
// against both repositories.
var ErrDuplicateKey = gorm.ErrDuplicatedKey

// Store keeps records in a mutex-guarded map. Reads and writes exchange
// clones, so callers never share memory with stored state.
type Store struct {
	mu      sync.Mutex
	records map[snowflake.ID]*domain.Record
}

func New() *Store {
	return &Store{records: make(map[snowflake.ID]*domain.Record)}
}

func (s *Store) Insert(_ context.Context, record *domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(record)
}

func (s *Store) Save(_ context.Context, record *domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(record)
}

func (s *Store) FindByID(_ context.Context, id snowflake.ID) (*domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findByID(id), nil
}

func (s *Store) FindActive(_ context.Context, subjectID snowflake.ID, category domain.Category, informationDate *time.Time) (*domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findActive(subjectID, category, informationDate), nil
}

func (s *Store) FindOverlapping(_ context.Context, subjectID snowflake.ID, category domain.Category, informationDate *time.Time, window domain.Window) ([]*domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findOverlapping(subjectID, category, informationDate, window), nil
}

func (s *Store) FindByIdempotencyKey(_ context.Context, key string) (*domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findByIdempotencyKey(key), nil
}

func (s *Store) FindHistory(_ context.Context, subjectID snowflake.ID, category domain.Category) ([]*domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findHistory(subjectID, category), nil
}

func (s *Store) FindAuditChain(_ context.Context, id snowflake.ID) ([]*domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findAuditChain(id), nil
}

// Transaction holds the store lock for the whole callback and restores a
// snapshot when fn fails, so partial writes are never observable.
func (s *Store) Transaction(_ context.Context, fn func(tx domain.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[snowflake.ID]*domain.Record, len(s.records))
	for id, record := range s.records {
		snapshot[id] = record.Clone()
	}

	if err := fn(&txStore{store: s}); err != nil {
		s.records = snapshot
		return err
	}
	return nil
}

// txStore exposes the unlocked operations inside a transaction; the
// outer Transaction call already holds the lock.
type txStore struct {
	store *Store
}

func (t *txStore) Insert(_ context.Context, record *domain.Record) error {
	return t.store.insert(record)
}

func (t *txStore) Save(_ context.Context, record *domain.Record) error {
	return t.store.save(record)
}

func (t *txStore) FindByID(_ context.Context, id snowflake.ID) (*domain.Record, error) {
	return t.store.findByID(id), nil
}

func (t *txStore) FindActive(_ context.Context, subjectID snowflake.ID, category domain.Category, informationDate *time.Time) (*domain.Record, error) {
	return t.store.findActive(subjectID, category, informationDate), nil
}

func (t *txStore) FindOverlapping(_ context.Context, subjectID snowflake.ID, category domain.Category, informationDate *time.Time, window domain.Window) ([]*domain.Record, error) {
	return t.store.findOverlapping(subjectID, category, informationDate, window), nil
}

func (t *txStore) FindByIdempotencyKey(_ context.Context, key string) (*domain.Record, error) {
	return t.store.findByIdempotencyKey(key), nil
}

func (t *txStore) FindHistory(_ context.Context, subjectID snowflake.ID, category domain.Category) ([]*domain.Record, error) {
	return t.store.findHistory(subjectID, category), nil
}

func (t *txStore) FindAuditChain(_ context.Context, id snowflake.ID) ([]*domain.Record, error) {
	return t.store.findAuditChain(id), nil
}

func (t *txStore) Transaction(ctx context.Context, fn func(tx domain.Repository) error) error {
	// Nested transactions join the outer one.
	return fn(t)
}

func (s *Store) insert(record *domain.Record) error {
	if _, exists := s.records[record.ID]; exists {
		return ErrDuplicateKey
	}
	if record.IdempotencyKey != nil {
		if existing := s.findByIdempotencyKey(*record.IdempotencyKey); existing != nil {
			return ErrDuplicateKey
		}
	}
	s.records[record.ID] = record.Clone()
	return nil
}

func (s *Store) save(record *domain.Record) error {
	existing, ok := s.records[record.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if existing.LockVersion != record.LockVersion {
		return domain.ErrConcurrentModification
	}
	record.LockVersion++
	s.records[record.ID] = record.Clone()
	return nil
}

func (s *Store) findByID(id snowflake.ID) *domain.Record {
	record, ok := s.records[id]
	if !ok {
		return nil
	}
	return record.Clone()
}

func (s *Store) findActive(subjectID snowflake.ID, category domain.Category, informationDate *time.Time) *domain.Record {
	var found *domain.Record
	for _, record := range s.records {
		if record.SubjectID != subjectID || record.Category != category || !record.IsActive() {
			continue
		}
		if category.DateScoped() && informationDate != nil && !sameDay(record.InformationDate, *informationDate) {
			continue
		}
		if found == nil || record.EffectiveStart.After(found.EffectiveStart) {
			found = record
		}
	}
	if found == nil {
		return nil
	}
	return found.Clone()
}

func (s *Store) findOverlapping(subjectID snowflake.ID, category domain.Category, informationDate *time.Time, window domain.Window) []*domain.Record {
	var out []*domain.Record
	for _, record := range s.records {
		if record.SubjectID != subjectID || record.Category != category || !record.IsActive() {
			continue
		}
		if category.DateScoped() && informationDate != nil && !sameDay(record.InformationDate, *informationDate) {
			continue
		}
		if record.EffectiveWindow().Overlaps(window) {
			out = append(out, record.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EffectiveStart.Equal(out[j].EffectiveStart) {
			return out[i].ID < out[j].ID
		}
		return out[i].EffectiveStart.Before(out[j].EffectiveStart)
	})
	return out
}

func (s *Store) findByIdempotencyKey(key string) *domain.Record {
	if key == "" {
		return nil
	}
	for _, record := range s.records {
		if record.IdempotencyKey != nil && *record.IdempotencyKey == key {
			return record.Clone()
		}
	}
	return nil
}

func (s *Store) findHistory(subjectID snowflake.ID, category domain.Category) []*domain.Record {
	var out []*domain.Record
	for _, record := range s.records {
		if record.SubjectID == subjectID && record.Category == category {
			out = append(out, record.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EffectiveStart.Equal(out[j].EffectiveStart) {
			return out[i].ID > out[j].ID
		}
		return out[i].EffectiveStart.After(out[j].EffectiveStart)
	})
	return out
}

func (s *Store) findAuditChain(id snowflake.ID) []*domain.Record {
	seen := make(map[snowflake.ID]*domain.Record)
	queue := []snowflake.ID{id}

	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if _, ok := seen[next]; ok {
			continue
		}
		record, ok := s.records[next]
		if !ok {
			continue
		}
		seen[next] = record.Clone()

		for _, ref := range []*snowflake.ID{record.CorrectsRecordID, record.SupersedesRecordID, record.SupersededByRecordID} {
			if ref != nil {
				queue = append(queue, *ref)
			}
		}
		for _, other := range s.records {
			if other.SupersedesRecordID != nil && *other.SupersedesRecordID == next {
				queue = append(queue, other.ID)
			}
			if other.CorrectsRecordID != nil && *other.CorrectsRecordID == next {
				queue = append(queue, other.ID)
			}
		}
	}

	chain := make([]*domain.Record, 0, len(seen))
	for _, record := range seen {
		chain = append(chain, record)
	}
	sort.Slice(chain, func(i, j int) bool {
		if chain[i].EffectiveStart.Equal(chain[j].EffectiveStart) {
			return chain[i].ID < chain[j].ID
		}
		return chain[i].EffectiveStart.Before(chain[j].EffectiveStart)
	})
	return chain
}

// Len reports how many records the store holds.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
