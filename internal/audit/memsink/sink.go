// Package memsink is an in-memory audit sink for tests only. Production
// wiring always uses the database-backed service.
package memsink

import (
	"context"
	"sync"

	"github.com/haven-hmis/recordflow/internal/audit/domain"
)

// Sink records appended events in order.
type Sink struct {
	mu     sync.Mutex
	events []domain.Event

	// FailNext makes the next Append return an error, for exercising
	// audit-failure handling.
	FailNext error
}

func New() *Sink {
	return &Sink{}
}

func (s *Sink) Append(_ context.Context, event domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNext != nil {
		err := s.FailNext
		s.FailNext = nil
		return err
	}
	s.events = append(s.events, event)
	return nil
}

func (s *Sink) List(_ context.Context, req domain.ListEventsRequest) (domain.ListEventsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Event
	for _, event := range s.events {
		if req.Operation != "" && event.Operation != req.Operation {
			continue
		}
		if req.RecordID != 0 && event.RecordID != req.RecordID {
			continue
		}
		if req.SubjectID != 0 && event.SubjectID != req.SubjectID {
			continue
		}
		out = append(out, event)
	}
	return domain.ListEventsResponse{Events: out}, nil
}

// Events returns a copy of everything appended so far.
func (s *Sink) Events() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Reset clears the sink.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}
