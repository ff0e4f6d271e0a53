package pickup

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps events in process memory, for dev and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Insert(_ context.Context, evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *MemoryStore) Approve(_ context.Context, id string, at time.Time) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].ID != id {
			continue
		}
		if !s.events[i].Approved {
			s.events[i].Approved = true
			s.events[i].ApprovedAt = &at
		}
		return s.events[i], nil
	}
	return Event{}, ErrNotFound
}

// List returns newest first.
func (s *MemoryStore) List(_ context.Context, f Filter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for i := len(s.events) - 1; i >= 0; i-- {
		evt := s.events[i]
		if f.StudentID != "" && evt.StudentID != f.StudentID {
			continue
		}
		if f.Approved != nil && evt.Approved != *f.Approved {
			continue
		}
		out = append(out, evt)
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
