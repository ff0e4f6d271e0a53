package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"kiosk/internal/matcher"
)

// MemoryStore keeps credentials in process memory, for dev and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	order []string
	creds map[string]Credential
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]Credential)}
}

func (s *MemoryStore) Create(_ context.Context, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.creds[cred.ID]; exists {
		return fmt.Errorf("credential %s already exists", cred.ID)
	}
	s.creds[cred.ID] = clone(cred)
	s.order = append(s.order, cred.ID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[id]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return clone(cred), nil
}

func (s *MemoryStore) Approve(_ context.Context, id string, approvedAt time.Time) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[id]
	if !ok {
		return Credential{}, ErrNotFound
	}
	cred.State = StateApproved
	if cred.ApprovedAt == nil {
		at := approvedAt
		cred.ApprovedAt = &at
	}
	s.creds[id] = cred
	return clone(cred), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[id]; !ok {
		return ErrNotFound
	}
	delete(s.creds, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context, state ApprovalState) ([]Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Credential
	for _, id := range s.order {
		cred := s.creds[id]
		if state == "" || cred.State == state {
			out = append(out, clone(cred))
		}
	}
	return out, nil
}

func (s *MemoryStore) StudentIDs(_ context.Context, id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]string(nil), cred.StudentIDs...), nil
}

func (s *MemoryStore) Templates(_ context.Context) ([]matcher.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]matcher.Candidate, 0, len(s.order))
	for _, id := range s.order {
		if tpl := s.creds[id].Template; tpl != "" {
			out = append(out, matcher.Candidate{ID: id, Template: tpl})
		}
	}
	return out, nil
}

func clone(c Credential) Credential {
	c.StudentIDs = append([]string(nil), c.StudentIDs...)
	if c.ApprovedAt != nil {
		at := *c.ApprovedAt
		c.ApprovedAt = &at
	}
	return c
}
