package kiosk

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Manager keeps the live sessions of all kiosks and expires idle ones.
type Manager struct {
	deps Deps
	ttl  time.Duration
	log  zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	listener func(Transition)
}

// NewManager creates a manager. Sessions unused for ttl are cancelled and
// dropped by Run.
func NewManager(deps Deps, ttl time.Duration, listener func(Transition)) *Manager {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Manager{
		deps:     deps,
		ttl:      ttl,
		log:      deps.Logger.With().Str("component", "kiosk").Logger(),
		sessions: make(map[string]*Session),
		listener: listener,
	}
}

// Create starts a new idle session for device.
func (m *Manager) Create(deviceID string) *Session {
	deps := m.deps
	if deviceID != "" {
		deps.DeviceID = deviceID
	}
	s := NewSession(uuid.NewString(), deps, m.listener)
	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	m.log.Info().Str("session_id", s.ID()).Str("device_id", deps.DeviceID).Msg("session created")
	return s
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// RemoveDevice cancels and drops every session of deviceID and returns how
// many were live.
func (m *Manager) RemoveDevice(deviceID string) int {
	var dropped []*Session
	m.mu.Lock()
	for id, s := range m.sessions {
		if s.DeviceID() == deviceID {
			dropped = append(dropped, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()
	for _, s := range dropped {
		s.Cancel()
	}
	return len(dropped)
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep drops sessions idle since before now-ttl and returns how many.
func (m *Manager) Sweep(now time.Time) int {
	cutoff := now.Add(-m.ttl)
	var expired []*Session
	m.mu.Lock()
	for id, s := range m.sessions {
		if s.idleSince().Before(cutoff) {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()
	for _, s := range expired {
		s.Cancel()
	}
	if len(expired) > 0 {
		m.log.Info().Int("expired", len(expired)).Msg("expired idle sessions")
	}
	return len(expired)
}

// Run sweeps expired sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}
