package pickup

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kiosk/internal/metrics"
	"kiosk/internal/queue"
)

// Service records pickup and drop-off events.
type Service struct {
	store Store
	pub   queue.Publisher
	log   zerolog.Logger
	now   func() time.Time
}

// NewService creates a service. pub may be nil.
func NewService(store Store, pub queue.Publisher, logger zerolog.Logger) *Service {
	return &Service{
		store: store,
		pub:   pub,
		log:   logger.With().Str("component", "pickup").Logger(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Record validates and stores a new, unapproved event.
func (s *Service) Record(ctx context.Context, evt Event) (Event, error) {
	evt.StudentID = strings.TrimSpace(evt.StudentID)
	evt.GuardianName = strings.TrimSpace(evt.GuardianName)
	if evt.StudentID == "" {
		return Event{}, fmt.Errorf("%w: student id required", ErrInvalidEvent)
	}
	if evt.GuardianName == "" {
		return Event{}, fmt.Errorf("%w: guardian name required", ErrInvalidEvent)
	}
	if evt.Action != ActionPickup && evt.Action != ActionDropoff {
		return Event{}, fmt.Errorf("%w: unknown action %q", ErrInvalidEvent, evt.Action)
	}
	evt.ID = uuid.NewString()
	evt.Approved = false
	evt.ApprovedAt = nil
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = s.now()
	}
	if err := s.store.Insert(ctx, evt); err != nil {
		return Event{}, err
	}
	metrics.PickupEvents.WithLabelValues(string(evt.Action)).Inc()
	s.log.Info().
		Str("event_id", evt.ID).
		Str("student_id", evt.StudentID).
		Str("credential_id", evt.CredentialID).
		Str("action", string(evt.Action)).
		Msg("pickup event recorded")

	if s.pub != nil {
		body, _ := json.Marshal(evt)
		if err := s.pub.Publish(ctx, queue.Message{Type: queue.TypePickupRecorded, Body: body}); err != nil {
			s.log.Warn().Err(err).Str("event_id", evt.ID).Msg("queue publish failed")
		}
	}
	return evt, nil
}

// Approve confirms an event. Repeated approvals keep the first timestamp.
func (s *Service) Approve(ctx context.Context, id string) (Event, error) {
	return s.store.Approve(ctx, id, s.now())
}

// List returns events matching f, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]Event, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	return s.store.List(ctx, f)
}
