// Package worker processes queue messages published by the API: it keeps
// the candidate snapshot fresh and writes the pickup audit trail.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"kiosk/internal/matcher"
	"kiosk/internal/metrics"
	"kiosk/internal/pickup"
	"kiosk/internal/queue"
	"kiosk/internal/registry"
)

// Refresher rebuilds the candidate snapshot.
type Refresher interface {
	RefreshSnapshot(ctx context.Context) ([]matcher.Candidate, error)
}

type Worker struct {
	q   queue.Queue
	reg Refresher
	log zerolog.Logger
}

func New(q queue.Queue, reg Refresher, logger zerolog.Logger) *Worker {
	return &Worker{q: q, reg: reg, log: logger.With().Str("component", "worker").Logger()}
}

// Run handles messages until ctx is done or the queue closes. A failed
// message is logged and dropped.
func (w *Worker) Run(ctx context.Context) error {
	messages, err := w.q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("queue consume init: %w", err)
	}
	w.log.Info().Msg("worker started, waiting for messages")
	for msg := range messages {
		result := "ok"
		if err := w.Handle(ctx, msg); err != nil {
			result = "failed"
			w.log.Error().Err(err).Str("type", msg.Type).Msg("message failed")
		}
		metrics.QueueMessages.WithLabelValues(msg.Type, result).Inc()
	}
	w.log.Info().Msg("worker stopped")
	return nil
}

// Handle processes one message.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	switch msg.Type {
	case queue.TypeRegistryChanged:
		var notice registry.ChangeNotice
		if err := json.Unmarshal(msg.Body, &notice); err != nil {
			return fmt.Errorf("decode registry change: %w", err)
		}
		cands, err := w.reg.RefreshSnapshot(ctx)
		if err != nil {
			return fmt.Errorf("refresh snapshot after %s of %s: %w", notice.Change, notice.CredentialID, err)
		}
		w.log.Info().
			Str("credential_id", notice.CredentialID).
			Str("change", notice.Change).
			Int("candidates", len(cands)).
			Msg("candidate snapshot rebuilt")
	case queue.TypePickupRecorded:
		var evt pickup.Event
		if err := json.Unmarshal(msg.Body, &evt); err != nil {
			return fmt.Errorf("decode pickup event: %w", err)
		}
		l := w.log.Info().
			Str("audit", "pickup").
			Str("event_id", evt.ID).
			Str("credential_id", evt.CredentialID).
			Str("student_id", evt.StudentID).
			Str("guardian", evt.GuardianName).
			Str("relationship", evt.Relationship).
			Str("action", string(evt.Action)).
			Str("device_id", evt.DeviceID).
			Time("occurred_at", evt.OccurredAt)
		if evt.MatchScore != nil {
			l = l.Int("match_score", *evt.MatchScore)
		}
		l.Msg("pickup recorded")
	default:
		w.log.Debug().Str("type", msg.Type).Msg("ignoring message")
	}
	return nil
}
