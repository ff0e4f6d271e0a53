// Package registry owns guardian fingerprint credentials, their student
// links and the pending → approved / deleted lifecycle.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kiosk/internal/matcher"
	"kiosk/internal/metrics"
	"kiosk/internal/queue"
)

// Registry coordinates credential writes, the candidate snapshot and change
// notifications.
type Registry struct {
	store Store
	cache SnapshotCache
	pub   queue.Publisher
	log   zerolog.Logger
	now   func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithSnapshot serves Candidates from cache when possible.
func WithSnapshot(cache SnapshotCache) Option {
	return func(r *Registry) { r.cache = cache }
}

// WithPublisher announces every write as a registry_changed message.
func WithPublisher(pub queue.Publisher) Option {
	return func(r *Registry) { r.pub = pub }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry over store.
func New(store Store, logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		store: store,
		log:   logger.With().Str("component", "registry").Logger(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates a pending credential linked to the given students.
func (r *Registry) Register(ctx context.Context, reg Registration) (string, error) {
	norm, rel, err := reg.normalize()
	if err != nil {
		return "", err
	}
	cred := Credential{
		ID:           uuid.NewString(),
		GuardianName: norm.GuardianName,
		Relationship: rel,
		Template:     norm.Template,
		State:        StatePending,
		StudentIDs:   norm.StudentIDs,
		CreatedAt:    r.now(),
	}
	if err := r.store.Create(ctx, cred); err != nil {
		return "", fmt.Errorf("register credential: %w", err)
	}
	metrics.RegistryTransitions.WithLabelValues("registered").Inc()
	r.log.Info().Str("credential_id", cred.ID).Int("students", len(cred.StudentIDs)).Msg("credential registered, awaiting approval")
	r.changed(ctx, cred.ID, "registered")
	return cred.ID, nil
}

// Approve moves a credential to approved. Approving twice keeps the first
// approval timestamp.
func (r *Registry) Approve(ctx context.Context, id string) (Credential, error) {
	cred, err := r.store.Approve(ctx, id, r.now())
	if err != nil {
		return Credential{}, err
	}
	metrics.RegistryTransitions.WithLabelValues("approved").Inc()
	r.log.Info().Str("credential_id", id).Msg("credential approved")
	r.changed(ctx, id, "approved")
	return cred, nil
}

// Reject deletes the credential and its student links. No record of the
// rejected registration is kept.
func (r *Registry) Reject(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	metrics.RegistryTransitions.WithLabelValues("rejected").Inc()
	r.log.Info().Str("credential_id", id).Msg("credential rejected and deleted")
	r.changed(ctx, id, "rejected")
	return nil
}

// Get returns one credential.
func (r *Registry) Get(ctx context.Context, id string) (Credential, error) {
	return r.store.Get(ctx, id)
}

// ListPending returns credentials awaiting approval.
func (r *Registry) ListPending(ctx context.Context) ([]Credential, error) {
	return r.store.List(ctx, StatePending)
}

// ListApproved returns approved credentials.
func (r *Registry) ListApproved(ctx context.Context) ([]Credential, error) {
	return r.store.List(ctx, StateApproved)
}

// StudentIDs returns the students a credential may collect.
func (r *Registry) StudentIDs(ctx context.Context, id string) ([]string, error) {
	return r.store.StudentIDs(ctx, id)
}

// Candidates returns every credential with a template, pending and approved.
func (r *Registry) Candidates(ctx context.Context) ([]matcher.Candidate, error) {
	if r.cache != nil {
		cands, ok, err := r.cache.Load(ctx)
		if err != nil {
			r.log.Warn().Err(err).Msg("candidate snapshot unavailable, reading store")
		} else if ok {
			return cands, nil
		}
	}
	return r.RefreshSnapshot(ctx)
}

// RefreshSnapshot reads the candidates from the store and, when a cache is
// configured, replaces the snapshot.
func (r *Registry) RefreshSnapshot(ctx context.Context) ([]matcher.Candidate, error) {
	cands, err := r.store.Templates(ctx)
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}
	if r.cache != nil {
		if err := r.cache.Save(ctx, cands); err != nil {
			r.log.Warn().Err(err).Msg("save candidate snapshot")
		}
	}
	return cands, nil
}

// ChangeNotice is the body of a registry_changed message.
type ChangeNotice struct {
	CredentialID string `json:"credential_id"`
	Change       string `json:"change"`
}

func (r *Registry) changed(ctx context.Context, id, change string) {
	if r.cache != nil {
		if err := r.cache.Invalidate(ctx); err != nil {
			r.log.Warn().Err(err).Msg("invalidate candidate snapshot")
		}
	}
	if r.pub == nil {
		return
	}
	body, _ := json.Marshal(ChangeNotice{CredentialID: id, Change: change})
	if err := r.pub.Publish(ctx, queue.Message{Type: queue.TypeRegistryChanged, Body: body}); err != nil {
		r.log.Warn().Err(err).Str("credential_id", id).Msg("queue publish failed")
	}
}
