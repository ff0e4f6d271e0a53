// Package matcher identifies a freshly captured fingerprint against the
// enrolled templates.
//
// The scan is linear and stops at the first candidate whose score exceeds
// AcceptanceThreshold. Every comparison is a round trip to the capture
// service, so stopping early also bounds latency. Templates are enrolled one
// per person, which is what makes "first above threshold" an acceptable
// answer instead of searching for the maximum.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"kiosk/internal/metrics"
)

// AcceptanceThreshold is the score a comparison must exceed to be treated
// as the same finger. Raising it trades false accepts for false rejects.
const AcceptanceThreshold = 100

// ErrNoCandidateChecked means every comparison failed, so the result says
// nothing about whether the person is enrolled.
var ErrNoCandidateChecked = errors.New("no candidate could be compared")

// Comparer scores two templates.
type Comparer interface {
	Compare(ctx context.Context, templateA, templateB string) (int, error)
}

// retryable is implemented by compare errors that know whether another call
// can succeed.
type retryable interface{ Retryable() bool }

// Candidate is one enrolled identity.
type Candidate struct {
	ID       string `json:"id"`
	Template string `json:"template"`
}

// Result of a scan. MatchedID is empty when nobody matched.
type Result struct {
	MatchedID string
	Score     int
	Compared  int
	Failed    int
}

// Matched reports whether a candidate cleared the threshold.
func (r Result) Matched() bool { return r.MatchedID != "" }

// Matcher runs the candidate scan.
type Matcher struct {
	cmp Comparer
	log zerolog.Logger
}

// New creates a Matcher over the given compare primitive.
func New(cmp Comparer, logger zerolog.Logger) *Matcher {
	return &Matcher{cmp: cmp, log: logger.With().Str("component", "matcher").Logger()}
}

// Find compares sample against candidates in order, one call at a time.
// A failed comparison counts as "did not match" and the scan continues; only
// when every attempted comparison fails does Find return an error. A failure
// that reports itself as not retryable ends the scan and is returned as is.
func (m *Matcher) Find(ctx context.Context, sample string, candidates []Candidate) (Result, error) {
	var res Result
	if len(candidates) == 0 {
		return res, nil
	}
	if sample == "" {
		return res, fmt.Errorf("empty sample")
	}
	start := time.Now()
	defer func() { metrics.MatchDuration.Observe(time.Since(start).Seconds()) }()

	var lastErr error
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if cand.Template == "" {
			metrics.MatcherCompares.WithLabelValues("skipped").Inc()
			continue
		}
		score, err := m.cmp.Compare(ctx, sample, cand.Template)
		if err != nil {
			res.Failed++
			lastErr = err
			metrics.MatcherCompares.WithLabelValues("failed").Inc()
			var r retryable
			if errors.As(err, &r) && !r.Retryable() {
				m.log.Warn().Err(err).Str("candidate_id", cand.ID).Msg("compare service gone, stopping scan")
				return res, err
			}
			m.log.Warn().Err(err).Str("candidate_id", cand.ID).Msg("compare failed, skipping candidate")
			continue
		}
		res.Compared++
		if score > AcceptanceThreshold {
			metrics.MatcherCompares.WithLabelValues("above").Inc()
			res.MatchedID = cand.ID
			res.Score = score
			return res, nil
		}
		metrics.MatcherCompares.WithLabelValues("below").Inc()
	}
	if res.Compared == 0 && res.Failed > 0 {
		return res, fmt.Errorf("%w: %d failures, last: %w", ErrNoCandidateChecked, res.Failed, lastErr)
	}
	return res, nil
}
