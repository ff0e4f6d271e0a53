package matcher

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeComparer scores by stored template and records call order.
type fakeComparer struct {
	scores map[string]int
	fail   map[string]error
	calls  []string
}

func (f *fakeComparer) Compare(_ context.Context, _, stored string) (int, error) {
	f.calls = append(f.calls, stored)
	if err := f.fail[stored]; err != nil {
		return 0, err
	}
	return f.scores[stored], nil
}

func TestFindEmptyCandidatesMakesNoCalls(t *testing.T) {
	cmp := &fakeComparer{}
	res, err := New(cmp, zerolog.Nop()).Find(context.Background(), "probe", nil)
	require.NoError(t, err)
	assert.False(t, res.Matched())
	assert.Empty(t, cmp.calls)
}

func TestFindSingleMatchRegardlessOfOrder(t *testing.T) {
	cands := []Candidate{{"a", "ta"}, {"b", "tb"}, {"c", "tc"}}
	cmp := &fakeComparer{scores: map[string]int{"ta": 10, "tb": AcceptanceThreshold + 40, "tc": 30}}
	m := New(cmp, zerolog.Nop())

	orders := [][]Candidate{
		cands,
		{cands[2], cands[1], cands[0]},
		{cands[1], cands[0], cands[2]},
	}
	for _, order := range orders {
		res, err := m.Find(context.Background(), "probe", order)
		require.NoError(t, err)
		assert.Equal(t, "b", res.MatchedID)
		assert.Equal(t, AcceptanceThreshold+40, res.Score)
	}
}

func TestFindReturnsFirstAcceptableNotBest(t *testing.T) {
	cmp := &fakeComparer{scores: map[string]int{"ta": AcceptanceThreshold + 1, "tb": AcceptanceThreshold + 90}}
	res, err := New(cmp, zerolog.Nop()).Find(context.Background(), "probe", []Candidate{{"a", "ta"}, {"b", "tb"}})
	require.NoError(t, err)
	assert.Equal(t, "a", res.MatchedID)
	assert.Equal(t, []string{"ta"}, cmp.calls, "scan stops at the first acceptable candidate")
}

func TestFindThresholdIsExclusive(t *testing.T) {
	cmp := &fakeComparer{scores: map[string]int{"ta": AcceptanceThreshold}}
	res, err := New(cmp, zerolog.Nop()).Find(context.Background(), "probe", []Candidate{{"a", "ta"}})
	require.NoError(t, err)
	assert.False(t, res.Matched())
	assert.Equal(t, 1, res.Compared)
}

func TestFindSkipsFailedCandidate(t *testing.T) {
	cmp := &fakeComparer{
		scores: map[string]int{"tb": AcceptanceThreshold + 5},
		fail:   map[string]error{"ta": errors.New("device busy")},
	}
	res, err := New(cmp, zerolog.Nop()).Find(context.Background(), "probe", []Candidate{{"a", "ta"}, {"b", "tb"}})
	require.NoError(t, err)
	assert.Equal(t, "b", res.MatchedID)
	assert.Equal(t, 1, res.Failed)
}

func TestFindSkipsEmptyTemplatesWithoutCalls(t *testing.T) {
	cmp := &fakeComparer{scores: map[string]int{"tb": 5}}
	res, err := New(cmp, zerolog.Nop()).Find(context.Background(), "probe", []Candidate{{"a", ""}, {"b", "tb"}})
	require.NoError(t, err)
	assert.False(t, res.Matched())
	assert.Equal(t, []string{"tb"}, cmp.calls)
}

func TestFindAllComparesFailed(t *testing.T) {
	boom := errors.New("connection refused")
	cmp := &fakeComparer{fail: map[string]error{"ta": boom, "tb": boom}}
	res, err := New(cmp, zerolog.Nop()).Find(context.Background(), "probe", []Candidate{{"a", "ta"}, {"b", "tb"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoCandidateChecked)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, res.Failed)
}

func TestFindNoMatchIsNotError(t *testing.T) {
	cmp := &fakeComparer{scores: map[string]int{"ta": 3, "tb": 7}}
	res, err := New(cmp, zerolog.Nop()).Find(context.Background(), "probe", []Candidate{{"a", "ta"}, {"b", "tb"}})
	require.NoError(t, err)
	assert.False(t, res.Matched())
	assert.Equal(t, 2, res.Compared)
}

func TestFindStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cmp := &fakeComparer{}
	_, err := New(cmp, zerolog.Nop()).Find(ctx, "probe", []Candidate{{"a", "ta"}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, cmp.calls)
}

type fatalErr struct{}

func (fatalErr) Error() string   { return "service gone" }
func (fatalErr) Retryable() bool { return false }

func TestFindStopsOnNonRetryableFailure(t *testing.T) {
	cmp := &fakeComparer{
		scores: map[string]int{"tb": AcceptanceThreshold + 5},
		fail:   map[string]error{"ta": fatalErr{}},
	}
	res, err := New(cmp, zerolog.Nop()).Find(context.Background(), "probe", []Candidate{{"a", "ta"}, {"b", "tb"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, fatalErr{})
	assert.NotErrorIs(t, err, ErrNoCandidateChecked)
	assert.False(t, res.Matched())
	assert.Equal(t, []string{"ta"}, cmp.calls)
}
