package pickup

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiosk/internal/queue"
)

func TestRecordStartsUnapproved(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, zerolog.Nop())
	evt, err := svc.Record(context.Background(), Event{
		CredentialID: "cred-1",
		StudentID:    "S1",
		GuardianName: "Ama Mensah",
		Relationship: "parent",
		Action:       ActionPickup,
		Approved:     true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, evt.ID)
	assert.False(t, evt.Approved)
	assert.False(t, evt.OccurredAt.IsZero())
}

func TestRecordValidation(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, zerolog.Nop())
	cases := []Event{
		{GuardianName: "A", Action: ActionPickup},
		{StudentID: "S1", Action: ActionPickup},
		{StudentID: "S1", GuardianName: "A", Action: "collect"},
	}
	for _, evt := range cases {
		_, err := svc.Record(context.Background(), evt)
		assert.ErrorIs(t, err, ErrInvalidEvent)
	}
}

func TestApproveKeepsFirstTimestamp(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, zerolog.Nop())
	first := time.Date(2026, 5, 4, 15, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return first }
	ctx := context.Background()

	evt, err := svc.Record(ctx, Event{StudentID: "S1", GuardianName: "A", Action: ActionDropoff})
	require.NoError(t, err)

	got, err := svc.Approve(ctx, evt.ID)
	require.NoError(t, err)
	assert.True(t, got.Approved)

	svc.now = func() time.Time { return first.Add(time.Hour) }
	got, err = svc.Approve(ctx, evt.ID)
	require.NoError(t, err)
	assert.Equal(t, first, *got.ApprovedAt)

	_, err = svc.Approve(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListFilters(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, zerolog.Nop())
	ctx := context.Background()
	for _, sid := range []string{"S1", "S2", "S1"} {
		_, err := svc.Record(ctx, Event{StudentID: sid, GuardianName: "A", Action: ActionPickup})
		require.NoError(t, err)
	}
	evts, err := svc.List(ctx, Filter{StudentID: "S1"})
	require.NoError(t, err)
	assert.Len(t, evts, 2)

	pending := false
	evts, err = svc.List(ctx, Filter{Approved: &pending, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestRecordPublishes(t *testing.T) {
	q := queue.NewInMemory(2)
	svc := NewService(NewMemoryStore(), q, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	evt, err := svc.Record(ctx, Event{StudentID: "S1", GuardianName: "A", Action: ActionPickup})
	require.NoError(t, err)

	msgs, err := q.Consume(ctx)
	require.NoError(t, err)
	msg := <-msgs
	assert.Equal(t, queue.TypePickupRecorded, msg.Type)
	var got Event
	require.NoError(t, json.Unmarshal(msg.Body, &got))
	assert.Equal(t, evt.ID, got.ID)
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("Drop-off")
	require.NoError(t, err)
	assert.Equal(t, ActionDropoff, a)
	_, err = ParseAction("wave")
	assert.ErrorIs(t, err, ErrInvalidEvent)
}
