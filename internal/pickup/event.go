package pickup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidEvent = errors.New("invalid pickup event")
	ErrNotFound     = errors.New("pickup event not found")
)

// Action is what the guardian did with the student.
type Action string

const (
	ActionPickup  Action = "pickup"
	ActionDropoff Action = "dropoff"
)

// ParseAction accepts "pickup" and "dropoff" (also "drop-off").
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pickup", "pick-up":
		return ActionPickup, nil
	case "dropoff", "drop-off":
		return ActionDropoff, nil
	}
	return "", fmt.Errorf("%w: unknown action %q", ErrInvalidEvent, s)
}

// Event is one recorded pickup or drop-off. Events start unapproved even when
// the guardian's credential is approved; staff confirm each event.
type Event struct {
	ID           string     `json:"id"`
	CredentialID string     `json:"credential_id,omitempty"`
	StudentID    string     `json:"student_id"`
	GuardianName string     `json:"guardian_name"`
	Relationship string     `json:"relationship"`
	Action       Action     `json:"action_type"`
	Approved     bool       `json:"approved"`
	MatchScore   *int       `json:"match_score,omitempty"`
	DeviceID     string     `json:"device_id,omitempty"`
	OccurredAt   time.Time  `json:"occurred_at"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	StudentID string
	Approved  *bool
	Limit     int
	Offset    int
}

// Store persists pickup events.
type Store interface {
	Insert(ctx context.Context, evt Event) error
	Approve(ctx context.Context, id string, at time.Time) (Event, error)
	List(ctx context.Context, f Filter) ([]Event, error)
}
