package kiosk

import (
	"errors"
	"time"
)

// State of a kiosk session.
type State string

const (
	StateIdle               State = "idle"
	StateCheckingService    State = "checking-service"
	StateServiceUnavailable State = "service-unavailable"
	StateReady              State = "ready"
	StateScanning           State = "scanning"
	StateMatching           State = "matching"
	StateNotFound           State = "not-found"
	StateRegistering        State = "registering"
	StateRegistered         State = "registered"
	StatePendingApproval    State = "pending-approval"
	StateStudentSelection   State = "student-selection"
	StateCompleted          State = "completed"
	StateCancelled          State = "cancelled"
	StateError              State = "error"
)

// Action is the one thing the operator is offered next.
type Action string

const (
	ActionOpen     Action = "open"
	ActionWait     Action = "wait"
	ActionRetry    Action = "retry"
	ActionScan     Action = "scan"
	ActionRegister Action = "register"
	ActionSubmit   Action = "submit"
	ActionSelect   Action = "select"
	ActionClose    Action = "close"
)

var nextActions = map[State]Action{
	StateIdle:               ActionOpen,
	StateCheckingService:    ActionWait,
	StateServiceUnavailable: ActionRetry,
	StateReady:              ActionScan,
	StateScanning:           ActionWait,
	StateMatching:           ActionWait,
	StateNotFound:           ActionRegister,
	StateRegistering:        ActionSubmit,
	StateRegistered:         ActionClose,
	StatePendingApproval:    ActionClose,
	StateStudentSelection:   ActionSelect,
	StateCompleted:          ActionClose,
	StateCancelled:          ActionClose,
	StateError:              ActionRetry,
}

// NextAction returns the primary action offered in s.
func (s State) NextAction() Action { return nextActions[s] }

// Closed reports whether the session can no longer change.
func (s State) Closed() bool {
	return s == StateCompleted || s == StateRegistered || s == StateCancelled
}

var (
	ErrInvalidTransition = errors.New("operation not allowed in current state")
	ErrBusy              = errors.New("session is busy")
	ErrStudentNotLinked  = errors.New("student is not linked to this credential")
	ErrAlreadyRecorded   = errors.New("student already has a recorded action")
	ErrSessionNotFound   = errors.New("session not found")
)

// Transition is emitted on every state change.
type Transition struct {
	SessionID string    `json:"session_id"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Message   string    `json:"message,omitempty"`
	Next      Action    `json:"next"`
	At        time.Time `json:"at"`
}

// StudentStatus tracks one linked student during selection.
type StudentStatus struct {
	StudentID string `json:"student_id"`
	Action    string `json:"action,omitempty"`
	EventID   string `json:"event_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// View is a read-only copy of the session for presentation.
type View struct {
	ID            string          `json:"id"`
	State         State           `json:"state"`
	Next          Action          `json:"next"`
	Message       string          `json:"message,omitempty"`
	HasSample     bool            `json:"has_sample"`
	SampleQuality int             `json:"sample_quality,omitempty"`
	CredentialID  string          `json:"credential_id,omitempty"`
	GuardianName  string          `json:"guardian_name,omitempty"`
	Relationship  string          `json:"relationship,omitempty"`
	Score         int             `json:"score,omitempty"`
	Students      []StudentStatus `json:"students,omitempty"`
}
