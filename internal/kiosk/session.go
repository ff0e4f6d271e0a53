// Package kiosk drives the guardian identification flow at a pickup kiosk:
// check the scanner, capture a fingerprint, match it against enrolled
// credentials, and either record pickups for linked students, report a
// pending approval, or offer registration.
//
// Session holds no presentation code. Callers render the View and subscribe
// to Transitions.
package kiosk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kiosk/internal/matcher"
	"kiosk/internal/metrics"
	"kiosk/internal/pickup"
	"kiosk/internal/registry"
	"kiosk/internal/scanner"
)

// Scanner is the capture side of the fingerprint service.
type Scanner interface {
	CheckAvailable(ctx context.Context) error
	Capture(ctx context.Context, timeout time.Duration) (scanner.Sample, error)
}

// Identifier finds the enrolled identity for a sample.
type Identifier interface {
	Find(ctx context.Context, sample string, candidates []matcher.Candidate) (matcher.Result, error)
}

// Credentials is the registry surface the flow needs.
type Credentials interface {
	Candidates(ctx context.Context) ([]matcher.Candidate, error)
	Get(ctx context.Context, id string) (registry.Credential, error)
	StudentIDs(ctx context.Context, id string) ([]string, error)
	Register(ctx context.Context, reg registry.Registration) (string, error)
}

// Recorder stores pickup events.
type Recorder interface {
	Record(ctx context.Context, evt pickup.Event) (pickup.Event, error)
}

// Deps bundles a session's collaborators.
type Deps struct {
	Scanner        Scanner
	Matcher        Identifier
	Credentials    Credentials
	Recorder       Recorder
	CaptureTimeout time.Duration
	DeviceID       string
	Logger         zerolog.Logger
}

// RegistrationForm is what the guardian enters after a failed match. The
// template comes from the capture already taken in this session.
type RegistrationForm struct {
	GuardianName string   `json:"guardian_name"`
	Relationship string   `json:"relationship"`
	StudentIDs   []string `json:"student_ids"`
}

type step int

const (
	stepNone step = iota
	stepCapture
	stepMatch
	stepResolve
	stepRegister
)

// Session is one guardian interaction at a kiosk. Methods are safe to call
// from several goroutines; device and store calls run one at a time.
type Session struct {
	id       string
	deps     Deps
	log      zerolog.Logger
	listener func(Transition)

	mu       sync.Mutex
	state    State
	message  string
	busy     bool
	gen      uint64 // bumped on cancel; in-flight work from an older gen is discarded
	failed   step
	pending  []Transition
	sample   scanner.Sample
	match    matcher.Result
	cred     registry.Credential
	form     RegistrationForm
	students []StudentStatus
	lastUsed time.Time
}

// NewSession creates an idle session. listener may be nil.
func NewSession(id string, deps Deps, listener func(Transition)) *Session {
	if deps.CaptureTimeout <= 0 {
		deps.CaptureTimeout = 10 * time.Second
	}
	if listener == nil {
		listener = func(Transition) {}
	}
	return &Session{
		id:       id,
		deps:     deps,
		log:      deps.Logger.With().Str("session_id", id).Logger(),
		listener: listener,
		state:    StateIdle,
		lastUsed: time.Now(),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// View returns a snapshot of the session.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// Open checks that the fingerprint service is reachable.
func (s *Session) Open(ctx context.Context) (View, error) {
	gen, err := s.begin(StateIdle)
	if err != nil {
		return s.View(), err
	}
	return s.checkService(ctx, gen), nil
}

// Scan captures a fingerprint and identifies it.
func (s *Session) Scan(ctx context.Context) (View, error) {
	gen, err := s.begin(StateReady)
	if err != nil {
		return s.View(), err
	}
	return s.capture(ctx, gen), nil
}

// Retry re-runs only the step that failed.
func (s *Session) Retry(ctx context.Context) (View, error) {
	gen, err := s.begin(StateServiceUnavailable, StateError)
	if err != nil {
		return s.View(), err
	}
	s.mu.Lock()
	state, failed := s.state, s.failed
	s.mu.Unlock()

	if state == StateServiceUnavailable {
		return s.checkService(ctx, gen), nil
	}
	switch failed {
	case stepCapture:
		return s.capture(ctx, gen), nil
	case stepMatch:
		return s.identify(ctx, gen), nil
	case stepResolve:
		return s.resolve(ctx, gen), nil
	case stepRegister:
		return s.register(ctx, gen)
	}
	s.end()
	return s.View(), ErrInvalidTransition
}

// BeginRegistration moves from not-found to the registration form, keeping
// the captured sample.
func (s *Session) BeginRegistration() (View, error) {
	s.mu.Lock()
	defer s.unlock()
	if s.busy {
		return s.viewLocked(), ErrBusy
	}
	if s.state != StateNotFound {
		return s.viewLocked(), ErrInvalidTransition
	}
	s.transition(StateRegistering, "Enter guardian details and the students to collect.")
	return s.viewLocked(), nil
}

// SubmitRegistration enrolls the captured fingerprint as a pending
// credential. Validation errors keep the form open.
func (s *Session) SubmitRegistration(ctx context.Context, form RegistrationForm) (View, error) {
	gen, err := s.begin(StateRegistering, StateNotFound)
	if err != nil {
		return s.View(), err
	}
	s.mu.Lock()
	s.form = form
	s.mu.Unlock()
	return s.register(ctx, gen)
}

// RecordAction records a pickup or drop-off for one linked student. A
// failure is reported for that student only; other students are unaffected.
func (s *Session) RecordAction(ctx context.Context, studentID string, action pickup.Action) (View, error) {
	gen, err := s.begin(StateStudentSelection)
	if err != nil {
		return s.View(), err
	}

	s.mu.Lock()
	idx := -1
	for i, st := range s.students {
		if st.StudentID == studentID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.busy = false
		s.mu.Unlock()
		return s.View(), ErrStudentNotLinked
	}
	if s.students[idx].EventID != "" {
		s.busy = false
		s.mu.Unlock()
		return s.View(), ErrAlreadyRecorded
	}
	cred, score := s.cred, s.match.Score
	s.mu.Unlock()

	evt, recErr := s.deps.Recorder.Record(ctx, pickup.Event{
		CredentialID: cred.ID,
		StudentID:    studentID,
		GuardianName: cred.GuardianName,
		Relationship: string(cred.Relationship),
		Action:       action,
		MatchScore:   &score,
		DeviceID:     s.deps.DeviceID,
	})

	s.mu.Lock()
	defer s.unlock()
	s.busy = false
	if gen != s.gen {
		return s.viewLocked(), nil
	}
	if recErr != nil {
		s.students[idx].Error = recErr.Error()
		s.log.Error().Err(recErr).Str("student_id", studentID).Msg("record pickup failed")
		return s.viewLocked(), recErr
	}
	s.students[idx] = StudentStatus{StudentID: studentID, Action: string(action), EventID: evt.ID}
	for _, st := range s.students {
		if st.EventID == "" {
			return s.viewLocked(), nil
		}
	}
	s.transition(StateCompleted, "All students recorded.")
	return s.viewLocked(), nil
}

// Cancel ends the session. Work already in flight finishes, but its result
// is discarded.
func (s *Session) Cancel() View {
	s.mu.Lock()
	defer s.unlock()
	if s.state.Closed() {
		return s.viewLocked()
	}
	s.gen++
	s.transition(StateCancelled, "Cancelled.")
	return s.viewLocked()
}

func (s *Session) checkService(ctx context.Context, gen uint64) View {
	s.set(gen, StateCheckingService, "Checking fingerprint service...")
	err := s.deps.Scanner.CheckAvailable(ctx)

	s.mu.Lock()
	defer s.unlock()
	s.busy = false
	if gen != s.gen {
		return s.viewLocked()
	}
	if err != nil {
		countScannerError(err)
		s.log.Warn().Err(err).Msg("fingerprint service unavailable")
		s.transition(StateServiceUnavailable, "Fingerprint service unavailable, please try again later: "+err.Error())
		return s.viewLocked()
	}
	s.transition(StateReady, "Place your finger on the scanner.")
	return s.viewLocked()
}

func (s *Session) capture(ctx context.Context, gen uint64) View {
	s.set(gen, StateScanning, "Scanning...")
	sample, err := s.deps.Scanner.Capture(ctx, s.deps.CaptureTimeout)

	s.mu.Lock()
	if gen != s.gen {
		s.busy = false
		defer s.unlock()
		return s.viewLocked()
	}
	if err != nil {
		defer s.unlock()
		s.busy = false
		countScannerError(err)
		if errors.Is(err, scanner.ErrServiceUnavailable) {
			s.transition(StateServiceUnavailable, "Fingerprint service unavailable, please try again later: "+err.Error())
			return s.viewLocked()
		}
		s.fail(stepCapture, err)
		return s.viewLocked()
	}
	s.sample = sample
	s.unlock()
	return s.identify(ctx, gen)
}

func (s *Session) identify(ctx context.Context, gen uint64) View {
	s.set(gen, StateMatching, "Matching fingerprint...")
	sample := s.sampleTemplate()

	cands, err := s.deps.Credentials.Candidates(ctx)
	var res matcher.Result
	if err == nil {
		res, err = s.deps.Matcher.Find(ctx, sample, cands)
	}

	s.mu.Lock()
	if gen != s.gen {
		s.busy = false
		defer s.unlock()
		return s.viewLocked()
	}
	if err != nil {
		defer s.unlock()
		s.busy = false
		metrics.MatchDecisions.WithLabelValues("error").Inc()
		if errors.Is(err, scanner.ErrServiceUnavailable) {
			s.transition(StateServiceUnavailable, "Fingerprint service unavailable, please try again later: "+err.Error())
			return s.viewLocked()
		}
		s.fail(stepMatch, err)
		return s.viewLocked()
	}
	s.match = res
	if !res.Matched() {
		defer s.unlock()
		s.busy = false
		metrics.MatchDecisions.WithLabelValues("not_found").Inc()
		s.transition(StateNotFound, "Fingerprint not recognised. You can register it for approval.")
		return s.viewLocked()
	}
	s.unlock()
	return s.resolve(ctx, gen)
}

func (s *Session) resolve(ctx context.Context, gen uint64) View {
	s.mu.Lock()
	id := s.match.MatchedID
	s.mu.Unlock()

	cred, err := s.deps.Credentials.Get(ctx, id)
	var students []string
	if err == nil && cred.Approved() {
		students, err = s.deps.Credentials.StudentIDs(ctx, id)
	}

	s.mu.Lock()
	defer s.unlock()
	s.busy = false
	if gen != s.gen {
		return s.viewLocked()
	}
	if err != nil {
		metrics.MatchDecisions.WithLabelValues("error").Inc()
		s.fail(stepResolve, err)
		return s.viewLocked()
	}
	s.cred = cred
	if !cred.Approved() {
		metrics.MatchDecisions.WithLabelValues("pending_approval").Inc()
		s.transition(StatePendingApproval, "Your registration is awaiting approval by school staff.")
		return s.viewLocked()
	}
	s.students = make([]StudentStatus, 0, len(students))
	for _, sid := range students {
		s.students = append(s.students, StudentStatus{StudentID: sid})
	}
	metrics.MatchDecisions.WithLabelValues("matched").Inc()
	s.log.Info().Str("credential_id", id).Int("score", s.match.Score).Msg("guardian identified")
	s.transition(StateStudentSelection, "Welcome "+cred.GuardianName+". Choose pickup or drop-off for each student.")
	return s.viewLocked()
}

// register returns an error only for validation failures, which keep the
// form open.
func (s *Session) register(ctx context.Context, gen uint64) (View, error) {
	s.mu.Lock()
	form, tpl := s.form, s.sample.Template
	s.mu.Unlock()

	id, err := s.deps.Credentials.Register(ctx, registry.Registration{
		GuardianName: form.GuardianName,
		Relationship: form.Relationship,
		Template:     tpl,
		StudentIDs:   form.StudentIDs,
	})

	s.mu.Lock()
	defer s.unlock()
	s.busy = false
	if gen != s.gen {
		return s.viewLocked(), nil
	}
	if errors.Is(err, registry.ErrValidation) {
		if s.state != StateRegistering {
			s.transition(StateRegistering, err.Error())
		} else {
			s.message = err.Error()
		}
		return s.viewLocked(), err
	}
	if err != nil {
		s.fail(stepRegister, err)
		return s.viewLocked(), nil
	}
	s.cred = registry.Credential{ID: id, GuardianName: form.GuardianName, State: registry.StatePending}
	s.transition(StateRegistered, "Registration submitted. School staff must approve it before pickups.")
	return s.viewLocked(), nil
}

// begin claims the session for one operation started from one of states.
func (s *Session) begin(states ...State) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = time.Now()
	if s.busy {
		return 0, ErrBusy
	}
	for _, st := range states {
		if s.state == st {
			s.busy = true
			return s.gen, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrInvalidTransition, s.state)
}

func (s *Session) end() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// set moves to an in-progress state unless the session was cancelled.
func (s *Session) set(gen uint64, to State, msg string) {
	s.mu.Lock()
	defer s.unlock()
	if gen != s.gen {
		return
	}
	s.transition(to, msg)
}

func (s *Session) sampleTemplate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sample.Template
}

// fail enters the error state; Retry resumes at st. Caller holds mu.
func (s *Session) fail(st step, err error) {
	s.failed = st
	s.log.Warn().Err(err).Int("step", int(st)).Msg("kiosk step failed")
	s.transition(StateError, err.Error())
}

// transition records a state change; caller holds mu and releases it with unlock.
func (s *Session) transition(to State, msg string) {
	from := s.state
	s.state = to
	s.message = msg
	if to != StateError {
		s.failed = stepNone
	}
	s.pending = append(s.pending, Transition{
		SessionID: s.id,
		From:      from,
		To:        to,
		Message:   msg,
		Next:      to.NextAction(),
		At:        time.Now().UTC(),
	})
	s.log.Debug().Str("from", string(from)).Str("to", string(to)).Msg("transition")
}

// unlock releases mu and then notifies the listener, so listeners may read
// the session without deadlocking.
func (s *Session) unlock() {
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, t := range pending {
		s.listener(t)
	}
}

func (s *Session) viewLocked() View {
	v := View{
		ID:            s.id,
		State:         s.state,
		Next:          s.state.NextAction(),
		Message:       s.message,
		HasSample:     s.sample.Template != "",
		SampleQuality: s.sample.Quality,
		CredentialID:  s.cred.ID,
		GuardianName:  s.cred.GuardianName,
		Relationship:  string(s.cred.Relationship),
		Score:         s.match.Score,
	}
	if len(s.students) > 0 {
		v.Students = append([]StudentStatus(nil), s.students...)
	}
	return v
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

func countScannerError(err error) {
	kind := "protocol"
	switch {
	case errors.Is(err, scanner.ErrServiceUnavailable):
		kind = "unavailable"
	case errors.Is(err, scanner.ErrCaptureTimeout):
		kind = "timeout"
	case errors.Is(err, scanner.ErrCaptureQuality):
		kind = "quality"
	}
	metrics.ScannerErrors.WithLabelValues(kind).Inc()
}

// DeviceID returns the kiosk the session belongs to.
func (s *Session) DeviceID() string { return s.deps.DeviceID }
