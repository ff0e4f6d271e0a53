package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("credential not found")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Relationship of the guardian to the students they collect.
type Relationship string

const (
	RelParent      Relationship = "parent"
	RelGuardian    Relationship = "guardian"
	RelGrandparent Relationship = "grandparent"
	RelSibling     Relationship = "sibling"
	RelAuntUncle   Relationship = "aunt_uncle"
	RelOther       Relationship = "other"
)

// ParseRelationship accepts the tag names plus a few spellings kiosks send.
func ParseRelationship(s string) (Relationship, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "parent":
		return RelParent, nil
	case "guardian":
		return RelGuardian, nil
	case "grandparent":
		return RelGrandparent, nil
	case "sibling":
		return RelSibling, nil
	case "aunt_uncle", "aunt/uncle", "aunt", "uncle":
		return RelAuntUncle, nil
	case "other":
		return RelOther, nil
	}
	return "", &ValidationError{Field: "relationship", Reason: fmt.Sprintf("unknown relationship %q", s)}
}

// ApprovalState of a credential. Rejection deletes the credential, so there
// is no rejected state.
type ApprovalState string

const (
	StatePending  ApprovalState = "pending"
	StateApproved ApprovalState = "approved"
)

// Credential is a guardian's enrolled fingerprint plus the students it
// may collect.
type Credential struct {
	ID           string        `json:"id"`
	GuardianName string        `json:"guardian_name"`
	Relationship Relationship  `json:"relationship"`
	Template     string        `json:"-"`
	State        ApprovalState `json:"approval_state"`
	StudentIDs   []string      `json:"student_ids"`
	CreatedAt    time.Time     `json:"created_at"`
	ApprovedAt   *time.Time    `json:"approved_at,omitempty"`
}

// Approved reports whether pickups may be authorized by this credential.
func (c Credential) Approved() bool { return c.State == StateApproved }

// Links reports whether studentID is linked to the credential.
func (c Credential) Links(studentID string) bool {
	for _, id := range c.StudentIDs {
		if id == studentID {
			return true
		}
	}
	return false
}

// Registration is the parent-submitted request to enroll.
type Registration struct {
	GuardianName string
	Relationship string
	Template     string
	StudentIDs   []string
}

// normalize trims fields, drops blank and duplicate student ids and
// validates what is left.
func (r Registration) normalize() (Registration, Relationship, error) {
	out := Registration{
		GuardianName: strings.TrimSpace(r.GuardianName),
		Template:     strings.TrimSpace(r.Template),
	}
	if out.GuardianName == "" {
		return out, "", &ValidationError{Field: "guardian_name", Reason: "required"}
	}
	rel, err := ParseRelationship(r.Relationship)
	if err != nil {
		return out, "", err
	}
	if out.Template == "" {
		return out, "", &ValidationError{Field: "template", Reason: "required"}
	}
	seen := make(map[string]struct{}, len(r.StudentIDs))
	for _, id := range r.StudentIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out.StudentIDs = append(out.StudentIDs, id)
	}
	if len(out.StudentIDs) == 0 {
		return out, "", &ValidationError{Field: "student_ids", Reason: "at least one student required"}
	}
	return out, rel, nil
}
