package registry

import (
	"context"
	"time"

	"kiosk/internal/matcher"
)

// Store persists credentials and their student links. Every method is
// atomic per credential; implementations must never leave a credential
// without its links or links without their credential.
type Store interface {
	// Create inserts the credential and one link per student id.
	Create(ctx context.Context, cred Credential) error
	Get(ctx context.Context, id string) (Credential, error)
	// Approve marks the credential approved. approvedAt is only stored on
	// the first approval.
	Approve(ctx context.Context, id string, approvedAt time.Time) (Credential, error)
	// Delete removes the credential and its links.
	Delete(ctx context.Context, id string) error
	// List returns credentials in the given state, all when state is empty,
	// oldest first.
	List(ctx context.Context, state ApprovalState) ([]Credential, error)
	StudentIDs(ctx context.Context, id string) ([]string, error)
	// Templates returns every credential with a non-empty template, oldest first.
	Templates(ctx context.Context) ([]matcher.Candidate, error)
}
