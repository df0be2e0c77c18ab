package session

import (
	"context"
	"time"

	"github.com/nugget/backlog-assistant/internal/llm"
)

// Store persists sessions.
type Store interface {
	// Find returns the session if it exists, belongs to owner and has
	// not expired. Anything else is ErrNotFound.
	Find(ctx context.Context, id, owner string) (*Session, error)

	// Create starts an empty session for owner.
	Create(ctx context.Context, owner string) (*Session, error)

	// Append atomically adds msgs to the end of the log. It fails with
	// ErrVersionConflict unless sess.Version matches the stored version.
	// On success sess reflects the new log and version.
	Append(ctx context.Context, sess *Session, msgs ...llm.Message) error

	// AcquireLease grants holder exclusive use of the session for ttl.
	// Re-acquiring an owned or expired lease succeeds; a live lease
	// owned by someone else is ErrLeaseHeld.
	AcquireLease(ctx context.Context, id, holder string, ttl time.Duration) error

	// ReleaseLease drops the lease if holder owns it.
	ReleaseLease(ctx context.Context, id, holder string) error

	Close() error
}
