// Package session stores chat sessions: an owner, an expiry, and an
// append-only log of messages. Every store enforces the same discipline.
// Appends are compare-and-append against the session's Version, and a
// short-lived lease marks the single request allowed to mutate a session
// at a time.
package session

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/backlog-assistant/internal/llm"
)

// DefaultTTL is how long a session stays usable after creation.
const DefaultTTL = 24 * time.Hour

var (
	// ErrNotFound is returned for sessions that do not exist, belong to
	// another owner, or have expired.
	ErrNotFound = errors.New("session not found")

	// ErrVersionConflict means the session changed since it was read.
	ErrVersionConflict = errors.New("session version conflict")

	// ErrLeaseHeld means another request holds the session's lease.
	ErrLeaseHeld = errors.New("session lease held by another request")
)

// Session is one conversation. Messages are replayed to the model in
// order; Version is the sequence number of the last message (0 when
// the log is empty).
type Session struct {
	ID        string
	OwnerID   string
	Messages  []llm.Message
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// clone returns a copy whose message slice can be appended to without
// affecting the original.
func (s *Session) clone() *Session {
	c := *s
	c.Messages = append([]llm.Message(nil), s.Messages...)
	return &c
}

// Option configures a Store.
type Option func(*options)

type options struct {
	ttl time.Duration
	now func() time.Time
}

// WithTTL overrides DefaultTTL for newly created sessions.
func WithTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{ttl: DefaultTTL, now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func newSession(owner string, o options) (*Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	now := o.now().UTC()
	return &Session{
		ID:        id.String(),
		OwnerID:   owner,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(o.ttl),
	}, nil
}
