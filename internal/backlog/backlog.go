// Package backlog manages each user's game backlog: the games they own
// or want, where they are with each one, and how much they care.
package backlog

import (
	"errors"
	"fmt"
	"time"
)

// Status is where a game sits in the user's backlog.
type Status string

const (
	StatusBacklog   Status = "backlog"
	StatusPlaying   Status = "playing"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
	StatusWishlist  Status = "wishlist"
)

// Statuses lists every valid status in display order.
func Statuses() []Status {
	return []Status{StatusBacklog, StatusPlaying, StatusCompleted, StatusAbandoned, StatusWishlist}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range Statuses() {
		if s == v {
			return true
		}
	}
	return false
}

// Priority bounds. Zero means unprioritized.
const (
	MinPriority = 1
	MaxPriority = 5
)

var (
	// ErrNotFound is returned when an entry does not exist for the
	// requesting user. Entries owned by someone else are not found.
	ErrNotFound = errors.New("backlog entry not found")

	// ErrInvalid wraps validation failures.
	ErrInvalid = errors.New("invalid backlog entry")
)

// Entry is one game in one user's backlog.
type Entry struct {
	ID          int64     `json:"id"`
	UserID      string    `json:"-"`
	GameID      int64     `json:"game_id,omitempty"`
	Title       string    `json:"name"`
	Status      Status    `json:"status"`
	Priority    int       `json:"priority,omitempty"`
	HoursPlayed float64   `json:"hours_played"`
	Notes       string    `json:"notes"`
	CreatedAt   time.Time `json:"-"`
	UpdatedAt   time.Time `json:"-"`
}

// Filter narrows List results.
type Filter struct {
	Status Status // empty matches every status
	Limit  int    // zero or negative means DefaultLimit
}

// Listing limits.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Patch is a partial update. Nil fields are left unchanged; a non-nil
// empty Notes clears the notes.
type Patch struct {
	Status   *Status
	Priority *int
	Notes    *string
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Status == nil && p.Priority == nil && p.Notes == nil
}

func (p Patch) validate() error {
	if p.Status != nil && !p.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, *p.Status)
	}
	if p.Priority != nil && (*p.Priority < MinPriority || *p.Priority > MaxPriority) {
		return fmt.Errorf("%w: priority %d outside %d-%d", ErrInvalid, *p.Priority, MinPriority, MaxPriority)
	}
	return nil
}

func (e *Entry) validate() error {
	if e.UserID == "" {
		return fmt.Errorf("%w: user is required", ErrInvalid)
	}
	if e.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if !e.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, e.Status)
	}
	if e.Priority != 0 && (e.Priority < MinPriority || e.Priority > MaxPriority) {
		return fmt.Errorf("%w: priority %d outside %d-%d", ErrInvalid, e.Priority, MinPriority, MaxPriority)
	}
	return nil
}
