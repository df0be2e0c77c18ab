// Package profile resolves the visibility of a user's game platform
// profile. Visibility decides which tools may act on the user's data.
package profile

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Visibility is how much of a profile the platform exposes.
type Visibility string

const (
	VisibilityPublic      Visibility = "public"
	VisibilityFriendsOnly Visibility = "friends_only"
	VisibilityPrivate     Visibility = "private"
	VisibilityUnknown     Visibility = "unknown"
)

// Summary is what the platform reports about a player.
type Summary struct {
	Visibility        Visibility `json:"visibility"`
	ProfileConfigured bool       `json:"profile_configured"`
	PersonaName       string     `json:"persona_name,omitempty"`
	AvatarURL         string     `json:"avatar_url,omitempty"`
	ProfileURL        string     `json:"profile_url,omitempty"`
}

// Fetcher looks up a player summary by platform ID.
type Fetcher interface {
	FetchPlayerSummary(ctx context.Context, platformID string) (*Summary, error)
}

// DefaultCacheTTL is how long a resolved visibility is trusted.
const DefaultCacheTTL = time.Hour

// Resolver caches visibility lookups. A nil Resolver, a Resolver with
// no Fetcher, or a failed lookup all resolve to VisibilityUnknown.
type Resolver struct {
	fetcher Fetcher
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	visibility Visibility
	checkedAt  time.Time
}

// NewResolver creates a resolver. fetcher may be nil.
func NewResolver(fetcher Fetcher, ttl time.Duration, logger *slog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		fetcher: fetcher,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
		cache:   make(map[string]cacheEntry),
	}
}

// Visibility returns the profile visibility for platformID.
func (r *Resolver) Visibility(ctx context.Context, platformID string) Visibility {
	if r == nil || r.fetcher == nil || platformID == "" {
		return VisibilityUnknown
	}

	r.mu.Lock()
	entry, ok := r.cache[platformID]
	r.mu.Unlock()
	if ok && r.now().Sub(entry.checkedAt) < r.ttl {
		return entry.visibility
	}

	summary, err := r.fetcher.FetchPlayerSummary(ctx, platformID)
	if err != nil {
		r.logger.Warn("profile visibility lookup failed", "platform_id", platformID, "error", err)
		if ok {
			// Stale beats unknown.
			return entry.visibility
		}
		return VisibilityUnknown
	}

	r.mu.Lock()
	r.cache[platformID] = cacheEntry{visibility: summary.Visibility, checkedAt: r.now()}
	r.mu.Unlock()

	r.logger.Debug("profile visibility refreshed", "platform_id", platformID, "visibility", summary.Visibility)
	return summary.Visibility
}
