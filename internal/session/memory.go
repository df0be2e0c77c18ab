package session

import (
	"context"
	"sync"
	"time"

	"github.com/nugget/backlog-assistant/internal/llm"
)

// MemoryStore keeps sessions in process memory. Sessions are lost on
// restart; use it for the CLI and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memoryRecord
	opts     options
}

type memoryRecord struct {
	sess         *Session
	leaseHolder  string
	leaseExpires time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memoryRecord),
		opts:     buildOptions(opts),
	}
}

func (s *MemoryStore) Find(_ context.Context, id, owner string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[id]
	if !ok || rec.sess.OwnerID != owner || rec.sess.Expired(s.opts.now()) {
		return nil, ErrNotFound
	}
	// Return a copy to avoid race conditions
	return rec.sess.clone(), nil
}

func (s *MemoryStore) Create(_ context.Context, owner string) (*Session, error) {
	sess, err := newSession(owner, s.opts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = &memoryRecord{sess: sess.clone()}
	return sess, nil
}

func (s *MemoryStore) Append(_ context.Context, sess *Session, msgs ...llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sess.ID]
	if !ok {
		return ErrNotFound
	}
	if rec.sess.Version != sess.Version {
		return ErrVersionConflict
	}

	rec.sess.Messages = append(rec.sess.Messages, msgs...)
	rec.sess.Version += int64(len(msgs))
	rec.sess.UpdatedAt = s.opts.now().UTC()

	sess.Messages = append(sess.Messages, msgs...)
	sess.Version = rec.sess.Version
	sess.UpdatedAt = rec.sess.UpdatedAt
	return nil
}

func (s *MemoryStore) AcquireLease(_ context.Context, id, holder string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	now := s.opts.now()
	if rec.leaseHolder != "" && rec.leaseHolder != holder && now.Before(rec.leaseExpires) {
		return ErrLeaseHeld
	}
	rec.leaseHolder = holder
	rec.leaseExpires = now.Add(ttl)
	return nil
}

func (s *MemoryStore) ReleaseLease(_ context.Context, id, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.sessions[id]; ok && rec.leaseHolder == holder {
		rec.leaseHolder = ""
		rec.leaseExpires = time.Time{}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
