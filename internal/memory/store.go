// Package memory holds conversation turns: the transcript model, the
// session stores that persist it between requests, and the condenser
// that fits it into a model's context window.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"
)

// DefaultSessionTTL is how long an idle session survives.
const DefaultSessionTTL = 24 * time.Hour

// SessionStore persists chat transcripts keyed by session id. Expired
// sessions read as empty.
type SessionStore interface {
	// Get returns the session's turns in order, or nil if the session
	// does not exist or has expired.
	Get(ctx context.Context, sessionID string) ([]Turn, error)
	// Append adds one turn atomically and refreshes the expiry.
	Append(ctx context.Context, sessionID string, turn Turn) error
	// Replace swaps the whole transcript, used after condensation.
	Replace(ctx context.Context, sessionID string, turns []Turn) error
	// Clear deletes the session.
	Clear(ctx context.Context, sessionID string) error
	// SetExpiry sets the inactivity window for the session.
	SetExpiry(ctx context.Context, sessionID string, ttl time.Duration) error
	// Stats summarizes the session.
	Stats(ctx context.Context, sessionID string) (SessionStats, error)
}

// SessionStats counts turns by role with first and last timestamps.
type SessionStats struct {
	SessionID string       `json:"session_id"`
	Total     int          `json:"total"`
	ByRole    map[Role]int `json:"by_role"`
	First     time.Time    `json:"first,omitzero"`
	Last      time.Time    `json:"last,omitzero"`
	ExpiresAt time.Time    `json:"expires_at,omitzero"`
}

func statsFor(sessionID string, turns []Turn) SessionStats {
	s := SessionStats{SessionID: sessionID, ByRole: make(map[Role]int)}
	for _, t := range turns {
		s.Total++
		s.ByRole[t.Role]++
		if s.First.IsZero() || t.Timestamp.Before(s.First) {
			s.First = t.Timestamp
		}
		if t.Timestamp.After(s.Last) {
			s.Last = t.Timestamp
		}
	}
	return s
}

type memSession struct {
	turns   []Turn
	ttl     time.Duration
	expires time.Time
}

// MemStore is an in-memory SessionStore with lazy expiry.
type MemStore struct {
	mu       sync.Mutex
	sessions map[string]*memSession
	ttl      time.Duration
	now      func() time.Time
}

// NewMemStore creates an in-memory store. A non-positive ttl selects
// DefaultSessionTTL.
func NewMemStore(ttl time.Duration) *MemStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &MemStore{
		sessions: make(map[string]*memSession),
		ttl:      ttl,
		now:      time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (s *MemStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// live returns the session if present and unexpired. Expired sessions
// are removed. Caller holds mu.
func (s *MemStore) live(id string) *memSession {
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	if !s.now().Before(sess.expires) {
		delete(s.sessions, id)
		return nil
	}
	return sess
}

func (s *MemStore) getOrCreate(id string) *memSession {
	sess := s.live(id)
	if sess == nil {
		sess = &memSession{ttl: s.ttl}
		s.sessions[id] = sess
	}
	return sess
}

// Get implements SessionStore.
func (s *MemStore) Get(_ context.Context, sessionID string) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.live(sessionID)
	if sess == nil {
		return nil, nil
	}
	return slices.Clone(sess.turns), nil
}

// Append implements SessionStore.
func (s *MemStore) Append(_ context.Context, sessionID string, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrCreate(sessionID)
	sess.turns = append(sess.turns, turn)
	sess.expires = s.now().Add(sess.ttl)
	return nil
}

// Replace implements SessionStore.
func (s *MemStore) Replace(_ context.Context, sessionID string, turns []Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrCreate(sessionID)
	sess.turns = slices.Clone(turns)
	sess.expires = s.now().Add(sess.ttl)
	return nil
}

// Clear implements SessionStore.
func (s *MemStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
	return nil
}

// SetExpiry implements SessionStore.
func (s *MemStore) SetExpiry(_ context.Context, sessionID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.live(sessionID)
	if sess == nil {
		return nil
	}
	sess.ttl = ttl
	sess.expires = s.now().Add(ttl)
	return nil
}

// Stats implements SessionStore.
func (s *MemStore) Stats(_ context.Context, sessionID string) (SessionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.live(sessionID)
	if sess == nil {
		return statsFor(sessionID, nil), nil
	}
	st := statsFor(sessionID, sess.turns)
	st.ExpiresAt = sess.expires
	return st, nil
}
