package session

import (
	"errors"
	"math/big"
	"sync"
)

// ErrSessionNotFound is returned by store operations addressing an id that
// has never been Set.
var ErrSessionNotFound = errors.New("session not found")

// ErrAccrueRejected is returned by Accrue when the increment would violate
// the cap, deadline, or open-status invariant.
var ErrAccrueRejected = errors.New("accrue rejected")

// ErrTransitionRejected is returned by Transition when the session's
// current status doesn't match the expected "from" state.
var ErrTransitionRejected = errors.New("transition rejected")

// Store is a concurrency-safe sessionId -> Session map. It is coarse-locked:
// a single mutex protects the whole map, which is sufficient at the scale a
// facilitator process handles and keeps "no torn reads" trivially true.
// Every exported method is a single atomic operation; callers never see a
// session mid-mutation from another goroutine.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewStore builds an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Get returns a snapshot copy of the session at id.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return session.clone(), true
}

// Set installs or replaces the whole record for id.
func (s *Store) Set(id string, session Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := session.clone()
	stored.ID = id
	s.sessions[id] = &stored
}

// Accrue atomically increments pendingSpent by delta iff the session is
// open, the increment keeps settledTotal+pendingSpent within cap, and the
// deadline has more than deadlineBufferSec of headroom. Returns the
// session's new pendingSpent on success.
func (s *Store) Accrue(id string, delta *big.Int, now int64, deadlineBufferSec int64) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if session.Status != StatusOpen {
		return nil, ErrAccrueRejected
	}
	if session.Deadline <= now+deadlineBufferSec {
		return nil, ErrAccrueRejected
	}

	projected := new(big.Int).Add(session.SettledTotal, session.PendingSpent)
	projected.Add(projected, delta)
	if projected.Cmp(session.Cap) > 0 {
		return nil, ErrAccrueRejected
	}

	session.PendingSpent = new(big.Int).Add(session.PendingSpent, delta)
	return new(big.Int).Set(session.PendingSpent), nil
}

// Transition CASes status from "from" to "to", failing if the session's
// current status doesn't match "from". This is the single-writer lock for
// settlement: two concurrent callers racing open->settling see exactly one
// success.
func (s *Store) Transition(id string, from, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if session.Status != from {
		return ErrTransitionRejected
	}
	session.Status = to
	return nil
}

// Iterate returns a snapshot of every session currently in the store, safe
// for a sweeper to range over without holding the store lock.
func (s *Store) Iterate() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session.clone())
	}
	return out
}

// RecoverSettling returns every session left in the "settling" state,
// typically called once at process startup. A session found here survived
// a crash mid-settlement; its on-chain outcome is unknown and it is left
// untouched (not force-transitioned) pending operator action or a receipt
// query this facilitator doesn't perform automatically.
func (s *Store) RecoverSettling() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Session
	for _, session := range s.sessions {
		if session.Status == StatusSettling {
			out = append(out, session.clone())
		}
	}
	return out
}
