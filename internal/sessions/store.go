// Package sessions holds the in-memory authoritative registry of live
// sessions.
//
// A Session exists only while its control connection is up; durable state
// lives in the session lease. The store owns the session objects — other
// components refer to sessions by id only. An idle sweep removes sessions
// whose last activity exceeds the configured timeout, invoking the teardown
// callback so an expired session never leaks an OS process or socket file.
package sessions

import (
	"context"
	"log"
	"sync"
	"time"
)

// Session is the transient, process-local record of a live session.
type Session struct {
	ID           string `json:"session_id"`
	AccountID    string `json:"account_id"`
	ConnectionID uint   `json:"connection_id"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	// ControlSocketPath is the filesystem handle to the multiplexed
	// connection.
	ControlSocketPath string    `json:"-"`
	ConnectedAt       time.Time `json:"connected_at"`
	LastActivity      time.Time `json:"last_activity"`
}

// TeardownFunc is invoked when a session is removed, with the reason the
// removal happened ("idle", "user", "exhausted", ...). It runs outside the
// store lock.
type TeardownFunc func(sessionID, reason string)

// Store is the synchronized session registry.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	idleTimeout time.Duration
	teardown    TeardownFunc
}

// NewStore creates a Store. teardown may be nil if removal side effects are
// wired later with SetTeardown.
func NewStore(idleTimeout time.Duration, teardown TeardownFunc) *Store {
	return &Store{
		sessions:    make(map[string]*Session),
		idleTimeout: idleTimeout,
		teardown:    teardown,
	}
}

// SetTeardown wires the removal side effect. Must be called before any
// Remove or sweep can fire.
func (s *Store) SetTeardown(fn TeardownFunc) {
	s.mu.Lock()
	s.teardown = fn
	s.mu.Unlock()
}

// Create registers a session. The session's LastActivity is initialized if
// unset.
func (s *Store) Create(sess *Session) {
	now := time.Now()
	if sess.ConnectedAt.IsZero() {
		sess.ConnectedAt = now
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = now
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
}

// Get returns a copy of the session, or false when it does not exist.
// A session that idle-expired is indistinguishable from one that never
// existed: both are simply gone.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.RUnlock()
		return Session{}, false
	}
	cp := *sess
	s.mu.RUnlock()
	return cp, true
}

// Touch refreshes the session's last-activity time. Touching an absent
// session is a no-op.
func (s *Store) Touch(id string) {
	s.mu.Lock()
	if sess, ok := s.sessions[id]; ok {
		sess.LastActivity = time.Now()
	}
	s.mu.Unlock()
}

// Remove deletes the session and triggers teardown with the given reason.
// Removing an absent session is a no-op and reports false; exactly one
// caller observes true for any session, which makes every teardown path
// idempotent under concurrent triggers.
func (s *Store) Remove(id, reason string) bool {
	s.mu.Lock()
	_, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	teardown := s.teardown
	s.mu.Unlock()

	if ok && teardown != nil {
		teardown(id, reason)
	}
	return ok
}

// List returns a snapshot of all live sessions.
func (s *Store) List() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	return out
}

// CountForAccount returns the number of live sessions owned by an account.
func (s *Store) CountForAccount(accountID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.AccountID == accountID {
			n++
		}
	}
	return n
}

// Sweep removes every session idle past the timeout. Returns the ids removed.
func (s *Store) Sweep() []string {
	cutoff := time.Now().Add(-s.idleTimeout)

	s.mu.RLock()
	var expired []string
	for id, sess := range s.sessions {
		if sess.LastActivity.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range expired {
		if s.Remove(id, "idle") {
			log.Printf("[sessions] session %s idle-expired", id)
		}
	}
	return expired
}

// StartSweeper runs Sweep on the given interval until ctx is canceled.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}
