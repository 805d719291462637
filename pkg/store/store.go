// Package store implements the Session Store: the indexed set of live
// sessions, their lifecycle-state transitions, and the idle-timeout
// reaper. It is the sole owner of Session records; every other component
// holds only ids.
package store

import (
	"sync"
	"time"

	"github.com/sandboxd/sandboxd/pkg/sandboxerr"
	"github.com/sandboxd/sandboxd/pkg/types"
)

// validTransitions enumerates the session lifecycle graph. A transition
// not listed here is rejected with InvalidState.
var validTransitions = map[types.SessionState][]types.SessionState{
	types.SessionCreating:   {types.SessionRunning, types.SessionDestroyed},
	types.SessionRunning:    {types.SessionDestroying, types.SessionExpired},
	types.SessionDestroying: {types.SessionDestroyed},
}

// Stats summarizes the store's contents for the admin surface.
type Stats struct {
	Total   int
	ByState map[types.SessionState]int
}

// Store is an in-memory, mutex-guarded map of session id to Session. It
// holds no persisted state: the process is stateless across restarts, per
// the spec's Non-goals.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]types.Session
}

// New constructs an empty Store.
func New() *Store {
	return &Store{sessions: make(map[string]types.Session)}
}

// Create inserts a new Session. The caller is responsible for id
// uniqueness; Create overwrites silently if called twice for the same id
// (callers are expected to generate globally unique ids upstream).
func (s *Store) Create(sess types.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

// Get returns the session for id. A session is observable by id iff its
// state is non-terminal.
func (s *Store) Get(id string) (types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok || sess.State.Terminal() {
		return types.Session{}, sandboxerr.New(sandboxerr.SessionNotFound, "no session with id "+id)
	}
	return sess, nil
}

// UpdateActivity bumps lastActivityAt for id to now. A no-op if the
// session is absent or terminal.
func (s *Store) UpdateActivity(id string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.State.Terminal() {
		return
	}
	sess.LastActivityAt = now
	s.sessions[id] = sess
}

// TransitionState moves the session from 'from' to 'to', whole-record
// replacement under the Store's critical section. Rejects any transition
// not present in the lifecycle graph or whose current state does not
// match 'from'.
func (s *Store) TransitionState(id string, from, to types.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return sandboxerr.New(sandboxerr.SessionNotFound, "no session with id "+id)
	}
	if sess.State != from {
		return sandboxerr.New(sandboxerr.InvalidState,
			"expected state "+string(from)+" but session is "+string(sess.State))
	}
	if !isValidTransition(from, to) {
		return sandboxerr.New(sandboxerr.InvalidState,
			"no transition "+string(from)+" -> "+string(to))
	}
	sess.State = to
	s.sessions[id] = sess
	return nil
}

func isValidTransition(from, to types.SessionState) bool {
	for _, candidate := range validTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Remove deletes the session entirely.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// List returns a snapshot of every tracked session, terminal or not.
func (s *Store) List() []types.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Stats summarizes total sessions and a per-state breakdown.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Total: len(s.sessions), ByState: make(map[types.SessionState]int)}
	for _, sess := range s.sessions {
		st.ByState[sess.State]++
	}
	return st
}

// ActiveCount returns the number of non-terminal sessions, each backed by
// exactly one live container. Satisfies circuitbreaker.ContainerCounter.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sess := range s.sessions {
		if !sess.State.Terminal() {
			n++
		}
	}
	return n
}

// idleRunning returns RUNNING sessions whose lastActivityAt age has
// reached their configured timeout, as of now.
func (s *Store) idleRunning(now time.Time) []types.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var idle []types.Session
	for _, sess := range s.sessions {
		if sess.State != types.SessionRunning {
			continue
		}
		age := now.Sub(sess.LastActivityAt)
		if age >= time.Duration(sess.TimeoutMs)*time.Millisecond {
			idle = append(idle, sess)
		}
	}
	return idle
}
