package analytics

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"studymate-backend/internal/models"
)

// entry wraps one session's state with its own lock so mutations on
// different sessions never contend (single-writer-per-session discipline).
type entry struct {
	mu    sync.Mutex
	state models.SessionState
}

// tombstone keeps the terminal snapshot of a recently ended session so a
// repeated EndSession stays idempotent instead of reporting NotFound.
type tombstone struct {
	state   models.SessionState
	endedAt time.Time
}

// Store is the in-memory registry of active sessions. It is the only shared
// mutable state of the pipeline; all access goes through Create/Get/Mutate/
// Evict, never through direct field access.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*entry
	ended     map[string]*tombstone
	retention time.Duration
}

func NewStore(tombstoneRetention time.Duration) *Store {
	return &Store{
		sessions:  make(map[string]*entry),
		ended:     make(map[string]*tombstone),
		retention: tombstoneRetention,
	}
}

// Create registers a new active session. It fails with ErrAlreadyExists when
// the identifier is in use, including by a recently ended session.
func (s *Store) Create(id string, userID, subjectID uuid.UUID, now time.Time) (models.SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; ok {
		return models.SessionState{}, ErrAlreadyExists
	}
	if _, ok := s.ended[id]; ok {
		return models.SessionState{}, ErrAlreadyExists
	}

	e := &entry{state: models.SessionState{
		ID:             id,
		UserID:         userID,
		SubjectID:      subjectID,
		StartedAt:      now,
		LastActivityAt: now,
		Status:         models.SessionStatusActive,
	}}
	s.sessions[id] = e
	return e.state, nil
}

func (s *Store) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	return e, ok
}

// Get returns a copy of the session state.
func (s *Store) Get(id string) (models.SessionState, error) {
	e, ok := s.lookup(id)
	if !ok {
		return models.SessionState{}, ErrNotFound
	}
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()
	return state, nil
}

// Mutate applies fn atomically to the session's state and returns the
// resulting copy. No other mutator observes a torn intermediate state. The
// last-activity timestamp and cumulative active duration are clamped so they
// never move backwards, and a terminal status is never overwritten.
func (s *Store) Mutate(id string, fn func(*models.SessionState)) (models.SessionState, error) {
	e, ok := s.lookup(id)
	if !ok {
		return models.SessionState{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Status == models.SessionStatusEnded {
		return e.state, ErrSessionEnded
	}

	before := e.state
	fn(&e.state)

	if e.state.LastActivityAt.Before(before.LastActivityAt) {
		e.state.LastActivityAt = before.LastActivityAt
	}
	if e.state.ActiveSeconds < before.ActiveSeconds {
		e.state.ActiveSeconds = before.ActiveSeconds
	}
	// Transitions are one-directional. Termination only happens through
	// End, which owns the tombstone bookkeeping, and an idle session never
	// climbs back to active.
	if e.state.Status == models.SessionStatusEnded ||
		(before.Status == models.SessionStatusIdle && e.state.Status == models.SessionStatusActive) {
		e.state.Status = before.Status
	}

	return e.state, nil
}

// End transitions the session to its terminal state, records a tombstone and
// removes the live entry. Ending an already-ended session returns the same
// terminal snapshot with no error.
func (s *Store) End(id string, now time.Time) (models.SessionState, error) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok {
		if t, had := s.ended[id]; had {
			state := t.state
			s.mu.Unlock()
			return state, ErrSessionEnded
		}
		s.mu.Unlock()
		return models.SessionState{}, ErrNotFound
	}
	delete(s.sessions, id)
	s.mu.Unlock()

	e.mu.Lock()
	e.state.Status = models.SessionStatusEnded
	ended := now
	e.state.EndedAt = &ended
	state := e.state
	e.mu.Unlock()

	s.mu.Lock()
	s.ended[id] = &tombstone{state: state, endedAt: now}
	s.mu.Unlock()

	return state, nil
}

// Evict removes the entry without recording a tombstone. Idempotent.
func (s *Store) Evict(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// SweepIdle walks active sessions and steps stale ones down the lifecycle:
// active sessions past the threshold become idle, idle ones become ended and
// are evicted. An active session stale past twice the threshold ends in the
// same pass instead of waiting out another interval in idle. The returned
// slice holds the terminal snapshots of everything ended by this sweep. Each
// session is locked individually; no global lock is held across a mutation.
// Expired tombstones are pruned on the way.
func (s *Store) SweepIdle(threshold time.Duration, now time.Time) []models.SessionState {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	var ended []models.SessionState
	for _, id := range ids {
		e, ok := s.lookup(id)
		if !ok {
			continue
		}

		e.mu.Lock()
		staleness := now.Sub(e.state.LastActivityAt)
		status := e.state.Status
		e.mu.Unlock()

		if staleness <= threshold {
			continue
		}

		switch status {
		case models.SessionStatusActive:
			if staleness > 2*threshold {
				state, err := s.End(id, now)
				if err == nil {
					ended = append(ended, state)
				}
				continue
			}
			_, _ = s.Mutate(id, func(st *models.SessionState) {
				st.Status = models.SessionStatusIdle
			})
		case models.SessionStatusIdle:
			state, err := s.End(id, now)
			if err == nil {
				ended = append(ended, state)
			}
		}
	}

	s.mu.Lock()
	for id, t := range s.ended {
		if now.Sub(t.endedAt) > s.retention {
			delete(s.ended, id)
		}
	}
	s.mu.Unlock()

	return ended
}

// ActiveByUser returns copies of the user's live sessions.
func (s *Store) ActiveByUser(userID uuid.UUID) []models.SessionState {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []models.SessionState
	for _, e := range entries {
		e.mu.Lock()
		if e.state.UserID == userID {
			out = append(out, e.state)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
