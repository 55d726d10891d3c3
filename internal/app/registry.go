package app

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Rendezvous/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrRoleTaken         = errors.New("role already taken")
	ErrNotFound          = errors.New("session not found")
	ErrSessionClosed     = errors.New("session closed")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// sessionEntry serializes every mutation of one session.
type sessionEntry struct {
	mu      sync.Mutex
	session domain.Session
}

// Registry owns all sessions. The map lock is held only to find or insert an
// entry; work on a session happens under that session's own lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*sessionEntry
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[domain.SessionID]*sessionEntry),
		now:      time.Now,
	}
}

func (r *Registry) entry(id domain.SessionID) (*sessionEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	return e, ok
}

// CreateSession allocates a fresh, never-reused id in state Empty.
func (r *Registry) CreateSession() domain.SessionID {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	id := domain.NewSessionID()
	for {
		if _, taken := r.sessions[id]; !taken {
			break
		}
		id = domain.NewSessionID()
	}
	r.sessions[id] = &sessionEntry{session: domain.Session{
		ID:             id,
		State:          domain.StateEmpty,
		Participants:   make(map[domain.Role]domain.ParticipantHandle, 2),
		CreatedAt:      now,
		LastActivityAt: now,
	}}
	log.Info().Str("module", "app.registry").Str("sid", string(id)).Msg("created session")
	return id
}

func (r *Registry) Join(id domain.SessionID, role domain.Role) error {
	if !role.Valid() {
		return domain.ErrUnknownRole
	}
	e, ok := r.entry(id)
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := &e.session
	if s.State.Terminal() || s.TeardownPending {
		return ErrSessionClosed
	}
	if s.Has(role) {
		return ErrRoleTaken
	}
	s.Participants[role] = domain.ParticipantHandle{SessionID: id, Role: role}
	s.LastActivityAt = r.now()
	log.Info().Str("module", "app.registry").Str("sid", string(id)).Str("role", string(role)).Msg("joined")
	return nil
}

// Leave frees the role's seat. It reports true when the session became empty
// and was marked for teardown.
func (r *Registry) Leave(id domain.SessionID, role domain.Role) bool {
	e, ok := r.entry(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := &e.session
	if !s.Has(role) {
		return false
	}
	delete(s.Participants, role)
	log.Info().Str("module", "app.registry").Str("sid", string(id)).Str("role", string(role)).Msg("left")
	if len(s.Participants) == 0 && !s.State.Terminal() {
		s.TeardownPending = true
		log.Info().Str("module", "app.registry").Str("sid", string(id)).Msg("marked for teardown")
		return true
	}
	return false
}

func (r *Registry) Get(id domain.SessionID) (domain.Session, bool) {
	e, ok := r.entry(id)
	if !ok {
		return domain.Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone(), true
}

func (r *Registry) List() []domain.Session {
	r.mu.RLock()
	entries := make([]*sessionEntry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]domain.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.session.Clone())
		e.mu.Unlock()
	}
	return out
}

func (r *Registry) Destroy(id domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return
	}
	delete(r.sessions, id)
	log.Info().Str("module", "app.registry").Str("sid", string(id)).Msg("destroyed session")
}

// Transition moves a session along the state table. Only the negotiation
// machine owning the session calls it.
func (r *Registry) Transition(id domain.SessionID, to domain.State, reason domain.CloseReason) error {
	e, ok := r.entry(id)
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := &e.session
	if !s.State.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, to)
	}
	from := s.State
	s.State = to
	s.LastActivityAt = r.now()
	if to == domain.StateClosed {
		s.CloseReason = reason
	}
	log.Info().Str("module", "app.registry").Str("sid", string(id)).
		Str("from", string(from)).Str("to", string(to)).Str("reason", string(reason)).Msg("state changed")
	return nil
}

// Touch records activity on a session.
func (r *Registry) Touch(id domain.SessionID) {
	e, ok := r.entry(id)
	if !ok {
		return
	}
	e.mu.Lock()
	e.session.LastActivityAt = r.now()
	e.mu.Unlock()
}
