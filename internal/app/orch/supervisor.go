// Package orch supervises sessions: it creates them, wires each one to its
// negotiation machine, routes inbound messages, enforces timeouts and makes
// sure every closed session leaves the registry.
package orch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rendezvous/internal/app"
	"github.com/dkeye/Rendezvous/internal/app/negotiation"
	"github.com/dkeye/Rendezvous/internal/core"
	"github.com/dkeye/Rendezvous/internal/domain"
)

var (
	ErrTimeout   = errors.New("supervisor: timed out waiting for peer")
	ErrCancelled = errors.New("supervisor: cancelled")
)

type Config struct {
	// IdleTTL closes sessions with no activity for this long, in any state.
	IdleTTL       time.Duration
	SweepInterval time.Duration
	// JoinTimeout is used by WaitForPeer when the caller passes no timeout.
	JoinTimeout time.Duration
	Negotiation negotiation.Config
}

const (
	DefaultIdleTTL       = 10 * time.Minute
	DefaultSweepInterval = 5 * time.Second
	DefaultJoinTimeout   = 2 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.IdleTTL <= 0 {
		c.IdleTTL = DefaultIdleTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	return c
}

type Supervisor struct {
	Registry *app.Registry
	Channel  core.Channel

	cfg    Config
	base   context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	machines map[domain.SessionID]*negotiation.Machine

	subs notifyHub
}

func New(reg *app.Registry, ch core.Channel, cfg Config) *Supervisor {
	base, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		Registry: reg,
		Channel:  ch,
		cfg:      cfg.withDefaults(),
		base:     base,
		cancel:   cancel,
		machines: make(map[domain.SessionID]*negotiation.Machine),
		subs:     notifyHub{subs: make(map[domain.SessionID]map[int]chan domain.Notification)},
	}
}

func (s *Supervisor) machine(id domain.SessionID) (*negotiation.Machine, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.machines[id]
	return m, ok
}

func (s *Supervisor) forget(id domain.SessionID) {
	s.mu.Lock()
	delete(s.machines, id)
	s.mu.Unlock()
}

// Create allocates a session and starts its machine. Nobody has joined yet.
func (s *Supervisor) Create() domain.SessionID {
	id := s.Registry.CreateSession()
	m := negotiation.New(id, s.Registry, s.Channel, s.cfg.Negotiation, s.publish)
	s.mu.Lock()
	s.machines[id] = m
	s.mu.Unlock()
	go m.Run(s.base)
	log.Info().Str("module", "app.orch").Str("sid", string(id)).Msg("session started")
	return id
}

func (s *Supervisor) Get(id domain.SessionID) (domain.Session, bool) {
	return s.Registry.Get(id)
}

// Close ends a session with reason. It reports false for unknown sessions.
func (s *Supervisor) Close(id domain.SessionID, reason domain.CloseReason) bool {
	m, ok := s.machine(id)
	if !ok {
		return false
	}
	m.Close(reason)
	return true
}

// Hangup ends a session on role's behalf; only its peer is sent a Bye.
func (s *Supervisor) Hangup(id domain.SessionID, role domain.Role, reason domain.CloseReason) bool {
	m, ok := s.machine(id)
	if !ok {
		return false
	}
	m.Hangup(role, reason)
	return true
}

func (s *Supervisor) Cancel(id domain.SessionID) bool {
	return s.Close(id, domain.ReasonCancelled)
}

// Run routes inbound messages and sweeps sessions until ctx is done. On return
// every running session is closed.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.cancel()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	log.Info().Str("module", "app.orch").Dur("sweep", s.cfg.SweepInterval).Dur("idle_ttl", s.cfg.IdleTTL).Msg("supervisor running")
	inbound := s.Channel.Inbound()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "app.orch").Msg("supervisor stopping")
			return nil
		case in, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			s.dispatch(in)
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *Supervisor) dispatch(in core.Inbound) {
	m, ok := s.machine(in.SessionID)
	if !ok {
		log.Warn().Str("module", "app.orch").Str("sid", string(in.SessionID)).
			Str("kind", string(in.Message.Kind)).Msg("message for unknown session dropped")
		return
	}
	m.Deliver(in.Message)
}
