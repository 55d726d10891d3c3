package orch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rendezvous/internal/app"
	"github.com/dkeye/Rendezvous/internal/app/negotiation"
	"github.com/dkeye/Rendezvous/internal/domain"
)

// Join seats role in an existing session and waits until messages queued for
// it were delivered. It is also how a participant reconnects to its seat.
func (s *Supervisor) Join(ctx context.Context, id domain.SessionID, role domain.Role) error {
	m, ok := s.machine(id)
	if !ok {
		if sess, found := s.Registry.Get(id); found && sess.State.Terminal() {
			return fmt.Errorf("join %s: %w", role, app.ErrSessionClosed)
		}
		return fmt.Errorf("join %s: %w", role, app.ErrNotFound)
	}
	if err := s.Registry.Join(id, role); err != nil {
		return fmt.Errorf("join %s: %w", role, err)
	}
	if err := m.Join(ctx, role); err != nil {
		s.Registry.Leave(id, role)
		if errors.Is(err, negotiation.ErrClosed) {
			return fmt.Errorf("join %s: %w", role, app.ErrSessionClosed)
		}
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	log.Info().Str("module", "app.orch").Str("sid", string(id)).Str("role", string(role)).Msg("participant seated")
	return nil
}

func (s *Supervisor) Leave(id domain.SessionID, role domain.Role) {
	s.Registry.Leave(id, role)
	if m, ok := s.machine(id); ok {
		m.Leave(role)
	}
}

// Open creates a session with the caller seated as Initiator.
func (s *Supervisor) Open(ctx context.Context) (domain.SessionID, error) {
	id := s.Create()
	if err := s.Join(ctx, id, domain.RoleInitiator); err != nil {
		s.Close(id, domain.ReasonCancelled)
		return id, err
	}
	return id, nil
}

// WaitForPeer blocks until both seats of id are taken. Expiry closes the
// session with ReasonTimeout, cancellation with ReasonCancelled.
func (s *Supervisor) WaitForPeer(ctx context.Context, id domain.SessionID, timeout time.Duration) error {
	m, ok := s.machine(id)
	if !ok {
		return app.ErrNotFound
	}
	if timeout <= 0 {
		timeout = s.cfg.JoinTimeout
	}
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-m.Ready():
		return nil
	case <-m.Done():
		return fmt.Errorf("%w: %s", app.ErrSessionClosed, m.Reason())
	case <-t.C:
		log.Info().Str("module", "app.orch").Str("sid", string(id)).Dur("timeout", timeout).Msg("no peer joined")
		m.Close(domain.ReasonTimeout)
		return ErrTimeout
	case <-ctx.Done():
		m.Close(domain.ReasonCancelled)
		return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
}

// CreateAndWaitForPeer is the Initiator flow. onCreated, if set, receives the
// id as soon as it exists so it can be handed to the Responder.
func (s *Supervisor) CreateAndWaitForPeer(ctx context.Context, timeout time.Duration, onCreated func(domain.SessionID)) (domain.SessionID, error) {
	id, err := s.Open(ctx)
	if err != nil {
		return id, err
	}
	if onCreated != nil {
		onCreated(id)
	}
	return id, s.WaitForPeer(ctx, id, timeout)
}

// JoinSession is the Responder flow. Cancelling ctx before the join completes
// tears the session down.
func (s *Supervisor) JoinSession(ctx context.Context, id domain.SessionID) error {
	err := s.Join(ctx, id, domain.RoleResponder)
	if errors.Is(err, ErrCancelled) {
		s.Close(id, domain.ReasonCancelled)
	}
	return err
}
