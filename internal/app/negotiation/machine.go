// Package negotiation runs the offer/answer protocol of one session.
//
// Each Machine is an actor: a single goroutine owns the session's protocol
// state and handles inbound messages, joins, leaves, close requests and timers
// one at a time. Sessions never share a Machine, so they progress
// independently.
package negotiation

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rendezvous/internal/app"
	"github.com/dkeye/Rendezvous/internal/core"
	"github.com/dkeye/Rendezvous/internal/domain"
)

var ErrClosed = errors.New("negotiation: session closed")

const byeTimeout = time.Second

// Store is the part of the registry a Machine writes through.
type Store interface {
	Get(id domain.SessionID) (domain.Session, bool)
	Transition(id domain.SessionID, to domain.State, reason domain.CloseReason) error
	Touch(id domain.SessionID)
}

type Config struct {
	// GraceTimeout closes a session that sees no valid message while an offer
	// is outstanding.
	GraceTimeout time.Duration
	// GapTimeout closes a session whose held messages wait this long for a
	// missing sequence number.
	GapTimeout time.Duration
	// GlareWindow delays a Responder's renegotiation offer so a concurrent
	// Initiator offer can still win. It is never zero.
	GlareWindow time.Duration
	Retry       app.RetryPolicy
	// OutboxLimit caps messages queued for a participant that has not joined.
	OutboxLimit int
	InboxSize   int
}

// Documented fallbacks for zero values.
const (
	DefaultGraceTimeout = 30 * time.Second
	DefaultGlareWindow  = 250 * time.Millisecond
	DefaultOutboxLimit  = 64
	DefaultInboxSize    = 128
)

func (c Config) withDefaults() Config {
	if c.GraceTimeout <= 0 {
		c.GraceTimeout = DefaultGraceTimeout
	}
	if c.GapTimeout <= 0 {
		c.GapTimeout = c.GraceTimeout
	}
	if c.GlareWindow <= 0 {
		c.GlareWindow = DefaultGlareWindow
	}
	if c.Retry == nil {
		c.Retry = app.ExponentialRetry{MaxAttempts: 5, Base: 100 * time.Millisecond}
	}
	if c.OutboxLimit <= 0 {
		c.OutboxLimit = DefaultOutboxLimit
	}
	if c.InboxSize <= 0 {
		c.InboxSize = DefaultInboxSize
	}
	return c
}

type eventKind int

const (
	evMessage eventKind = iota
	evJoin
	evLeave
	evClose
)

type event struct {
	kind   eventKind
	msg    domain.Message
	role   domain.Role
	reason domain.CloseReason
	ack    chan error
}

type Machine struct {
	id     domain.SessionID
	store  Store
	ch     core.Channel
	cfg    Config
	notify func(domain.Notification)
	log    zerolog.Logger

	inbox chan event
	ready chan struct{}
	done  chan struct{}

	// Owned by the Run goroutine.
	ctx     context.Context
	cancel  context.CancelFunc
	state   domain.State
	offerer domain.Role
	joined  map[domain.Role]bool
	seq     map[domain.Role]*sequencer
	outbox  map[domain.Role][]domain.Message
	held    *domain.Message
	grace   *time.Timer
	gap     *time.Timer
	glare   *time.Timer
	isReady bool
	closed  bool
	reason  domain.CloseReason
}

// New builds the machine for a session the store already knows about.
// notify is called from the machine goroutine for every state change and notice.
func New(id domain.SessionID, store Store, ch core.Channel, cfg Config, notify func(domain.Notification)) *Machine {
	cfg = cfg.withDefaults()
	if notify == nil {
		notify = func(domain.Notification) {}
	}
	state := domain.StateEmpty
	if s, ok := store.Get(id); ok {
		state = s.State
	}
	return &Machine{
		id:     id,
		store:  store,
		ch:     ch,
		cfg:    cfg,
		notify: notify,
		log:    log.With().Str("module", "negotiation").Str("sid", string(id)).Logger(),
		inbox:  make(chan event, cfg.InboxSize),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		state:  state,
		joined: make(map[domain.Role]bool, 2),
		seq: map[domain.Role]*sequencer{
			domain.RoleInitiator: newSequencer(),
			domain.RoleResponder: newSequencer(),
		},
		outbox: make(map[domain.Role][]domain.Message, 2),
	}
}

func (m *Machine) ID() domain.SessionID { return m.id }

// Done is closed once the session reached Closed and the machine stopped.
func (m *Machine) Done() <-chan struct{} { return m.done }

// Ready is closed once both roles have joined.
func (m *Machine) Ready() <-chan struct{} { return m.ready }

// Reason is valid after Done is closed.
func (m *Machine) Reason() domain.CloseReason {
	<-m.done
	return m.reason
}

// Deliver queues an inbound message without blocking. A full inbox drops the
// message; the sender's resulting sequence gap is then handled by the gap timer.
func (m *Machine) Deliver(msg domain.Message) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.inbox <- event{kind: evMessage, msg: msg}:
		return true
	case <-m.done:
		return false
	default:
		m.log.Warn().Str("role", string(msg.Role)).Uint64("seq", msg.Sequence).Msg("inbox full, message dropped")
		return false
	}
}

// Join tells the machine role has taken its seat (the registry join already
// succeeded) and waits until messages queued for it were flushed.
func (m *Machine) Join(ctx context.Context, role domain.Role) error {
	ack := make(chan error, 1)
	if err := m.post(ctx, event{kind: evJoin, role: role, ack: ack}); err != nil {
		return err
	}
	select {
	case err := <-ack:
		return err
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) Leave(role domain.Role) {
	_ = m.post(context.Background(), event{kind: evLeave, role: role})
}

// Close terminates the session with reason; joined participants get a Bye.
func (m *Machine) Close(reason domain.CloseReason) {
	_ = m.post(context.Background(), event{kind: evClose, reason: reason})
}

// Hangup ends the session on role's behalf: only its peer receives a Bye.
func (m *Machine) Hangup(role domain.Role, reason domain.CloseReason) {
	_ = m.post(context.Background(), event{kind: evClose, role: role, reason: reason})
}

func (m *Machine) post(ctx context.Context, ev event) error {
	select {
	case m.inbox <- ev:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// Run processes events until the session closes. Cancelling ctx closes the
// session with ReasonCancelled.
func (m *Machine) Run(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	defer close(m.done)
	defer m.cancel()

	m.log.Debug().Msg("machine started")
	for !m.closed {
		select {
		case <-m.ctx.Done():
			m.close(domain.ReasonCancelled, "")
		case ev := <-m.inbox:
			m.handle(ev)
		case <-timerC(m.grace):
			m.grace = nil
			m.log.Info().Str("state", string(m.state)).Msg("negotiation grace timeout")
			m.close(domain.ReasonTimeout, "")
		case <-timerC(m.gap):
			m.gap = nil
			m.log.Info().Msg("sequence gap not filled in time")
			m.close(domain.ReasonSequenceGapTimeout, "")
		case <-timerC(m.glare):
			m.glare = nil
			m.releaseHeldOffer()
		}
	}
	m.log.Debug().Str("reason", string(m.reason)).Msg("machine stopped")
}

func (m *Machine) handle(ev event) {
	switch ev.kind {
	case evMessage:
		m.receive(ev.msg)
	case evJoin:
		err := m.onJoin(ev.role)
		ev.ack <- err
	case evLeave:
		m.onLeave(ev.role)
	case evClose:
		if ev.role.Valid() && m.joined[ev.role.Peer()] {
			m.sendOnce(domain.NewBye(m.id, ev.role, domain.SystemSequence, ev.reason))
		}
		m.close(ev.reason, ev.role)
	}
}

func (m *Machine) onJoin(role domain.Role) error {
	if !role.Valid() {
		return domain.ErrUnknownRole
	}
	m.joined[role] = true
	m.log.Info().Str("role", string(role)).Int("queued", len(m.outbox[role])).Msg("participant joined")

	queued := m.outbox[role]
	m.outbox[role] = nil
	for _, msg := range queued {
		if !m.send(msg) {
			return ErrClosed
		}
	}
	if !m.isReady && m.joined[domain.RoleInitiator] && m.joined[domain.RoleResponder] {
		m.isReady = true
		close(m.ready)
	}
	return nil
}

func (m *Machine) onLeave(role domain.Role) {
	m.joined[role] = false
	m.log.Info().Str("role", string(role)).Msg("participant left")
	if s, ok := m.store.Get(m.id); !ok || s.TeardownPending {
		m.close(domain.ReasonDisconnected, "")
	}
}

func (m *Machine) receive(msg domain.Message) {
	l := m.log.With().Str("role", string(msg.Role)).Str("kind", string(msg.Kind)).Uint64("seq", msg.Sequence).Logger()
	switch {
	case msg.SessionID != m.id:
		l.Warn().Str("msg_sid", string(msg.SessionID)).Msg("message for another session dropped")
		return
	case !msg.Role.Valid():
		l.Warn().Msg("message without role dropped")
		return
	case msg.Sequence == domain.SystemSequence:
		l.Warn().Msg("participant used reserved sequence number")
		return
	case !m.joined[msg.Role]:
		l.Warn().Msg("message from a participant that has not joined dropped")
		return
	}

	bypass := msg.Kind == domain.KindCandidate && m.trickleAllowed()
	ready, res := m.seq[msg.Role].push(msg, bypass)
	switch res {
	case pushDuplicate:
		l.Debug().Msg("duplicate dropped")
		return
	case pushOutOfWindow:
		l.Warn().Msg("sequence number outside reorder window dropped")
		return
	case pushBypassed:
		l.Debug().Msg("candidate trickled ahead of sequence")
		m.store.Touch(m.id)
		m.forward(msg)
		m.armGrace()
	case pushHeld:
		l.Debug().Msg("held until gap is filled")
		if m.gap == nil {
			m.gap = time.NewTimer(m.cfg.GapTimeout)
		}
		return
	}

	for _, r := range ready {
		if m.closed {
			return
		}
		m.apply(r)
	}
	if m.closed {
		return
	}
	if res == pushReady {
		m.rearmGap()
	}
}

// rearmGap restarts the gap timer after progress, or stops it when nothing is
// held any more.
func (m *Machine) rearmGap() {
	stopTimer(&m.gap)
	for _, s := range m.seq {
		if s.waiting() {
			m.gap = time.NewTimer(m.cfg.GapTimeout)
			return
		}
	}
}

func (m *Machine) trickleAllowed() bool {
	switch m.state {
	case domain.StateNegotiating, domain.StateConnected, domain.StateRenegotiating:
		return true
	}
	return false
}

// apply runs one in-order message through the transition table.
func (m *Machine) apply(msg domain.Message) {
	var ok bool
	switch msg.Kind {
	case domain.KindOffer:
		ok = m.onOffer(msg)
	case domain.KindAnswer:
		ok = m.onAnswer(msg)
	case domain.KindCandidate:
		ok = m.onCandidate(msg)
	case domain.KindBye:
		m.onBye(msg)
		return
	}
	if !ok {
		m.log.Warn().Str("role", string(msg.Role)).Str("kind", string(msg.Kind)).
			Str("state", string(m.state)).Msg("message not allowed in this state, dropped")
		return
	}
	if m.closed {
		return
	}
	m.store.Touch(m.id)
	m.armGrace()
}

func (m *Machine) onOffer(msg domain.Message) bool {
	from := msg.Role
	switch m.state {
	case domain.StateEmpty:
		if from != domain.RoleInitiator {
			return false
		}
		m.offerer = from
		m.transition(domain.StateNegotiating)
		m.forward(msg)
	case domain.StateConnected:
		m.offerer = from
		m.transition(domain.StateRenegotiating)
		if from == domain.RoleResponder {
			held := msg
			m.held = &held
			m.glare = time.NewTimer(m.cfg.GlareWindow)
			return true
		}
		m.forward(msg)
	case domain.StateNegotiating, domain.StateRenegotiating:
		switch {
		case from == m.offerer:
			if m.held != nil {
				held := msg
				m.held = &held
				return true
			}
			m.forward(msg)
		case from == domain.RoleInitiator:
			m.discardResponderOffer()
			m.offerer = from
			m.forward(msg)
		default:
			m.log.Info().Msg("glare: responder offer discarded")
			m.notice(domain.NoticeGlareDiscarded, domain.RoleResponder)
		}
	default:
		return false
	}
	return true
}

// discardResponderOffer drops a held Responder offer that lost glare.
func (m *Machine) discardResponderOffer() {
	if m.held != nil {
		m.held = nil
		stopTimer(&m.glare)
	}
	m.log.Info().Msg("glare: initiator offer wins")
	m.notice(domain.NoticeGlareDiscarded, domain.RoleResponder)
}

func (m *Machine) releaseHeldOffer() {
	if m.held == nil {
		return
	}
	msg := *m.held
	m.held = nil
	m.forward(msg)
}

func (m *Machine) onAnswer(msg domain.Message) bool {
	if !m.state.Negotiating() || msg.Role == m.offerer || m.held != nil {
		return false
	}
	if !m.forward(msg) {
		return true
	}
	m.offerer = ""
	m.transition(domain.StateConnected)
	return true
}

func (m *Machine) onCandidate(msg domain.Message) bool {
	if !m.trickleAllowed() {
		return false
	}
	m.forward(msg)
	return true
}

func (m *Machine) onBye(msg domain.Message) {
	reason := msg.Reason
	if reason == "" {
		reason = "bye"
	}
	if m.joined[msg.Role.Peer()] {
		m.sendOnce(msg)
	}
	m.close(reason, msg.Role)
}

// forward routes msg to the sender's peer, queueing it while the peer is not
// joined. It reports false when the session had to close.
func (m *Machine) forward(msg domain.Message) bool {
	to := msg.Role.Peer()
	if !m.joined[to] {
		if len(m.outbox[to]) >= m.cfg.OutboxLimit {
			m.log.Error().Str("to", string(to)).Msg("outbox full")
			m.close(domain.ReasonChannelFailure, "")
			return false
		}
		m.outbox[to] = append(m.outbox[to], msg)
		return true
	}
	return m.send(msg)
}

func (m *Machine) send(msg domain.Message) bool {
	err := app.SendWithRetry(m.ctx, m.cfg.Retry,
		func() error { return m.ch.Send(m.ctx, m.id, msg) },
		func(err error, wait time.Duration) {
			m.log.Warn().Err(err).Str("kind", string(msg.Kind)).Dur("retry_in", wait).Msg("send failed, retrying")
		})
	if err != nil {
		m.log.Error().Err(err).Str("kind", string(msg.Kind)).Msg("send failed")
		m.close(domain.ReasonChannelFailure, "")
		return false
	}
	return true
}

// sendOnce is used while closing, where a failed send changes nothing.
func (m *Machine) sendOnce(msg domain.Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), byeTimeout)
	defer cancel()
	if err := m.ch.Send(ctx, m.id, msg); err != nil {
		m.log.Debug().Err(err).Str("kind", string(msg.Kind)).Msg("best-effort send failed")
	}
}

func (m *Machine) transition(to domain.State) {
	if err := m.store.Transition(m.id, to, ""); err != nil {
		m.log.Error().Err(err).Msg("registry rejected transition")
	}
	m.state = to
	m.notify(domain.Notification{SessionID: m.id, State: to, At: time.Now()})
}

func (m *Machine) notice(n domain.Notice, to domain.Role) {
	m.notify(domain.Notification{SessionID: m.id, State: m.state, Notice: n, To: to, At: time.Now()})
}

// armGrace keeps the grace timer running exactly while an offer is outstanding.
func (m *Machine) armGrace() {
	stopTimer(&m.grace)
	if m.state.Negotiating() {
		m.grace = time.NewTimer(m.cfg.GraceTimeout)
	}
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// close ends the session once. Participants other than origin receive a Bye
// synthesized on their peer's behalf.
func (m *Machine) close(reason domain.CloseReason, origin domain.Role) {
	if m.closed {
		return
	}
	m.closed = true
	stopTimer(&m.grace)
	stopTimer(&m.gap)
	stopTimer(&m.glare)
	m.held = nil

	if origin == "" {
		for _, r := range domain.Roles {
			if m.joined[r] {
				m.sendOnce(domain.NewBye(m.id, r.Peer(), domain.SystemSequence, reason))
			}
		}
	}
	if err := m.store.Transition(m.id, domain.StateClosed, reason); err != nil {
		m.log.Warn().Err(err).Msg("registry close")
	}
	m.state = domain.StateClosed
	m.reason = reason
	m.outbox = nil
	m.log.Info().Str("reason", string(reason)).Msg("session closed")
	m.notify(domain.Notification{SessionID: m.id, State: domain.StateClosed, Reason: reason, At: time.Now()})
}
