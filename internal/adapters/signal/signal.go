// Package signal is the WebSocket signaling channel: one connection per
// participant seat, carrying codec frames in both directions.
package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rendezvous/internal/app/orch"
	"github.com/dkeye/Rendezvous/internal/codec"
	"github.com/dkeye/Rendezvous/internal/core"
	"github.com/dkeye/Rendezvous/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
	// InboundBuffer sizes the queue between read pumps and the supervisor.
	InboundBuffer int
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 30 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
	if o.InboundBuffer <= 0 {
		o.InboundBuffer = 256
	}
	return o
}

type seat struct {
	sid  domain.SessionID
	role domain.Role
}

// Hub implements core.Channel over the connections currently bound to seats.
type Hub struct {
	opts    Options
	inbound chan core.Inbound

	mu    sync.RWMutex
	conns map[seat]*WsSignalConn
}

func NewHub(opts Options) *Hub {
	opts = opts.withDefaults()
	return &Hub{
		opts:    opts,
		inbound: make(chan core.Inbound, opts.InboundBuffer),
		conns:   make(map[seat]*WsSignalConn),
	}
}

func (h *Hub) Inbound() <-chan core.Inbound { return h.inbound }

// Send delivers msg to the peer of its sender. An absent or congested peer is
// reported as core.ErrDisconnected.
func (h *Hub) Send(_ context.Context, sid domain.SessionID, msg domain.Message) error {
	frame, err := codec.Encode(msg)
	if err != nil {
		return err
	}
	to := msg.Role.Peer()
	h.mu.RLock()
	c := h.conns[seat{sid, to}]
	h.mu.RUnlock()
	if c == nil {
		return fmt.Errorf("%w: %s not connected", core.ErrDisconnected, to)
	}
	if err := c.TrySend(frame); err != nil {
		return fmt.Errorf("%w: %w", core.ErrDisconnected, err)
	}
	return nil
}

// bind attaches c to a seat. It fails if another live connection holds it.
func (h *Hub) bind(sid domain.SessionID, role domain.Role, c *WsSignalConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.conns[seat{sid, role}]; ok && old != c {
		return false
	}
	h.conns[seat{sid, role}] = c
	return true
}

// unbind reports whether c still held the seat.
func (h *Hub) unbind(sid domain.SessionID, role domain.Role, c *WsSignalConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[seat{sid, role}] != c {
		return false
	}
	delete(h.conns, seat{sid, role})
	return true
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame
	// done is closed when the write pump has exited.
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{conn: ws, send: make(chan core.Frame, buffer), done: make(chan struct{})}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.Drain()
	_ = c.conn.Close()
}

// Drain stops accepting frames; the write pump flushes what is queued and then
// closes the socket.
func (c *WsSignalConn) Drain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// SignalWSController upgrades requests and seats the connection in a session.
type SignalWSController struct {
	Hub     *Hub
	Sup     *orch.Supervisor
	Notes   core.Notifier
	Limiter *CreateRateLimiter
}

func NewSignalWSController(hub *Hub, sup *orch.Supervisor, limiter *CreateRateLimiter) *SignalWSController {
	return &SignalWSController{Hub: hub, Sup: sup, Notes: sup, Limiter: limiter}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) sendEvent(c *WsSignalConn, e codec.Event) {
	frame, err := codec.EncodeEvent(e)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode event")
		return
	}
	if err := c.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("event", e.Event).Msg("event not sent")
	}
}
