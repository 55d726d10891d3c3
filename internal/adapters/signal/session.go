package signal

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rendezvous/internal/app"
	"github.com/dkeye/Rendezvous/internal/app/orch"
	"github.com/dkeye/Rendezvous/internal/codec"
	"github.com/dkeye/Rendezvous/internal/domain"
)

// binding is a connection seated as role in session sid.
type binding struct {
	sid  domain.SessionID
	role domain.Role
	conn *WsSignalConn
}

// HandleSignal serves GET /ws/signal?session=&role=. An Initiator without a
// session creates one and is told its id in a "created" event.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	client := c.GetString("client_token")
	role, err := domain.ParseRole(c.Query("role"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_role"})
		return
	}
	sid := domain.SessionID(c.Query("session"))
	if sid == "" && role != domain.RoleInitiator {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_required"})
		return
	}
	if sid == "" && !ctl.Limiter.Allow(client) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "signal").Str("client", client).Str("sid", string(sid)).Str("role", string(role)).Msg("new WS connection")

	conn := newConn(ws, ctl.Hub.opts.SendBuffer)
	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	if sid == "" {
		go ctl.create(ctx, cancel, conn)
		return
	}
	go ctl.join(ctx, cancel, &binding{sid: sid, role: role, conn: conn})
}

func (ctl *SignalWSController) create(ctx context.Context, cancel context.CancelFunc, conn *WsSignalConn) {
	created := false
	_, err := ctl.Sup.CreateAndWaitForPeer(ctx, 0, func(id domain.SessionID) {
		created = true
		b := &binding{sid: id, role: domain.RoleInitiator, conn: conn}
		ctl.Hub.bind(b.sid, b.role, conn)
		ctl.sendEvent(conn, codec.Event{Event: codec.EventCreated, SessionID: id, Role: b.role})
		go ctl.serve(ctx, cancel, b)
	})
	switch {
	case err == nil:
	case !created:
		ctl.reject(conn, cancel, "", err)
	case errors.Is(err, orch.ErrTimeout), errors.Is(err, orch.ErrCancelled):
		log.Info().Err(err).Str("module", "signal").Msg("peer never joined")
	default:
		log.Warn().Err(err).Str("module", "signal").Msg("waiting for peer")
	}
}

func (ctl *SignalWSController) join(ctx context.Context, cancel context.CancelFunc, b *binding) {
	if !ctl.Hub.bind(b.sid, b.role, b.conn) {
		ctl.reject(b.conn, cancel, b.sid, app.ErrRoleTaken)
		return
	}
	var err error
	if b.role == domain.RoleResponder {
		err = ctl.Sup.JoinSession(ctx, b.sid)
	} else {
		err = ctl.Sup.Join(ctx, b.sid, b.role)
	}
	if err != nil {
		ctl.Hub.unbind(b.sid, b.role, b.conn)
		ctl.reject(b.conn, cancel, b.sid, err)
		return
	}
	ctl.serve(ctx, cancel, b)
}

func (ctl *SignalWSController) reject(conn *WsSignalConn, cancel context.CancelFunc, sid domain.SessionID, err error) {
	log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("join rejected")
	ctl.sendEvent(conn, codec.Event{Event: codec.EventError, SessionID: sid, Error: joinErrorCode(err)})
	conn.Drain()
	<-conn.done
	cancel()
}

func joinErrorCode(err error) string {
	switch {
	case errors.Is(err, app.ErrNotFound):
		return "not_found"
	case errors.Is(err, app.ErrRoleTaken):
		return "role_taken"
	case errors.Is(err, app.ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, domain.ErrUnknownRole):
		return "unknown_role"
	default:
		return "join_failed"
	}
}

// serve runs until the connection drops, then gives up the seat.
func (ctl *SignalWSController) serve(ctx context.Context, cancel context.CancelFunc, b *binding) {
	defer cancel()
	notes, unsubscribe := ctl.Notes.Subscribe(b.sid)
	defer unsubscribe()
	go ctl.forwardNotifications(ctx, b, notes)

	ctl.readPump(ctx, b)

	if ctl.Hub.unbind(b.sid, b.role, b.conn) {
		log.Info().Str("module", "signal").Str("sid", string(b.sid)).Str("role", string(b.role)).Msg("participant disconnected")
		ctl.Sup.Leave(b.sid, b.role)
	}
}

func (ctl *SignalWSController) forwardNotifications(ctx context.Context, b *binding, notes <-chan domain.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notes:
			if !ok {
				return
			}
			if n.For(b.role) {
				ctl.sendEvent(b.conn, codec.EventFor(n))
			}
		}
	}
}
