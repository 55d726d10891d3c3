package signal

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rendezvous/internal/codec"
	"github.com/dkeye/Rendezvous/internal/core"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.Hub.opts.PingPeriod)
	defer ticker.Stop()
	defer close(c.done)
	defer c.conn.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("ping failed")
				return
			}
		}
	}
}

// readPump forwards frames from b until the connection fails, then closes it.
func (ctl *SignalWSController) readPump(ctx context.Context, b *binding) {
	c := b.conn
	defer c.Close()

	pongWait := ctl.Hub.opts.PingPeriod * 10 / 9
	c.conn.SetReadLimit(ctl.Hub.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Str("module", "signal").Str("sid", string(b.sid)).Msg("readPump read error")
			}
			return
		}
		if !ctl.handleFrame(ctx, b, data) {
			return
		}
	}
}

// handleFrame reports false once the connection should stop reading.
func (ctl *SignalWSController) handleFrame(ctx context.Context, b *binding, data []byte) bool {
	if e, ok := codec.PeekEvent(data); ok {
		ctl.handleControl(b, e)
		return true
	}
	msg, err := codec.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(b.sid)).Str("role", string(b.role)).Msg("frame dropped")
		ctl.sendEvent(b.conn, codec.Event{Event: codec.EventError, SessionID: b.sid, Error: errorCode(err)})
		return true
	}
	if msg.SessionID != b.sid || msg.Role != b.role {
		log.Warn().Str("module", "signal").Str("sid", string(b.sid)).Str("role", string(b.role)).
			Str("frame_sid", string(msg.SessionID)).Str("frame_role", string(msg.Role)).Msg("frame for another seat dropped")
		return true
	}
	select {
	case ctl.Hub.inbound <- core.Inbound{SessionID: msg.SessionID, Message: msg}:
		return true
	case <-ctx.Done():
		return false
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, codec.ErrUnknownVariant):
		return "unknown_kind"
	case errors.Is(err, codec.ErrMalformed):
		return "malformed"
	default:
		return "bad_frame"
	}
}
