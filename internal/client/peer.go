// Package client is a participant endpoint: it holds one seat of a session
// over the signal socket and drives a media layer from the messages it
// exchanges with the other participant.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rendezvous/internal/codec"
	"github.com/dkeye/Rendezvous/internal/core"
	"github.com/dkeye/Rendezvous/internal/domain"
)

var ErrRejected = errors.New("client: rejected by server")

type Peer struct {
	ws   *websocket.Conn
	sid  domain.SessionID
	role domain.Role

	// writeMu orders sequence numbers with frames on the wire.
	writeMu sync.Mutex
	seq     uint64

	mu     sync.Mutex
	reason domain.CloseReason

	// OnEvent, if set, receives every service event. Set it before Run.
	OnEvent func(codec.Event)
}

// Dial connects to the signal endpoint under base (http or ws scheme). An
// Initiator with an empty sid gets a new session. Sequence numbers start at 1,
// so a participant taking its seat back after a disconnect must use Resume.
func Dial(ctx context.Context, base string, role domain.Role, sid domain.SessionID) (*Peer, error) {
	return Resume(ctx, base, role, sid, 0)
}

// Resume reconnects to an existing seat. The session remembers the last
// sequence number it accepted from the seat, so numbering continues after
// last, which is what Sequence reported on the previous connection.
func Resume(ctx context.Context, base string, role domain.Role, sid domain.SessionID, last uint64) (*Peer, error) {
	u, err := signalURL(base, role, sid)
	if err != nil {
		return nil, err
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	p := &Peer{ws: ws, sid: sid, role: role, seq: last}
	if sid == "" {
		if err := p.awaitCreated(); err != nil {
			_ = ws.Close()
			return nil, err
		}
	}
	log.Info().Str("module", "client").Str("sid", string(p.sid)).Str("role", string(role)).Uint64("seq", last).Msg("connected")
	return p, nil
}

func signalURL(base string, role domain.Role, sid domain.SessionID) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/ws/signal"
	q := url.Values{}
	q.Set("role", string(role))
	if sid != "" {
		q.Set("session", string(sid))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p *Peer) awaitCreated() error {
	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			return err
		}
		e, ok := codec.PeekEvent(data)
		if !ok {
			continue
		}
		switch e.Event {
		case codec.EventCreated:
			p.sid = e.SessionID
			return nil
		case codec.EventError:
			return fmt.Errorf("%w: %s", ErrRejected, e.Error)
		}
	}
}

func (p *Peer) SessionID() domain.SessionID { return p.sid }

// Sequence is the number of the last frame sent.
func (p *Peer) Sequence() uint64 {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.seq
}

// Reason is why the session ended, once Run has returned.
func (p *Peer) Reason() domain.CloseReason {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

func (p *Peer) send(kind domain.Kind, payload string, reason domain.CloseReason) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.sendLocked(kind, payload, reason)
}

func (p *Peer) sendLocked(kind domain.Kind, payload string, reason domain.CloseReason) error {
	p.seq++
	frame, err := codec.Encode(domain.Message{
		SessionID: p.sid,
		Role:      p.role,
		Sequence:  p.seq,
		Kind:      kind,
		Payload:   payload,
		Reason:    reason,
	})
	if err != nil {
		return err
	}
	return p.ws.WriteMessage(websocket.TextMessage, frame)
}

// Offer starts a negotiation, or a renegotiation once connected. The offer is
// numbered before any candidate it produces.
func (p *Peer) Offer(ctx context.Context, media core.MediaLayer) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	sdp, err := media.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	return p.sendLocked(domain.KindOffer, sdp, "")
}

func (p *Peer) Hangup(reason domain.CloseReason) error {
	return p.send(domain.KindBye, "", reason)
}

// Run answers offers, applies answers and candidates, and trickles local
// candidates until a Bye arrives, the socket fails or ctx is done.
func (p *Peer) Run(ctx context.Context, media core.MediaLayer) error {
	media.OnLocalCandidate(func(c string) {
		if err := p.send(domain.KindCandidate, c, ""); err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("send candidate")
		}
	})

	stop := context.AfterFunc(ctx, func() { _ = p.ws.Close() })
	defer stop()

	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if e, ok := codec.PeekEvent(data); ok {
			p.handleEvent(e)
			continue
		}
		msg, err := codec.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("frame dropped")
			continue
		}
		done, err := p.handle(ctx, media, msg)
		if err != nil {
			log.Error().Err(err).Str("module", "client").Str("kind", string(msg.Kind)).Msg("media layer")
		}
		if done {
			return nil
		}
	}
}

func (p *Peer) handleEvent(e codec.Event) {
	switch e.Event {
	case codec.EventError:
		log.Warn().Str("module", "client").Str("error", e.Error).Msg("server error")
	case codec.EventGlareDiscarded:
		// The winning offer follows; AcceptOffer drops the local one.
		log.Info().Str("module", "client").Str("sid", string(p.sid)).Msg("local offer lost glare")
	}
	if p.OnEvent != nil {
		p.OnEvent(e)
	}
}

func (p *Peer) handle(ctx context.Context, media core.MediaLayer, msg domain.Message) (bool, error) {
	switch msg.Kind {
	case domain.KindOffer:
		p.writeMu.Lock()
		defer p.writeMu.Unlock()
		answer, err := media.AcceptOffer(ctx, msg.Payload)
		if err != nil {
			return false, err
		}
		return false, p.sendLocked(domain.KindAnswer, answer, "")
	case domain.KindAnswer:
		return false, media.AcceptAnswer(msg.Payload)
	case domain.KindCandidate:
		return false, media.AddRemoteCandidate(msg.Payload)
	case domain.KindBye:
		p.mu.Lock()
		p.reason = msg.Reason
		p.mu.Unlock()
		log.Info().Str("module", "client").Str("sid", string(p.sid)).Str("reason", string(msg.Reason)).Msg("session ended")
		return true, media.Close()
	}
	return false, nil
}

func (p *Peer) Close() error {
	return p.ws.Close()
}
