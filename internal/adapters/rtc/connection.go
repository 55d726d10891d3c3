// Package rtc implements the media layer on pion/webrtc. Every connection
// carries one pre-negotiated data channel so an offer always has a media
// section to negotiate.
package rtc

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rendezvous/internal/core"
	"github.com/dkeye/Rendezvous/internal/domain"
)

const dataChannelLabel = "rendezvous"

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// NewAPI builds a pion API whose internal logs go to zerolog.
func NewAPI() *webrtc.API {
	s := webrtc.SettingEngine{LoggerFactory: globalFactory()}
	return webrtc.NewAPI(webrtc.WithSettingEngine(s))
}

type WebRTCConnection struct {
	pc  *webrtc.PeerConnection
	dc  *webrtc.DataChannel
	sid domain.SessionID

	mu          sync.Mutex
	pending     []webrtc.ICECandidateInit
	unapplied   string
	onCandidate func(string)
	onState     func(core.MediaState)
	onMessage   func(string)
	onStream    func(core.RemoteStream)
}

var _ core.MediaLayer = (*WebRTCConnection)(nil)

func NewWebRTCConnection(api *webrtc.API, cfg webrtc.Configuration, sid domain.SessionID) (*WebRTCConnection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	negotiated := true
	var id uint16
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Negotiated: &negotiated, ID: &id})
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	c := &WebRTCConnection{pc: pc, dc: dc, sid: sid}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		payload, err := EncodeCandidate(cand.ToJSON())
		if err != nil {
			log.Error().Err(err).Str("module", "webrtc").Str("sid", string(sid)).Msg("encode candidate")
			return
		}
		c.mu.Lock()
		fn := c.onCandidate
		c.mu.Unlock()
		if fn != nil {
			fn(payload)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("sid", string(sid)).Str("peer_connection_state", s.String()).Msg("Peer state")
		state, ok := mediaState(s)
		if !ok {
			return
		}
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(state)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		stream := core.RemoteStream{StreamID: track.StreamID(), TrackID: track.ID(), Kind: track.Kind().String()}
		log.Info().Str("module", "webrtc").Str("sid", string(sid)).Str("stream", stream.StreamID).Str("kind", stream.Kind).Msg("remote stream ready")
		c.mu.Lock()
		fn := c.onStream
		c.mu.Unlock()
		if fn != nil {
			fn(stream)
		}
		// Nothing renders the media; reading keeps the receiver's buffers moving.
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.mu.Lock()
		fn := c.onMessage
		c.mu.Unlock()
		if fn != nil && msg.IsString {
			fn(string(msg.Data))
		}
	})
	return c, nil
}

func mediaState(s webrtc.PeerConnectionState) (core.MediaState, bool) {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return core.MediaConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return core.MediaConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return core.MediaDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return core.MediaFailed, true
	case webrtc.PeerConnectionStateClosed:
		return core.MediaClosed, true
	default:
		return "", false
	}
}

// CreateOffer returns a local offer. A first offer is applied at once and its
// candidates trickle afterwards through OnLocalCandidate. A renegotiation
// offer is applied only when its answer arrives: pion cannot roll back a local
// offer, and a renegotiation offer may lose glare.
func (c *WebRTCConnection) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if c.pc.CurrentRemoteDescription() != nil {
		c.mu.Lock()
		c.unapplied = offer.SDP
		c.mu.Unlock()
		return offer.SDP, nil
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

// AcceptOffer applies a remote offer, including renegotiation offers, and
// returns the local answer. An unapplied local offer is superseded.
func (c *WebRTCConnection) AcceptOffer(ctx context.Context, offer string) (string, error) {
	if _, err := ValidateSDP(offer); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.takeUnapplied() != "" {
		log.Info().Str("module", "webrtc").Str("sid", string(c.sid)).Msg("local offer superseded by remote offer")
	}
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", err
	}
	c.flushCandidates()

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (c *WebRTCConnection) takeUnapplied() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	offer := c.unapplied
	c.unapplied = ""
	return offer
}

func (c *WebRTCConnection) AcceptAnswer(answer string) error {
	if _, err := ValidateSDP(answer); err != nil {
		return err
	}
	if offer := c.takeUnapplied(); offer != "" {
		if err := c.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
			return err
		}
	}
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return err
	}
	c.flushCandidates()
	return nil
}

// AddRemoteCandidate buffers candidates that arrive before the remote
// description they belong to.
func (c *WebRTCConnection) AddRemoteCandidate(payload string) error {
	cand, err := DecodeCandidate(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.pc.RemoteDescription() == nil {
		c.pending = append(c.pending, cand)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.pc.AddICECandidate(cand)
}

func (c *WebRTCConnection) flushCandidates() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, cand := range pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			log.Warn().Err(err).Str("module", "webrtc").Str("sid", string(c.sid)).Msg("buffered candidate rejected")
		}
	}
}

func (c *WebRTCConnection) OnLocalCandidate(fn func(string)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnStateChange(fn func(core.MediaState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnStreamReady(fn func(core.RemoteStream)) {
	c.mu.Lock()
	c.onStream = fn
	c.mu.Unlock()
}

// AddLocalTrack attaches outgoing media. Call it before CreateOffer, or
// renegotiate afterwards.
func (c *WebRTCConnection) AddLocalTrack(track webrtc.TrackLocal) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// OnMessage sets the callback for text received on the data channel.
func (c *WebRTCConnection) OnMessage(fn func(string)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) SendText(text string) error {
	return c.dc.SendText(text)
}

func (c *WebRTCConnection) Close() error {
	err := c.pc.Close()
	if err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("sid", string(c.sid)).Msg("close error")
	} else {
		log.Info().Str("module", "webrtc").Str("sid", string(c.sid)).Msg("closed")
	}
	return err
}
