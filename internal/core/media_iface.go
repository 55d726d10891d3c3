package core

import "context"

// MediaState is the connection state reported by the media layer.
type MediaState string

const (
	MediaConnecting   MediaState = "connecting"
	MediaConnected    MediaState = "connected"
	MediaDisconnected MediaState = "disconnected"
	MediaFailed       MediaState = "failed"
	MediaClosed       MediaState = "closed"
)

// RemoteStream describes a remote track once its first packet has arrived.
type RemoteStream struct {
	StreamID string
	TrackID  string
	Kind     string
}

// MediaLayer is the peer-connection library seen from a participant.
// Offer, answer and candidate payloads are opaque strings to everything but
// the implementation.
type MediaLayer interface {
	// CreateOffer produces a local offer. It is applied locally no later than
	// the matching AcceptAnswer.
	CreateOffer(ctx context.Context) (string, error)
	// AcceptOffer applies a remote offer and returns the local answer. A local
	// offer still waiting for its answer is dropped.
	AcceptOffer(ctx context.Context, offer string) (string, error)
	AcceptAnswer(answer string) error
	// AddRemoteCandidate may be called before a remote description exists.
	AddRemoteCandidate(candidate string) error
	// OnLocalCandidate sets a callback for newly gathered local candidates.
	OnLocalCandidate(func(candidate string))
	OnStateChange(func(MediaState))
	// OnStreamReady sets a callback for each remote stream that starts
	// delivering media.
	OnStreamReady(func(RemoteStream))
	Close() error
}
