package core

import (
	"context"
	"errors"

	"github.com/dkeye/Rendezvous/internal/domain"
)

// ErrDisconnected means the recipient cannot be reached right now.
// Callers retry with backoff; the error is never fatal on its own.
var ErrDisconnected = errors.New("signal: peer disconnected")

// Frame is a raw transport payload.
type Frame []byte

// Inbound is one message received from a participant.
type Inbound struct {
	SessionID domain.SessionID
	Message   domain.Message
}

// Channel is the relay between the service and the two participants of each
// session. Send delivers msg to msg.Role.Peer(). A concrete transport must keep
// messages of one sender within one session in send order.
// Owned by the adapter; the core never closes it.
type Channel interface {
	Send(ctx context.Context, sid domain.SessionID, msg domain.Message) error
	Inbound() <-chan Inbound
}
