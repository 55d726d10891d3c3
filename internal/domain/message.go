package domain

import "time"

type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
	KindBye       Kind = "bye"
)

func (k Kind) Known() bool {
	switch k {
	case KindOffer, KindAnswer, KindCandidate, KindBye:
		return true
	}
	return false
}

// SystemSequence marks messages the service synthesizes on a participant's
// behalf (timeout or cancellation Bye). Participants number from 1.
const SystemSequence uint64 = 0

// Message is one signaling message. Payload is opaque to the service.
type Message struct {
	SessionID SessionID
	Role      Role
	Sequence  uint64
	Kind      Kind
	Payload   string
	Reason    CloseReason
}

func NewOffer(sid SessionID, from Role, seq uint64, sdp string) Message {
	return Message{SessionID: sid, Role: from, Sequence: seq, Kind: KindOffer, Payload: sdp}
}

func NewAnswer(sid SessionID, from Role, seq uint64, sdp string) Message {
	return Message{SessionID: sid, Role: from, Sequence: seq, Kind: KindAnswer, Payload: sdp}
}

func NewCandidate(sid SessionID, from Role, seq uint64, candidate string) Message {
	return Message{SessionID: sid, Role: from, Sequence: seq, Kind: KindCandidate, Payload: candidate}
}

func NewBye(sid SessionID, from Role, seq uint64, reason CloseReason) Message {
	return Message{SessionID: sid, Role: from, Sequence: seq, Kind: KindBye, Reason: reason}
}

type Notice string

const (
	NoticeNone           Notice = ""
	NoticeGlareDiscarded Notice = "glare-discarded"
)

// Notification is what the presentation layer sees of a session.
// To is empty for state changes (both sides) and set for notices.
type Notification struct {
	SessionID SessionID   `json:"session_id"`
	State     State       `json:"state"`
	Reason    CloseReason `json:"reason,omitempty"`
	Notice    Notice      `json:"notice,omitempty"`
	To        Role        `json:"to,omitempty"`
	At        time.Time   `json:"at"`
}

// For reports whether n is addressed to role r.
func (n Notification) For(r Role) bool {
	return n.To == "" || n.To == r
}
