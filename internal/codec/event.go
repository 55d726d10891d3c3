package codec

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/dkeye/Rendezvous/internal/domain"
)

// Event names carried in the "event" field of service frames.
const (
	EventCreated        = "created"
	EventState          = "state"
	EventGlareDiscarded = "glare-discarded"
	EventError          = "error"
	EventPing           = "ping"
	EventPong           = "pong"
)

// Event is a control frame. It never carries a "kind" field, which is how it
// is told apart from a message frame.
type Event struct {
	Event     string             `json:"event"`
	SessionID domain.SessionID   `json:"sessionId,omitempty"`
	State     domain.State       `json:"state,omitempty"`
	Reason    domain.CloseReason `json:"reason,omitempty"`
	Role      domain.Role        `json:"role,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// EventFor renders a notification as the frame sent to one participant.
func EventFor(n domain.Notification) Event {
	if n.Notice != domain.NoticeNone {
		return Event{Event: string(n.Notice), SessionID: n.SessionID, State: n.State, Role: n.To}
	}
	return Event{Event: EventState, SessionID: n.SessionID, State: n.State, Reason: n.Reason}
}

func EncodeEvent(e Event) ([]byte, error) {
	if e.Event == "" {
		return nil, fmt.Errorf("%w: event without name", ErrMalformed)
	}
	return json.Marshal(e)
}

// PeekEvent reports whether frame is an event frame and decodes it if so.
func PeekEvent(frame []byte) (Event, bool) {
	var peek struct {
		Event *string `json:"event"`
		Kind  *string `json:"kind"`
	}
	if err := json.Unmarshal(frame, &peek); err != nil || peek.Event == nil || peek.Kind != nil {
		return Event{}, false
	}
	var e Event
	if err := json.Unmarshal(frame, &e); err != nil {
		return Event{}, false
	}
	return e, true
}
