// Package domain contains entities without transport or lifecycle logic.
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrUnknownRole = errors.New("unknown role")

type SessionID string

func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

func (id SessionID) String() string { return string(id) }

// Role is the fixed position of a participant inside a two-party session.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// Roles lists both roles in tie-break order: the first one wins glare.
var Roles = [...]Role{RoleInitiator, RoleResponder}

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleInitiator, RoleResponder:
		return Role(s), nil
	}
	return "", ErrUnknownRole
}

func (r Role) Valid() bool {
	return r == RoleInitiator || r == RoleResponder
}

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == RoleInitiator {
		return RoleResponder
	}
	return RoleInitiator
}

type State string

const (
	StateEmpty         State = "empty"
	StateNegotiating   State = "negotiating"
	StateConnected     State = "connected"
	StateRenegotiating State = "renegotiating"
	StateClosed        State = "closed"
)

// transitions is the only set of state changes a session may go through.
// Closed is reachable from every non-terminal state and leads nowhere.
var transitions = map[State][]State{
	StateEmpty:         {StateNegotiating, StateClosed},
	StateNegotiating:   {StateConnected, StateClosed},
	StateConnected:     {StateRenegotiating, StateClosed},
	StateRenegotiating: {StateConnected, StateClosed},
}

func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s State) Terminal() bool { return s == StateClosed }

// Negotiating reports whether an offer is outstanding in this state.
func (s State) Negotiating() bool {
	return s == StateNegotiating || s == StateRenegotiating
}

type CloseReason string

const (
	ReasonTimeout            CloseReason = "timeout"
	ReasonSequenceGapTimeout CloseReason = "sequence-gap-timeout"
	ReasonCancelled          CloseReason = "cancelled"
	ReasonChannelFailure     CloseReason = "channel-failure"
	ReasonDisconnected       CloseReason = "disconnected"
)

// ParticipantHandle points back at a seat in a session. It never owns the
// transport behind that seat.
type ParticipantHandle struct {
	SessionID SessionID `json:"session_id"`
	Role      Role      `json:"role"`
}

// Session is owned by the registry; values handed out are snapshots.
type Session struct {
	ID              SessionID                  `json:"id"`
	State           State                      `json:"state"`
	Participants    map[Role]ParticipantHandle `json:"participants"`
	CreatedAt       time.Time                  `json:"created_at"`
	LastActivityAt  time.Time                  `json:"last_activity_at"`
	CloseReason     CloseReason                `json:"close_reason,omitempty"`
	TeardownPending bool                       `json:"teardown_pending,omitempty"`
}

func (s Session) Has(r Role) bool {
	_, ok := s.Participants[r]
	return ok
}

// Clone returns a copy that shares no mutable state with s.
func (s Session) Clone() Session {
	out := s
	out.Participants = make(map[Role]ParticipantHandle, len(s.Participants))
	for r, p := range s.Participants {
		out.Participants[r] = p
	}
	return out
}
