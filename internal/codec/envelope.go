// Package codec turns signaling messages into transport frames and back.
//
// One frame carries exactly one message:
//
//	{"sessionId":"…","role":"initiator","sequence":1,"kind":"offer","payload":"…"}
//
// "reason" is present only when set (Bye). Unknown extra fields are ignored so
// newer peers can add fields; unknown kinds are rejected with ErrUnknownVariant.
// Text fields must be valid UTF-8 so that a frame never changes on a round trip.
package codec

import (
	"errors"
	"fmt"
	"unicode/utf8"

	json "github.com/goccy/go-json"

	"github.com/dkeye/Rendezvous/internal/domain"
)

var (
	ErrMalformed      = errors.New("codec: malformed message")
	ErrUnknownVariant = errors.New("codec: unknown message kind")
)

type envelope struct {
	SessionID string `json:"sessionId"`
	Role      string `json:"role"`
	Sequence  uint64 `json:"sequence"`
	Kind      string `json:"kind"`
	Payload   string `json:"payload"`
	Reason    string `json:"reason,omitempty"`
}

// inbound mirrors envelope with pointers so missing fields can be told apart
// from zero values.
type inbound struct {
	SessionID *string `json:"sessionId"`
	Role      *string `json:"role"`
	Sequence  *uint64 `json:"sequence"`
	Kind      *string `json:"kind"`
	Payload   *string `json:"payload"`
	Reason    *string `json:"reason"`
}

// Encode is deterministic: equal messages produce equal bytes.
func Encode(m domain.Message) ([]byte, error) {
	if !m.Kind.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, m.Kind)
	}
	if m.SessionID == "" || !m.Role.Valid() {
		return nil, fmt.Errorf("%w: missing session or role", ErrMalformed)
	}
	if !utf8.ValidString(string(m.SessionID)) || !utf8.ValidString(m.Payload) || !utf8.ValidString(string(m.Reason)) {
		return nil, fmt.Errorf("%w: text is not valid UTF-8", ErrMalformed)
	}
	return json.Marshal(envelope{
		SessionID: string(m.SessionID),
		Role:      string(m.Role),
		Sequence:  m.Sequence,
		Kind:      string(m.Kind),
		Payload:   m.Payload,
		Reason:    string(m.Reason),
	})
}

func Decode(data []byte) (domain.Message, error) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return domain.Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if in.Kind == nil || *in.Kind == "" {
		return domain.Message{}, fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	kind := domain.Kind(*in.Kind)
	if !kind.Known() {
		return domain.Message{}, fmt.Errorf("%w: %q", ErrUnknownVariant, kind)
	}
	if in.SessionID == nil || *in.SessionID == "" {
		return domain.Message{}, fmt.Errorf("%w: missing sessionId", ErrMalformed)
	}
	if in.Role == nil {
		return domain.Message{}, fmt.Errorf("%w: missing role", ErrMalformed)
	}
	role, err := domain.ParseRole(*in.Role)
	if err != nil {
		return domain.Message{}, fmt.Errorf("%w: role %q", ErrMalformed, *in.Role)
	}
	if in.Sequence == nil {
		return domain.Message{}, fmt.Errorf("%w: missing sequence", ErrMalformed)
	}
	if in.Payload == nil && kind != domain.KindBye {
		return domain.Message{}, fmt.Errorf("%w: %s without payload", ErrMalformed, kind)
	}

	m := domain.Message{
		SessionID: domain.SessionID(*in.SessionID),
		Role:      role,
		Sequence:  *in.Sequence,
		Kind:      kind,
	}
	if in.Payload != nil {
		m.Payload = *in.Payload
	}
	if in.Reason != nil {
		m.Reason = domain.CloseReason(*in.Reason)
	}
	return m, nil
}
