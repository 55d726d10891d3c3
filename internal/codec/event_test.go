package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Rendezvous/internal/domain"
)

func TestEventForNotification(t *testing.T) {
	e := EventFor(domain.Notification{SessionID: "s", State: domain.StateClosed, Reason: domain.ReasonTimeout})
	assert.Equal(t, Event{Event: EventState, SessionID: "s", State: domain.StateClosed, Reason: domain.ReasonTimeout}, e)

	e = EventFor(domain.Notification{SessionID: "s", State: domain.StateNegotiating, Notice: domain.NoticeGlareDiscarded, To: domain.RoleResponder})
	assert.Equal(t, EventGlareDiscarded, e.Event)
	assert.Equal(t, domain.RoleResponder, e.Role)
}

func TestPeekEvent(t *testing.T) {
	frame, err := EncodeEvent(Event{Event: EventPong})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"pong"}`, string(frame))

	e, ok := PeekEvent(frame)
	require.True(t, ok)
	assert.Equal(t, EventPong, e.Event)

	msg, err := Encode(domain.NewOffer("s", domain.RoleInitiator, 1, "sdp"))
	require.NoError(t, err)
	_, ok = PeekEvent(msg)
	assert.False(t, ok)

	_, ok = PeekEvent([]byte(`{"event":"x","kind":"offer"}`))
	assert.False(t, ok, "a kind field makes it a message frame")

	_, ok = PeekEvent([]byte(`not json`))
	assert.False(t, ok)

	_, err = EncodeEvent(Event{})
	assert.ErrorIs(t, err, ErrMalformed)
}
