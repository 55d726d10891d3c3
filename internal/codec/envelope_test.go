package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Rendezvous/internal/domain"
)

func TestRoundTrip(t *testing.T) {
	sid := domain.NewSessionID()
	cases := []domain.Message{
		domain.NewOffer(sid, domain.RoleInitiator, 1, "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"),
		domain.NewAnswer(sid, domain.RoleResponder, 1, "v=0"),
		domain.NewCandidate(sid, domain.RoleResponder, 7, `{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host"}`),
		domain.NewBye(sid, domain.RoleInitiator, 42, "user-hangup"),
		domain.NewBye(sid, domain.RoleResponder, domain.SystemSequence, domain.ReasonTimeout),
		domain.NewOffer(sid, domain.RoleInitiator, ^uint64(0), ""),
		domain.NewCandidate(sid, domain.RoleInitiator, 3, "ünïcode \"quoted\" \n"),
	}
	for _, m := range cases {
		b, err := Encode(m)
		require.NoError(t, err)
		got, err := Decode(b)
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
}

func TestEncodeDeterministic(t *testing.T) {
	m := domain.NewOffer("s1", domain.RoleInitiator, 1, "sdp")
	a, err := Encode(m)
	require.NoError(t, err)
	b, err := Encode(m)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.JSONEq(t, `{"sessionId":"s1","role":"initiator","sequence":1,"kind":"offer","payload":"sdp"}`, string(a))
}

func TestEncodeRejectsInvalid(t *testing.T) {
	_, err := Encode(domain.Message{SessionID: "s", Role: domain.RoleInitiator, Kind: "hello"})
	assert.ErrorIs(t, err, ErrUnknownVariant)

	_, err = Encode(domain.Message{Role: domain.RoleInitiator, Kind: domain.KindOffer})
	assert.ErrorIs(t, err, ErrMalformed)

	for name, m := range map[string]domain.Message{
		"payload": {SessionID: "s", Role: domain.RoleInitiator, Kind: domain.KindOffer, Payload: "v=0\xff"},
		"reason":  {SessionID: "s", Role: domain.RoleInitiator, Kind: domain.KindBye, Reason: "\xc3\x28"},
		"session": {SessionID: "s\xfe", Role: domain.RoleInitiator, Kind: domain.KindOffer, Payload: "v=0"},
	} {
		_, err = Encode(m)
		assert.ErrorIs(t, err, ErrMalformed, name)
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `{"kind":`, ErrMalformed},
		{"array", `[1,2]`, ErrMalformed},
		{"missing kind", `{"sessionId":"s","role":"initiator","sequence":1,"payload":""}`, ErrMalformed},
		{"unknown kind", `{"sessionId":"s","role":"initiator","sequence":1,"kind":"renegotiate","payload":""}`, ErrUnknownVariant},
		{"unknown kind wins over missing fields", `{"kind":"ping"}`, ErrUnknownVariant},
		{"missing session", `{"role":"initiator","sequence":1,"kind":"offer","payload":""}`, ErrMalformed},
		{"bad role", `{"sessionId":"s","role":"observer","sequence":1,"kind":"offer","payload":""}`, ErrMalformed},
		{"missing sequence", `{"sessionId":"s","role":"initiator","kind":"offer","payload":""}`, ErrMalformed},
		{"negative sequence", `{"sessionId":"s","role":"initiator","sequence":-1,"kind":"offer","payload":""}`, ErrMalformed},
		{"offer without payload", `{"sessionId":"s","role":"initiator","sequence":1,"kind":"offer"}`, ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDecodeByeWithoutPayload(t *testing.T) {
	m, err := Decode([]byte(`{"sessionId":"s","role":"responder","sequence":2,"kind":"bye","reason":"user-hangup"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.NewBye("s", domain.RoleResponder, 2, "user-hangup"), m)
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	m, err := Decode([]byte(`{"sessionId":"s","role":"initiator","sequence":1,"kind":"candidate","payload":"c","priority":5}`))
	require.NoError(t, err)
	assert.Equal(t, domain.KindCandidate, m.Kind)
}
