package rtc

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Rendezvous/internal/core"
)

func newLocalConnection(t *testing.T) *WebRTCConnection {
	t.Helper()
	c, err := NewWebRTCConnection(NewAPI(), webrtc.Configuration{}, "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestValidateSDP(t *testing.T) {
	c := newLocalConnection(t)
	offer, err := c.CreateOffer(context.Background())
	require.NoError(t, err)

	parsed, err := ValidateSDP(offer)
	require.NoError(t, err)
	assert.NotEmpty(t, parsed.MediaDescriptions)

	_, err = ValidateSDP("not sdp")
	assert.ErrorIs(t, err, ErrInvalidSDP)

	_, err = ValidateSDP("v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n")
	assert.ErrorIs(t, err, ErrInvalidSDP, "no media sections")
}

func TestCandidateCodec(t *testing.T) {
	mid := "0"
	in := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 5000 typ host", SDPMid: &mid}
	payload, err := EncodeCandidate(in)
	require.NoError(t, err)

	out, err := DecodeCandidate(payload)
	require.NoError(t, err)
	assert.Equal(t, in.Candidate, out.Candidate)
	require.NotNil(t, out.SDPMid)
	assert.Equal(t, mid, *out.SDPMid)

	_, err = DecodeCandidate("{}")
	assert.ErrorIs(t, err, ErrInvalidCandidate)
	_, err = DecodeCandidate("nope")
	assert.ErrorIs(t, err, ErrInvalidCandidate)
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	offerer := newLocalConnection(t)
	answerer := newLocalConnection(t)

	payload, err := EncodeCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 5000 typ host"})
	require.NoError(t, err)
	require.NoError(t, answerer.AddRemoteCandidate(payload))

	answerer.mu.Lock()
	assert.Len(t, answerer.pending, 1)
	answerer.mu.Unlock()

	offer, err := offerer.CreateOffer(context.Background())
	require.NoError(t, err)
	_, err = answerer.AcceptOffer(context.Background(), offer)
	require.NoError(t, err)

	answerer.mu.Lock()
	assert.Empty(t, answerer.pending)
	answerer.mu.Unlock()
}

func TestAcceptOfferRejectsGarbage(t *testing.T) {
	c := newLocalConnection(t)
	_, err := c.AcceptOffer(context.Background(), "garbage")
	assert.ErrorIs(t, err, ErrInvalidSDP)
	assert.ErrorIs(t, c.AcceptAnswer("garbage"), ErrInvalidSDP)
}

func TestConnectionsConnectOverLoopback(t *testing.T) {
	offerer := newLocalConnection(t)
	answerer := newLocalConnection(t)

	offerer.OnLocalCandidate(func(p string) { _ = answerer.AddRemoteCandidate(p) })
	answerer.OnLocalCandidate(func(p string) { _ = offerer.AddRemoteCandidate(p) })

	connected := make(chan struct{}, 2)
	for _, c := range []*WebRTCConnection{offerer, answerer} {
		c.OnStateChange(func(s core.MediaState) {
			if s == core.MediaConnected {
				connected <- struct{}{}
			}
		})
	}
	got := make(chan string, 1)
	answerer.OnMessage(func(text string) { got <- text })
	streams := make(chan core.RemoteStream, 1)
	answerer.OnStreamReady(func(s core.RemoteStream) { streams <- s })

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "caller")
	require.NoError(t, err)
	require.NoError(t, offerer.AddLocalTrack(track))

	offer, err := offerer.CreateOffer(context.Background())
	require.NoError(t, err)
	answer, err := answerer.AcceptOffer(context.Background(), offer)
	require.NoError(t, err)
	require.NoError(t, offerer.AcceptAnswer(answer))

	for i := 0; i < 2; i++ {
		select {
		case <-connected:
		case <-time.After(15 * time.Second):
			t.Fatal("peers did not connect")
		}
	}

	require.Eventually(t, func() bool { return offerer.SendText("hello") == nil }, 5*time.Second, 50*time.Millisecond)
	select {
	case text := <-got:
		assert.Equal(t, "hello", text)
	case <-time.After(5 * time.Second):
		t.Fatal("no data channel message")
	}

	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case s := <-streams:
			assert.Equal(t, "caller", s.StreamID)
			assert.Equal(t, "audio", s.TrackID)
			assert.Equal(t, "audio", s.Kind)
			return
		case <-tick.C:
			require.NoError(t, track.WriteSample(media.Sample{Data: []byte{0xf8, 0xff, 0xfe}, Duration: 20 * time.Millisecond}))
		case <-deadline:
			t.Fatal("remote stream never became ready")
		}
	}
}

func TestRenegotiationOfferLosingGlareIsDropped(t *testing.T) {
	initiator := newLocalConnection(t)
	responder := newLocalConnection(t)
	ctx := context.Background()

	offer, err := initiator.CreateOffer(ctx)
	require.NoError(t, err)
	answer, err := responder.AcceptOffer(ctx, offer)
	require.NoError(t, err)
	require.NoError(t, initiator.AcceptAnswer(answer))

	winning, err := initiator.CreateOffer(ctx)
	require.NoError(t, err)
	_, err = responder.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SignalingStateStable, responder.pc.SignalingState(), "renegotiation offer waits for its answer")

	answer, err = responder.AcceptOffer(ctx, winning)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SignalingStateStable, responder.pc.SignalingState())
	assert.Empty(t, responder.takeUnapplied())

	require.NoError(t, initiator.AcceptAnswer(answer))
	assert.Equal(t, webrtc.SignalingStateStable, initiator.pc.SignalingState())
	assert.Equal(t, winning, initiator.pc.CurrentLocalDescription().SDP)
}

func TestLoggerFactoryWritesThroughZerolog(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf).Level(zerolog.InfoLevel)
	l := NewLoggerFactory(base).NewLogger("ice")

	l.Debug("hidden")
	l.Infof("gathered %d candidates", 3)
	l.Error("boom")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"scope":"ice"`)
	assert.Contains(t, out, "gathered 3 candidates")
	assert.Contains(t, out, `"level":"error"`)
}
