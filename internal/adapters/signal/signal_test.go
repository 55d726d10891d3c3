package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Rendezvous/internal/app"
	"github.com/dkeye/Rendezvous/internal/app/negotiation"
	"github.com/dkeye/Rendezvous/internal/app/orch"
	"github.com/dkeye/Rendezvous/internal/codec"
	"github.com/dkeye/Rendezvous/internal/domain"
)

const waitFor = 2 * time.Second

func newTestServer(t *testing.T) (*httptest.Server, *orch.Supervisor) {
	t.Helper()
	hub := NewHub(Options{PingPeriod: time.Second})
	sup := orch.New(app.NewRegistry(), hub, orch.Config{
		Negotiation: negotiation.Config{
			GraceTimeout: time.Minute,
			Retry:        app.ExponentialRetry{MaxAttempts: 10, Base: 5 * time.Millisecond},
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = sup.Run(ctx) }()

	ctl := NewSignalWSController(hub, sup, nil)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws/signal", func(c *gin.Context) { ctl.HandleSignal(ctx, c) })
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv, sup
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/signal?" + query
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, query), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func write(t *testing.T, ws *websocket.Conn, msg domain.Message) {
	t.Helper()
	frame, err := codec.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
}

// next reads frames until one is accepted by either matcher.
func next(t *testing.T, ws *websocket.Conn, onEvent func(codec.Event) bool, onMessage func(domain.Message) bool) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		if e, ok := codec.PeekEvent(data); ok {
			if onEvent != nil && onEvent(e) {
				return
			}
			continue
		}
		msg, err := codec.Decode(data)
		require.NoError(t, err)
		if onMessage != nil && onMessage(msg) {
			return
		}
	}
}

func readEvent(t *testing.T, ws *websocket.Conn, match func(codec.Event) bool) codec.Event {
	t.Helper()
	var got codec.Event
	next(t, ws, func(e codec.Event) bool {
		got = e
		return match(e)
	}, nil)
	return got
}

func readMessage(t *testing.T, ws *websocket.Conn, kind domain.Kind) domain.Message {
	t.Helper()
	var got domain.Message
	next(t, ws, nil, func(m domain.Message) bool {
		got = m
		return m.Kind == kind
	})
	return got
}

func named(name string) func(codec.Event) bool {
	return func(e codec.Event) bool { return e.Event == name }
}

func openPair(t *testing.T, srv *httptest.Server) (domain.SessionID, *websocket.Conn, *websocket.Conn) {
	t.Helper()
	init := dial(t, srv, "role=initiator")
	created := readEvent(t, init, named(codec.EventCreated))
	require.NotEmpty(t, created.SessionID)
	assert.Equal(t, domain.RoleInitiator, created.Role)

	resp := dial(t, srv, "role=responder&session="+string(created.SessionID))
	return created.SessionID, init, resp
}

func TestSignalNegotiationOverWebSocket(t *testing.T) {
	srv, sup := newTestServer(t)
	id, init, resp := openPair(t, srv)

	write(t, init, domain.NewOffer(id, domain.RoleInitiator, 1, "v=0 offer"))
	offer := readMessage(t, resp, domain.KindOffer)
	assert.Equal(t, "v=0 offer", offer.Payload)

	write(t, resp, domain.NewAnswer(id, domain.RoleResponder, 1, "v=0 answer"))
	answer := readMessage(t, init, domain.KindAnswer)
	assert.Equal(t, "v=0 answer", answer.Payload)

	connected := func(e codec.Event) bool { return e.Event == codec.EventState && e.State == domain.StateConnected }
	readEvent(t, init, connected)
	readEvent(t, resp, connected)

	write(t, init, domain.NewCandidate(id, domain.RoleInitiator, 2, "candidate:1"))
	assert.Equal(t, "candidate:1", readMessage(t, resp, domain.KindCandidate).Payload)

	write(t, init, domain.NewBye(id, domain.RoleInitiator, 3, "user-hangup"))
	bye := readMessage(t, resp, domain.KindBye)
	assert.Equal(t, domain.CloseReason("user-hangup"), bye.Reason)

	closed := readEvent(t, resp, func(e codec.Event) bool { return e.State == domain.StateClosed })
	assert.Equal(t, domain.CloseReason("user-hangup"), closed.Reason)

	sess, ok := sup.Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.StateClosed, sess.State)
}

func TestSignalBadFramesKeepConnection(t *testing.T) {
	srv, _ := newTestServer(t)
	id, init, _ := openPair(t, srv)

	require.NoError(t, init.WriteMessage(websocket.TextMessage, []byte(`{"kind":"offer"}`)))
	e := readEvent(t, init, named(codec.EventError))
	assert.Equal(t, "malformed", e.Error)

	require.NoError(t, init.WriteMessage(websocket.TextMessage,
		[]byte(`{"sessionId":"`+string(id)+`","role":"initiator","sequence":1,"kind":"renegotiate","payload":""}`)))
	e = readEvent(t, init, named(codec.EventError))
	assert.Equal(t, "unknown_kind", e.Error)

	require.NoError(t, init.WriteMessage(websocket.TextMessage, []byte(`{"event":"ping"}`)))
	readEvent(t, init, named(codec.EventPong))
}

func TestSignalRejectsUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := dial(t, srv, "role=responder&session=nope")

	e := readEvent(t, ws, named(codec.EventError))
	assert.Equal(t, "not_found", e.Error)

	_, _, err := ws.ReadMessage()
	assert.Error(t, err, "connection is closed after the rejection")
}

func TestSignalRejectsBadQuery(t *testing.T) {
	srv, _ := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "role=observer"), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(srv, "role=responder"), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSignalSecondResponderRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	id, _, resp := openPair(t, srv)

	// Make sure the first responder is seated before the second one tries.
	require.NoError(t, resp.WriteMessage(websocket.TextMessage, []byte(`{"event":"ping"}`)))
	readEvent(t, resp, named(codec.EventPong))

	other := dial(t, srv, "role=responder&session="+string(id))
	e := readEvent(t, other, named(codec.EventError))
	assert.Equal(t, "role_taken", e.Error)
}

func TestSignalDisconnectTearsDown(t *testing.T) {
	srv, sup := newTestServer(t)
	id, init, resp := openPair(t, srv)

	require.NoError(t, resp.WriteMessage(websocket.TextMessage, []byte(`{"event":"ping"}`)))
	readEvent(t, resp, named(codec.EventPong))

	require.NoError(t, init.Close())
	require.NoError(t, resp.Close())

	require.Eventually(t, func() bool {
		sess, ok := sup.Get(id)
		return ok && sess.State == domain.StateClosed
	}, waitFor, 5*time.Millisecond)
	sess, _ := sup.Get(id)
	assert.Contains(t, []domain.CloseReason{domain.ReasonDisconnected, domain.ReasonCancelled}, sess.CloseReason)
}
