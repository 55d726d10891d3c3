package http

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rendezvous/internal/adapters/signal"
	"github.com/dkeye/Rendezvous/internal/app/orch"
	"github.com/dkeye/Rendezvous/internal/codec"
	"github.com/dkeye/Rendezvous/internal/core"
	"github.com/dkeye/Rendezvous/internal/domain"
)

// createdKey holds the comma separated ids of sessions this client created.
const createdKey = "created"

type sessionHandlers struct {
	ctx     context.Context
	sup     *orch.Supervisor
	notes   core.Notifier
	limiter *signal.CreateRateLimiter
}

func createdBy(c *gin.Context) []string {
	raw, _ := sessions.Default(c).Get(createdKey).(string)
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func isCreator(c *gin.Context, id domain.SessionID) bool {
	for _, s := range createdBy(c) {
		if s == string(id) {
			return true
		}
	}
	return false
}

func (h *sessionHandlers) rememberCreated(c *gin.Context, id domain.SessionID) {
	ids := append(createdBy(c), string(id))
	// Keep the cookie small; only recent sessions matter for cancellation.
	if len(ids) > 16 {
		ids = ids[len(ids)-16:]
	}
	s := sessions.Default(c)
	s.Set(createdKey, strings.Join(ids, ","))
	if err := s.Save(); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("save session cookie")
	}
}

func (h *sessionHandlers) whoami(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"client":   c.GetString("client_token"),
		"sessions": createdBy(c),
	})
}

// create allocates a session for two participants to join over the signal
// socket. Nobody joining within the join timeout closes it.
func (h *sessionHandlers) create(c *gin.Context) {
	client := c.GetString("client_token")
	if !h.limiter.Allow(client) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return
	}
	id := h.sup.Create()
	h.rememberCreated(c, id)
	go func() {
		if err := h.sup.WaitForPeer(h.ctx, id, 0); err != nil {
			log.Info().Err(err).Str("module", "adapters.http").Str("sid", string(id)).Msg("session not taken")
		}
	}()
	log.Info().Str("module", "adapters.http").Str("client", client).Str("sid", string(id)).Msg("session created")
	c.JSON(http.StatusCreated, gin.H{"sessionId": id})
}

func (h *sessionHandlers) get(c *gin.Context) {
	sess, ok := h.sup.Get(domain.SessionID(c.Param("id")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *sessionHandlers) cancel(c *gin.Context) {
	id := domain.SessionID(c.Param("id"))
	if _, ok := h.sup.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if !isCreator(c, id) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not_creator"})
		return
	}
	h.sup.Cancel(id)
	c.Status(http.StatusNoContent)
}

// events streams the session's notifications as Server-Sent Events until it
// closes or the client goes away.
func (h *sessionHandlers) events(c *gin.Context) {
	id := domain.SessionID(c.Param("id"))
	notes, unsubscribe := h.notes.Subscribe(id)
	defer unsubscribe()

	sess, ok := h.sup.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.SSEvent(codec.EventState, codec.Event{Event: codec.EventState, SessionID: id, State: sess.State, Reason: sess.CloseReason})
	c.Writer.Flush()
	if sess.State.Terminal() {
		return
	}

	c.Stream(func(io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-h.ctx.Done():
			return false
		case n, ok := <-notes:
			if !ok {
				return false
			}
			e := codec.EventFor(n)
			c.SSEvent(e.Event, e)
			return n.State != domain.StateClosed
		}
	})
}
