package orch

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rendezvous/internal/core"
	"github.com/dkeye/Rendezvous/internal/domain"
)

// A session publishes a handful of notifications in its lifetime.
const subscriberBuffer = 16

var _ core.Notifier = (*Supervisor)(nil)

type notifyHub struct {
	mu   sync.RWMutex
	next int
	subs map[domain.SessionID]map[int]chan domain.Notification
}

// Subscribe returns the notifications published for id from now on. A
// subscriber that falls behind by more than its buffer loses notifications.
func (s *Supervisor) Subscribe(id domain.SessionID) (<-chan domain.Notification, func()) {
	h := &s.subs
	ch := make(chan domain.Notification, subscriberBuffer)
	h.mu.Lock()
	key := h.next
	h.next++
	if h.subs[id] == nil {
		h.subs[id] = make(map[int]chan domain.Notification)
	}
	h.subs[id][key] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[id], key)
			if len(h.subs[id]) == 0 {
				delete(h.subs, id)
			}
			close(ch)
			h.mu.Unlock()
		})
	}
}

func (s *Supervisor) publish(n domain.Notification) {
	h := &s.subs
	h.mu.RLock()
	defer h.mu.RUnlock()
	dropped := 0
	for _, ch := range h.subs[n.SessionID] {
		select {
		case ch <- n:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		log.Error().Str("module", "app.orch").Str("sid", string(n.SessionID)).Str("state", string(n.State)).
			Int("dropped", dropped).Msg("slow subscribers missed a notification")
	}
}
