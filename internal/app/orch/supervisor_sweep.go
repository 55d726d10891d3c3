package orch

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rendezvous/internal/domain"
)

// Sweep destroys closed sessions and closes idle or abandoned ones; the latter
// are destroyed by the next sweep.
func (s *Supervisor) Sweep() {
	now := time.Now()
	destroyed, closing := 0, 0
	for _, sess := range s.Registry.List() {
		switch {
		case sess.State.Terminal():
			s.Registry.Destroy(sess.ID)
			s.forget(sess.ID)
			destroyed++
		case sess.TeardownPending:
			s.Close(sess.ID, domain.ReasonDisconnected)
			closing++
		case now.Sub(sess.LastActivityAt) > s.cfg.IdleTTL:
			log.Info().Str("module", "app.orch").Str("sid", string(sess.ID)).
				Time("last_activity", sess.LastActivityAt).Msg("idle session")
			s.Close(sess.ID, domain.ReasonTimeout)
			closing++
		}
	}
	if destroyed > 0 || closing > 0 {
		log.Debug().Str("module", "app.orch").Int("destroyed", destroyed).Int("closing", closing).Msg("sweep")
	}
}
