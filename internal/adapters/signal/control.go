package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rendezvous/internal/codec"
)

func (ctl *SignalWSController) handleControl(b *binding, e codec.Event) {
	switch e.Event {
	case codec.EventPing:
		ctl.sendEvent(b.conn, codec.Event{Event: codec.EventPong, SessionID: b.sid})
	default:
		log.Warn().Str("module", "signal").Str("event", e.Event).Msg("unknown control event")
	}
}
