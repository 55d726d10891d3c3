package core

import "github.com/dkeye/Rendezvous/internal/domain"

// Notifier fans session notifications out to the presentation layer.
// Subscribers see only the session they asked for. The returned func
// unsubscribes and closes the channel.
type Notifier interface {
	Subscribe(id domain.SessionID) (<-chan domain.Notification, func())
}
