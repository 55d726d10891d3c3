package negotiation

import "github.com/dkeye/Rendezvous/internal/domain"

// reorderWindow bounds how far ahead of the next expected sequence number a
// message may arrive and still be held.
const reorderWindow = 256

type pushResult int

const (
	pushReady pushResult = iota
	pushHeld
	pushBypassed
	pushDuplicate
	pushOutOfWindow
)

func (r pushResult) String() string {
	switch r {
	case pushReady:
		return "ready"
	case pushHeld:
		return "held"
	case pushBypassed:
		return "bypassed"
	case pushDuplicate:
		return "duplicate"
	case pushOutOfWindow:
		return "out-of-window"
	}
	return "unknown"
}

// sequencer releases one sender's messages strictly in sequence order.
// Messages delivered out of band (trickled candidates) still occupy their
// slot in skipped, so they are never released a second time.
type sequencer struct {
	next    uint64
	held    map[uint64]domain.Message
	skipped map[uint64]struct{}
}

func newSequencer() *sequencer {
	return &sequencer{
		next:    1,
		held:    make(map[uint64]domain.Message),
		skipped: make(map[uint64]struct{}),
	}
}

// push accepts msg and returns the messages that became deliverable, in order.
// With bypass set, a message ahead of the expected number is reported as
// pushBypassed instead of being held; the caller delivers it immediately.
func (s *sequencer) push(msg domain.Message, bypass bool) ([]domain.Message, pushResult) {
	n := msg.Sequence
	if n < s.next {
		return nil, pushDuplicate
	}
	if _, ok := s.held[n]; ok {
		return nil, pushDuplicate
	}
	if _, ok := s.skipped[n]; ok {
		return nil, pushDuplicate
	}
	if n-s.next >= reorderWindow {
		return nil, pushOutOfWindow
	}
	if n > s.next {
		if bypass {
			s.skipped[n] = struct{}{}
			return nil, pushBypassed
		}
		s.held[n] = msg
		return nil, pushHeld
	}

	out := []domain.Message{msg}
	s.next++
	for {
		if m, ok := s.held[s.next]; ok {
			delete(s.held, s.next)
			out = append(out, m)
			s.next++
			continue
		}
		if _, ok := s.skipped[s.next]; ok {
			delete(s.skipped, s.next)
			s.next++
			continue
		}
		return out, pushReady
	}
}

// waiting reports whether a gap blocks held messages.
func (s *sequencer) waiting() bool { return len(s.held) > 0 }
