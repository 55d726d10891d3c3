package negotiation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dkeye/Rendezvous/internal/domain"
)

func msgSeq(seq uint64) domain.Message {
	return domain.NewCandidate("s", domain.RoleInitiator, seq, "")
}

func seqs(msgs []domain.Message) []uint64 {
	out := make([]uint64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Sequence)
	}
	return out
}

func TestSequencerReorders(t *testing.T) {
	s := newSequencer()

	out, res := s.push(msgSeq(1), false)
	assert.Equal(t, pushReady, res)
	assert.Equal(t, []uint64{1}, seqs(out))

	out, res = s.push(msgSeq(3), false)
	assert.Equal(t, pushHeld, res)
	assert.Empty(t, out)
	assert.True(t, s.waiting())

	out, res = s.push(msgSeq(2), false)
	assert.Equal(t, pushReady, res)
	assert.Equal(t, []uint64{2, 3}, seqs(out))
	assert.False(t, s.waiting())
}

func TestSequencerDuplicates(t *testing.T) {
	s := newSequencer()
	s.push(msgSeq(1), false)
	s.push(msgSeq(3), false)

	_, res := s.push(msgSeq(1), false)
	assert.Equal(t, pushDuplicate, res)
	_, res = s.push(msgSeq(3), false)
	assert.Equal(t, pushDuplicate, res)
}

func TestSequencerBypassOccupiesSlot(t *testing.T) {
	s := newSequencer()
	s.push(msgSeq(1), false)

	_, res := s.push(msgSeq(3), true)
	assert.Equal(t, pushBypassed, res)
	assert.False(t, s.waiting())

	_, res = s.push(msgSeq(3), true)
	assert.Equal(t, pushDuplicate, res)

	out, res := s.push(msgSeq(2), false)
	assert.Equal(t, pushReady, res)
	assert.Equal(t, []uint64{2}, seqs(out), "bypassed slot is skipped, not released again")

	out, _ = s.push(msgSeq(4), false)
	assert.Equal(t, []uint64{4}, seqs(out))
}

func TestSequencerWindow(t *testing.T) {
	s := newSequencer()
	_, res := s.push(msgSeq(1+reorderWindow), false)
	assert.Equal(t, pushOutOfWindow, res)
	_, res = s.push(msgSeq(reorderWindow), false)
	assert.Equal(t, pushHeld, res)
}
