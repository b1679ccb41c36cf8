package driver

// reorderBuffer turns an at-least-once, possibly-out-of-order delivery
// of sequence-numbered messages into the strictly-ordered, exactly-once
// delivery invariant 4 requires. It is the piece that makes a gossip
// transport (memberlist) behave like the totally-ordered bus spec §4.A
// assumes: every broadcast is first sequenced by the current sequencer
// node (MemberlistAdapter.sequencerNode), and every node -- including the
// sequencer itself -- runs its arrivals through one of these before
// invoking Handlers.OnNotify.
type reorderBuffer struct {
	next    uint64 // next sequence number expected to be delivered
	pending map[uint64][]byte
}

func newReorderBuffer() *reorderBuffer {
	return &reorderBuffer{next: 1, pending: make(map[uint64][]byte)}
}

// Insert records one arrival and returns every message now ready for
// in-order delivery (possibly more than one, if earlier gaps were just
// filled; possibly none, if seq is ahead of next or already delivered).
func (b *reorderBuffer) Insert(seq uint64, data []byte) [][]byte {
	if seq < b.next {
		return nil // duplicate/old retransmission, already delivered
	}
	if _, dup := b.pending[seq]; dup {
		return nil
	}
	b.pending[seq] = data

	var ready [][]byte
	for {
		data, ok := b.pending[b.next]
		if !ok {
			break
		}
		ready = append(ready, data)
		delete(b.pending, b.next)
		b.next++
	}
	return ready
}

// Reset reinitializes the buffer to expect sequence number 1 again and
// drops anything pending. MemberlistAdapter does not call it.
func (b *reorderBuffer) Reset() {
	b.next = 1
	b.pending = make(map[uint64][]byte)
}
