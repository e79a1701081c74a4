package negotiation

import "callrelay/internal/calls"

// signalBuffer holds fetched signals until the peer connection can take
// them. Arrival order is kept exactly; a signal seen twice (a refetch after
// a failed ack) is kept once.
type signalBuffer struct {
	items   []calls.Envelope
	lastSeq uint64
}

func (b *signalBuffer) push(batch []calls.Envelope) int {
	added := 0
	for _, e := range batch {
		if e.Seq != 0 {
			if e.Seq <= b.lastSeq {
				continue
			}
			b.lastSeq = e.Seq
		}
		b.items = append(b.items, e)
		added++
	}
	return added
}

// drain empties the buffer and returns its contents in order. Signals from
// anyone other than peer are left over from an earlier call and dropped.
func (b *signalBuffer) drain(peer calls.Identity) []calls.Envelope {
	out := make([]calls.Envelope, 0, len(b.items))
	for _, e := range b.items {
		if e.From != "" && e.From != peer {
			continue
		}
		out = append(out, e)
	}
	b.items = nil
	return out
}

func (b *signalBuffer) discard() {
	b.items = nil
	b.lastSeq = 0
}

func (b *signalBuffer) len() int { return len(b.items) }
