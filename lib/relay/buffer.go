package relay

import (
	"github.com/tabrelay/cdp-relay/lib/cdp"
)

// eventBuffer holds session events for a client that has attached to a
// session but not yet opened a delivery path for it. Bounded; overflow drops
// the oldest event. Steady-state growth here means the client attached and
// then never bound the session, so losing the head of the queue is
// acceptable.
type eventBuffer struct {
	msgs    []*cdp.Message
	limit   int
	dropped int
}

func newEventBuffer(limit int) *eventBuffer {
	return &eventBuffer{limit: limit}
}

// push appends an event, evicting the oldest when full. Returns the number of
// events dropped so far so the caller can log the overflow.
func (b *eventBuffer) push(msg *cdp.Message) int {
	if len(b.msgs) >= b.limit {
		b.msgs = b.msgs[1:]
		b.dropped++
	}
	b.msgs = append(b.msgs, msg)
	return b.dropped
}

// len reports the number of buffered events.
func (b *eventBuffer) len() int {
	return len(b.msgs)
}

// drain returns the buffered events in arrival order and empties the buffer.
func (b *eventBuffer) drain() []*cdp.Message {
	msgs := b.msgs
	b.msgs = nil
	b.dropped = 0
	return msgs
}
