package receive

import (
	"context"
	"sync"
)

// slot is one broadcast entry. A nil tick is the dropped marker published
// while nobody listens.
type slot struct {
	seq  uint64
	tick *Tick
}

// broadcaster is a fixed-depth ring shared by every subscriber of a
// StreamSink. Sends never block: a subscriber that falls more than depth
// slots behind skips ahead to the oldest retained slot.
type broadcaster struct {
	mu     sync.Mutex
	ring   []slot
	next   uint64
	closed bool
	wake   chan struct{}
}

func newBroadcaster(depth int) *broadcaster {
	if depth < 1 {
		depth = 1
	}
	return &broadcaster{
		ring: make([]slot, depth),
		wake: make(chan struct{}),
	}
}

func (b *broadcaster) send(s slot) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.ring[b.next%uint64(len(b.ring))] = s
	b.next++
	close(b.wake)
	b.wake = make(chan struct{})
	return true
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	// Release references held by the ring.
	clear(b.ring)
	close(b.wake)
}

func (b *broadcaster) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// tail returns the position a new subscriber starts reading from.
func (b *broadcaster) tail() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

// recv returns the slot at *pos, advancing it. lagged is the number of
// slots skipped because they were overwritten before being read. A closed
// done channel aborts the wait with ErrClosed.
func (b *broadcaster) recv(ctx context.Context, done <-chan struct{}, pos *uint64) (s slot, lagged uint64, err error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return slot{}, 0, ErrClosed
		}
		if *pos < b.next {
			depth := uint64(len(b.ring))
			if b.next > depth && *pos < b.next-depth {
				oldest := b.next - depth
				lagged = oldest - *pos
				*pos = oldest
			}
			s = b.ring[*pos%depth]
			*pos++
			b.mu.Unlock()
			return s, lagged, nil
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return slot{}, 0, ctx.Err()
		case <-done:
			return slot{}, 0, ErrClosed
		case <-wake:
		}
	}
}
