package receive

import (
	"context"
	"iter"
	"sync"

	"github.com/gammazero/deque"
)

// BufferSink retains identity-keyed ticks for a single consumer.
//
// Ticks are queued in arrival order. With a retention window the queue
// never holds more than seconds*tickRate ticks: accepting a tick at
// capacity evicts the oldest first. Every read pops, so the sink does not
// fan out; two goroutines iterating the same sink split the ticks between
// them. Use [StreamSink] for independent consumers.
//
// BufferSink is safe for concurrent use.
type BufferSink struct {
	resolver *Resolver
	capacity int
	opts     options
	metrics  *sinkMetrics

	mu      sync.Mutex
	queue   deque.Deque[*Tick]
	stopped bool
	// wake is closed and replaced whenever a tick is queued or the sink
	// stops, releasing every goroutine parked in Next.
	wake chan struct{}

	accepted  uint64
	evicted   uint64
	discarded uint64
}

// BufferStats is a point-in-time view of a [BufferSink].
type BufferStats struct {
	Len       int
	Capacity  int
	Accepted  uint64
	Evicted   uint64
	Discarded uint64
	Stopped   bool
}

// NewBufferSink creates an empty sink. Use [WithRetention] to bound it;
// without it the queue grows until drained.
func NewBufferSink(opts ...Option) *BufferSink {
	o := newOptions(opts)
	s := &BufferSink{
		resolver: NewResolver(),
		opts:     o,
		metrics:  mustSinkMetrics(o, "buffer"),
		wake:     make(chan struct{}),
	}
	if o.retention > 0 {
		s.capacity = o.retention * o.tickRate
		s.queue.Grow(s.capacity)
	}
	return s
}

// Registration returns the handler to wire into an engine.
func (s *BufferSink) Registration() Registration {
	return Registration{
		Handler: (*bufferHandler)(s),
		Events:  NewEventSet(EventVoiceTick, EventSpeakingUpdate, EventClientDisconnect),
	}
}

// Resolver exposes the sink's SSRC table for read-only queries.
func (s *BufferSink) Resolver() *Resolver { return s.resolver }

// Capacity returns the maximum number of retained ticks, or 0 when
// unbounded.
func (s *BufferSink) Capacity() int { return s.capacity }

// Len returns the number of ticks waiting to be consumed.
func (s *BufferSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Stop discards every tick delivered from now on. Ticks already buffered
// stay readable, and iteration ends once they are drained. Stop cannot be
// undone.
func (s *BufferSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.signalLocked()
	s.opts.logger.Infow("receive: buffer sink stopped", "buffered", s.queue.Len(), "accepted", s.accepted, "evicted", s.evicted)
}

// Close stops the sink and releases every consumer waiting in [BufferSink.Next].
// Buffered ticks remain readable until drained.
func (s *BufferSink) Close() error {
	s.Stop()
	return nil
}

// Stats returns counters for the sink.
func (s *BufferSink) Stats() BufferStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return BufferStats{
		Len:       s.queue.Len(),
		Capacity:  s.capacity,
		Accepted:  s.accepted,
		Evicted:   s.evicted,
		Discarded: s.discarded,
		Stopped:   s.stopped,
	}
}

// Next pops the oldest tick. While the queue is empty and the sink is still
// live, Next blocks until a tick arrives or ctx is done. It returns
// [ErrExhausted] once the sink is stopped and empty. A cancelled call does
// not consume anything.
func (s *BufferSink) Next(ctx context.Context) (*Tick, error) {
	for {
		s.mu.Lock()
		if s.queue.Len() > 0 {
			t := s.queue.PopFront()
			s.mu.Unlock()
			return t, nil
		}
		if s.stopped {
			s.mu.Unlock()
			return nil, ErrExhausted
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

// All returns a sequence that pops ticks oldest-first until the sink is
// exhausted or ctx is done. The sequence is single-use: ticks it yields are
// gone from the sink.
func (s *BufferSink) All(ctx context.Context) iter.Seq[*Tick] {
	return func(yield func(*Tick) bool) {
		for {
			t, err := s.Next(ctx)
			if err != nil {
				return
			}
			if !yield(t) {
				return
			}
		}
	}
}

// Key returns a sequence that pops ticks like [BufferSink.All] but yields
// only what each tick holds for key. The rest of the tick is discarded.
func (s *BufferSink) Key(ctx context.Context, key Key) iter.Seq[KeyedPCM] {
	return func(yield func(KeyedPCM) bool) {
		for t := range s.All(ctx) {
			if !yield(t.project(key)) {
				return
			}
		}
	}
}

func (s *BufferSink) push(t *Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		s.discardLocked()
		return
	}
	var evicted int64
	if s.capacity > 0 {
		for s.queue.Len() >= s.capacity {
			s.queue.PopFront()
			evicted++
		}
	}
	s.queue.PushBack(t)
	s.accepted++
	s.metrics.add(s.metrics.ticksAccepted, 1)
	if evicted > 0 {
		s.evicted += uint64(evicted)
		s.metrics.add(s.metrics.ticksEvicted, evicted)
	}
	s.signalLocked()
}

func (s *BufferSink) signalLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *BufferSink) discardLocked() {
	s.discarded++
	s.metrics.add(s.metrics.ticksDiscarded, 1)
}

// discardIfStopped counts a discarded tick and reports true when the sink
// no longer accepts ticks, letting the handler skip building one.
func (s *BufferSink) discardIfStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		s.discardLocked()
	}
	return s.stopped
}

// bufferHandler is the engine-facing side of a BufferSink.
type bufferHandler BufferSink

func (h *bufferHandler) Handle(_ context.Context, ev Event) *Action {
	s := (*BufferSink)(h)
	if tick, ok := ev.(*VoiceTick); ok {
		if s.discardIfStopped() {
			return nil
		}
		s.push(NewTick(tick, s.resolver))
		return nil
	}
	applyIdentity(s.resolver, ev)
	return nil
}
