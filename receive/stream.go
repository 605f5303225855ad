package receive

import (
	"context"
	"iter"
	"runtime"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/discord-voice-lab/voicerecv/internal/logging"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// StreamSink broadcasts identity-keyed ticks to independently paced
// consumers.
//
// Consumers open a [Stream] which takes one permit from a fixed pool. At the
// ceiling, [Stream.Open] fails with [ErrAdmissionDenied] instead of waiting.
// While at least one stream is open (or the sink was built [WithRetain]),
// every engine tick is resolved and broadcast; otherwise a dropped marker is
// broadcast in its place and no snapshot is built.
//
// All open streams observe the same ticks in the same order. A stream only
// sees ticks broadcast after it subscribed. A subscriber that falls more
// than the retention depth behind skips the overwritten ticks.
//
// StreamSink is safe for concurrent use.
type StreamSink struct {
	bc       *broadcaster
	shared   *streamShared
	resolver *Resolver
	retain   bool
	opts     options
	depth    int

	published atomic.Uint64
	dropped   atomic.Uint64
}

// streamShared is the state streams keep strong references to. It does not
// reference the broadcaster, so open streams never keep a closed sink's
// ring alive.
type streamShared struct {
	sem           *semaphore.Weighted
	held          atomic.Int64
	maxConcurrent int
	metrics       *sinkMetrics
	logger        logging.Logger

	denied atomic.Uint64
	lagged atomic.Uint64
}

func (p *streamShared) tryAcquire() bool {
	if !p.sem.TryAcquire(1) {
		p.denied.Add(1)
		p.metrics.admission(false)
		return false
	}
	p.held.Add(1)
	p.metrics.admission(true)
	p.metrics.activeStreams.Add(context.Background(), 1, p.metrics.attrs)
	return true
}

func (p *streamShared) release() {
	p.held.Add(-1)
	p.sem.Release(1)
	p.metrics.activeStreams.Add(context.Background(), -1, p.metrics.attrs)
}

// StreamStats is a point-in-time view of a [StreamSink].
type StreamStats struct {
	Active        int
	MaxConcurrent int
	Depth         int
	Published     uint64
	Dropped       uint64
	Lagged        uint64
	Denied        uint64
}

// NewStreamSink creates a sink with no open streams. Defaults: no retain,
// 15 seconds of broadcast depth, 50 concurrent streams.
func NewStreamSink(opts ...Option) *StreamSink {
	o := newOptions(opts)
	if o.maxConcurrent < 1 {
		o.logger.Warnw("receive: stream sink max concurrent must be positive; using 1", "max_concurrent", o.maxConcurrent)
		o.maxConcurrent = 1
	}
	depth := o.retainSeconds * o.tickRate
	if depth < 1 {
		depth = 1
	}
	s := &StreamSink{
		bc: newBroadcaster(depth),
		shared: &streamShared{
			sem:           semaphore.NewWeighted(int64(o.maxConcurrent)),
			maxConcurrent: o.maxConcurrent,
			metrics:       mustSinkMetrics(o, "stream"),
			logger:        o.logger,
		},
		resolver: NewResolver(),
		retain:   o.retain,
		opts:     o,
		depth:    depth,
	}
	runtime.AddCleanup(s, func(bc *broadcaster) { bc.close() }, s.bc)
	return s
}

// Registration returns the handler to wire into an engine.
func (s *StreamSink) Registration() Registration {
	return Registration{
		Handler: (*streamHandler)(s),
		Events:  NewEventSet(EventVoiceTick, EventSpeakingUpdate, EventClientDisconnect),
	}
}

// Resolver exposes the sink's SSRC table for read-only queries.
func (s *StreamSink) Resolver() *Resolver { return s.resolver }

// Stream returns a new handle. The handle holds no permit until
// [Stream.Open] succeeds.
func (s *StreamSink) Stream() *Stream {
	return &Stream{
		id:     uuid.NewString(),
		ref:    weak.Make(s.bc),
		shared: s.shared,
		done:   make(chan struct{}),
	}
}

// WithStream opens a stream, runs fn with it and closes it on every exit
// path. Open errors are returned without calling fn.
func (s *StreamSink) WithStream(ctx context.Context, fn func(ctx context.Context, st *Stream) error) error {
	st := s.Stream()
	if err := st.Open(); err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}

// Active returns the number of streams holding a permit.
func (s *StreamSink) Active() int { return int(s.shared.held.Load()) }

// MaxConcurrent returns the permit ceiling.
func (s *StreamSink) MaxConcurrent() int { return s.shared.maxConcurrent }

// Stats returns counters for the sink.
func (s *StreamSink) Stats() StreamStats {
	return StreamStats{
		Active:        s.Active(),
		MaxConcurrent: s.shared.maxConcurrent,
		Depth:         s.depth,
		Published:     s.published.Load(),
		Dropped:       s.dropped.Load(),
		Lagged:        s.shared.lagged.Load(),
		Denied:        s.shared.denied.Load(),
	}
}

// Close shuts the broadcast down. Every stream, open or not, fails with
// [ErrClosed] from then on; permits are still returned when streams close.
func (s *StreamSink) Close() error {
	s.bc.close()
	s.opts.logger.Infow("receive: stream sink closed", "published", s.published.Load(), "dropped", s.dropped.Load(), "active", s.Active())
	return nil
}

func (s *StreamSink) deliver(ev *VoiceTick) {
	if s.shared.held.Load() > 0 || s.retain {
		if s.bc.send(slot{seq: ev.Seq, tick: NewTick(ev, s.resolver)}) {
			s.published.Add(1)
			s.shared.metrics.add(s.shared.metrics.ticksAccepted, 1)
		}
		return
	}
	if s.bc.send(slot{seq: ev.Seq}) {
		s.dropped.Add(1)
		s.shared.metrics.add(s.shared.metrics.ticksDropped, 1)
	}
}

// streamHandler is the engine-facing side of a StreamSink.
type streamHandler StreamSink

func (h *streamHandler) Handle(_ context.Context, ev Event) *Action {
	s := (*StreamSink)(h)
	if tick, ok := ev.(*VoiceTick); ok {
		s.deliver(tick)
		return nil
	}
	applyIdentity(s.resolver, ev)
	return nil
}

// Stream is a consumer handle on a [StreamSink]. It must be opened before
// use and closed afterwards; Close is idempotent and returns the permit
// exactly once. A handle that is garbage collected while open returns its
// permit as well.
//
// The handle references the sink's broadcast weakly: once the sink is
// closed or collected every operation fails with [ErrClosed].
type Stream struct {
	id     string
	ref    weak.Pointer[broadcaster]
	shared *streamShared

	// done is closed by Close to abort receives in flight.
	done chan struct{}

	mu      sync.Mutex
	open    bool
	closed  bool
	cleanup runtime.Cleanup
}

// ID returns a unique identifier for the handle, for logging.
func (st *Stream) ID() string { return st.id }

// Open acquires a permit without blocking.
func (st *Stream) Open() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch {
	case st.closed:
		return ErrClosed
	case st.open:
		return ErrAlreadyOpen
	}
	if bc := st.ref.Value(); bc == nil || bc.isClosed() {
		return ErrClosed
	}
	if !st.shared.tryAcquire() {
		st.shared.logger.Debugw("receive: stream admission denied", "stream_id", st.id, "max_concurrent", st.shared.maxConcurrent)
		return ErrAdmissionDenied
	}
	st.open = true
	st.cleanup = runtime.AddCleanup(st, func(p *streamShared) { p.release() }, st.shared)
	st.shared.logger.Debugw("receive: stream opened", "stream_id", st.id, "active", st.shared.held.Load())
	return nil
}

// Close releases the permit if the handle holds one. Calling Close more
// than once, or on a handle that was never opened, is a no-op.
func (st *Stream) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil
	}
	st.closed = true
	close(st.done)
	if st.open {
		st.open = false
		st.cleanup.Stop()
		st.shared.release()
		st.shared.logger.Debugw("receive: stream closed", "stream_id", st.id, "active", st.shared.held.Load())
	}
	return nil
}

// IsOpen reports whether the handle currently holds a permit.
func (st *Stream) IsOpen() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.open
}

// Subscribe starts reading the broadcast at its current tail.
func (st *Stream) Subscribe() (*Subscription, error) {
	bc, err := st.upgrade()
	if err != nil {
		return nil, err
	}
	return &Subscription{stream: st, ref: st.ref, pos: bc.tail()}, nil
}

func (st *Stream) upgrade() (*broadcaster, error) {
	if !st.IsOpen() {
		return nil, ErrClosed
	}
	bc := st.ref.Value()
	if bc == nil || bc.isClosed() {
		return nil, ErrClosed
	}
	return bc, nil
}

// Ticks subscribes and yields every broadcast tick, skipping dropped
// markers. The sequence ends after yielding the first error: [ErrClosed]
// when the stream or sink closes, or ctx's error.
func (st *Stream) Ticks(ctx context.Context) iter.Seq2[*Tick, error] {
	return func(yield func(*Tick, error) bool) {
		sub, err := st.Subscribe()
		if err != nil {
			yield(nil, err)
			return
		}
		for {
			s, err := sub.recv(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if s.tick == nil {
				continue
			}
			if !yield(s.tick, nil) {
				return
			}
		}
	}
}

// Key subscribes and yields what each broadcast tick holds for key.
// Dropped markers are reported with [Dropped] presence.
func (st *Stream) Key(ctx context.Context, key Key) iter.Seq2[KeyedPCM, error] {
	return func(yield func(KeyedPCM, error) bool) {
		sub, err := st.Subscribe()
		if err != nil {
			yield(KeyedPCM{}, err)
			return
		}
		for {
			s, err := sub.recv(ctx)
			if err != nil {
				yield(KeyedPCM{}, err)
				return
			}
			kp := KeyedPCM{Seq: s.seq, Presence: Dropped}
			if s.tick != nil {
				kp = s.tick.project(key)
			}
			if !yield(kp, nil) {
				return
			}
		}
	}
}

// Subscription is one reader position in a sink's broadcast.
type Subscription struct {
	stream *Stream
	ref    weak.Pointer[broadcaster]
	pos    uint64
}

// Recv blocks until the next broadcast slot. It returns a nil tick for a
// dropped marker.
func (sub *Subscription) Recv(ctx context.Context) (*Tick, error) {
	s, err := sub.recv(ctx)
	return s.tick, err
}

func (sub *Subscription) recv(ctx context.Context) (slot, error) {
	if !sub.stream.IsOpen() {
		return slot{}, ErrClosed
	}
	bc := sub.ref.Value()
	if bc == nil {
		return slot{}, ErrClosed
	}
	s, lagged, err := bc.recv(ctx, sub.stream.done, &sub.pos)
	if lagged > 0 {
		sub.stream.shared.lagged.Add(lagged)
		sub.stream.shared.metrics.add(sub.stream.shared.metrics.ticksLagged, int64(lagged))
	}
	return s, err
}
