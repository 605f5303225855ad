package engine

import (
	"context"
	"sync"
	"time"

	"github.com/discord-voice-lab/voicerecv/internal/logging"
	"github.com/discord-voice-lab/voicerecv/receive"
)

// TickInterval is the default spacing between voice ticks.
const TickInterval = time.Second / receive.TicksPerSecond

// DefaultSilenceExpiry is how long a source may stay quiet before it is no
// longer reported silent. It bounds sources whose user never identified
// itself and so never receives a disconnect.
const DefaultSilenceExpiry = 30 * time.Second

// Frame is one decoded (or undecodable) packet from a source.
type Frame struct {
	SSRC      uint32
	Sequence  uint16
	Timestamp uint32
	Opus      []byte
	// PCM is nil when the packet could not be decoded.
	PCM []int16
}

// Assembler turns a stream of per-source frames into fixed-interval
// VoiceTick events. Sources that sent a frame since the last tick are
// reported speaking; sources heard before but quiet this interval are
// reported silent until they disconnect or stay quiet for the silence
// expiry.
type Assembler struct {
	interval time.Duration
	sink     func(context.Context, receive.Event)

	mu      sync.Mutex
	pending map[uint32]*receive.VoiceData
	// known maps a source to the sequence of the last tick it spoke in.
	known  map[uint32]uint64
	expiry uint64
	seq    uint64
}

// NewAssembler returns an assembler that passes each tick to emit. A
// non-positive interval means TickInterval.
func NewAssembler(interval time.Duration, emit func(context.Context, receive.Event)) *Assembler {
	if interval <= 0 {
		interval = TickInterval
	}
	return &Assembler{
		interval: interval,
		sink:     emit,
		pending:  make(map[uint32]*receive.VoiceData),
		known:    make(map[uint32]uint64),
		expiry:   expiryTicks(DefaultSilenceExpiry, interval),
	}
}

func expiryTicks(d, interval time.Duration) uint64 {
	n := uint64(d / interval)
	if n < 1 {
		n = 1
	}
	return n
}

// SetSilenceExpiry changes how long a quiet source keeps being reported
// silent. It is rounded down to whole ticks, minimum one.
func (a *Assembler) SetSilenceExpiry(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expiry = expiryTicks(d, a.interval)
}

// Push records a frame for the current interval. When a source sends more
// than one frame per interval the decoded samples are concatenated.
func (a *Assembler) Push(f Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, ok := a.pending[f.SSRC]
	if !ok {
		a.pending[f.SSRC] = &receive.VoiceData{
			Decoded:   f.PCM,
			Opus:      f.Opus,
			Sequence:  f.Sequence,
			Timestamp: f.Timestamp,
		}
		return
	}
	if f.PCM != nil {
		cur.Decoded = append(cur.Decoded, f.PCM...)
	}
	cur.Sequence = f.Sequence
	cur.Timestamp = f.Timestamp
}

// Forget drops ssrc so it is no longer reported silent.
func (a *Assembler) Forget(ssrc uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.known, ssrc)
	delete(a.pending, ssrc)
}

// Flush builds the tick for the interval that just ended and resets the
// pending frames.
func (a *Assembler) Flush() *receive.VoiceTick {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	ev := &receive.VoiceTick{
		Seq:      a.seq,
		Speaking: a.pending,
		Silent:   make(map[uint32]struct{}, len(a.known)),
	}
	for ssrc := range ev.Speaking {
		a.known[ssrc] = a.seq
	}
	for ssrc, last := range a.known {
		if last == a.seq {
			continue
		}
		if a.seq-last > a.expiry {
			delete(a.known, ssrc)
			continue
		}
		ev.Silent[ssrc] = struct{}{}
	}
	a.pending = make(map[uint32]*receive.VoiceData, len(ev.Speaking))
	return ev
}

// Run emits one tick per interval until ctx is done.
func (a *Assembler) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	logging.Infow("engine: tick assembler started", "interval_ms", a.interval.Milliseconds())
	for {
		select {
		case <-ctx.Done():
			logging.Infow("engine: tick assembler stopped", "ticks", a.Seq())
			return nil
		case <-ticker.C:
			ev := a.Flush()
			if len(ev.Speaking)+len(ev.Silent) > 0 {
				logging.Debugw("engine: tick", logging.TickFields(ev.Seq, len(ev.Speaking), len(ev.Silent))...)
			}
			a.sink(ctx, ev)
		}
	}
}

// Seq returns the sequence number of the last emitted tick.
func (a *Assembler) Seq() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seq
}
