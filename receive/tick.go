package receive

import "encoding/binary"

// PCM is an immutable view over decoded 16-bit samples. The same PCM value
// may be shared by every consumer of a tick; callers must not modify the
// slice returned by [PCM.Samples].
type PCM struct {
	samples []int16
}

// NewPCM copies samples into a new PCM.
func NewPCM(samples []int16) PCM {
	return PCM{samples: append([]int16(nil), samples...)}
}

// Len returns the number of samples.
func (p PCM) Len() int { return len(p.samples) }

// IsZero reports whether p carries no samples.
func (p PCM) IsZero() bool { return len(p.samples) == 0 }

// At returns sample i.
func (p PCM) At(i int) int16 { return p.samples[i] }

// Samples returns the underlying samples. The slice is shared and read-only.
func (p PCM) Samples() []int16 { return p.samples }

// AppendBytes appends the samples to dst as little-endian 16-bit values.
func (p PCM) AppendBytes(dst []byte) []byte {
	for _, s := range p.samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
	}
	return dst
}

// Presence describes what a tick holds for one key.
type Presence uint8

const (
	// Absent means the key had no activity in the tick.
	Absent Presence = iota

	// Silent means the source was known but sent no decodable audio.
	Silent

	// Speaking means decoded audio is available.
	Speaking

	// Dropped means the tick itself was not retained (streaming only), so
	// nothing is known about the key for that interval.
	Dropped
)

// String returns the lowercase name of the presence state.
func (p Presence) String() string {
	switch p {
	case Absent:
		return "absent"
	case Silent:
		return "silent"
	case Speaking:
		return "speaking"
	case Dropped:
		return "dropped"
	default:
		return "invalid"
	}
}

// KeyedPCM is one interval of a keyed projection.
type KeyedPCM struct {
	Seq      uint64
	PCM      PCM
	Presence Presence
}

// Tick is the identity-keyed snapshot of one engine interval. It is built
// once by [NewTick] and never modified afterwards, so it can be shared
// freely between goroutines.
//
// A key never appears both speaking and silent.
type Tick struct {
	seq      uint64
	speaking map[Key]PCM
	silent   map[Key]struct{}
}

// NewTick translates a raw SSRC-keyed tick into a [Tick], resolving every
// SSRC through r. Unmapped SSRCs become [UnknownKey] entries. Sources
// reported active without decodable audio are marked silent. If several
// SSRCs resolve to the same key, any decoded audio wins over silence.
func NewTick(ev *VoiceTick, r *Resolver) *Tick {
	t := &Tick{
		seq:      ev.Seq,
		speaking: make(map[Key]PCM, len(ev.Speaking)),
		silent:   make(map[Key]struct{}, len(ev.Silent)),
	}
	lookup, release := r.keyFunc()
	defer release()

	for ssrc := range ev.Silent {
		t.silent[lookup(ssrc)] = struct{}{}
	}
	for ssrc, data := range ev.Speaking {
		key := lookup(ssrc)
		if data == nil || data.Decoded == nil {
			t.silent[key] = struct{}{}
			continue
		}
		// Two SSRCs of one user in a single tick only happens with stale
		// resolver state; keep the first decoded frame.
		if _, dup := t.speaking[key]; !dup {
			t.speaking[key] = NewPCM(data.Decoded)
		}
	}
	for key := range t.speaking {
		delete(t.silent, key)
	}
	return t
}

// Seq returns the engine sequence number of the interval.
func (t *Tick) Seq() uint64 { return t.seq }

// Get returns the audio for key and whether it was speaking, silent or
// absent in this tick.
func (t *Tick) Get(key Key) (PCM, Presence) {
	if pcm, ok := t.speaking[key]; ok {
		return pcm, Speaking
	}
	if _, ok := t.silent[key]; ok {
		return PCM{}, Silent
	}
	return PCM{}, Absent
}

// IsSilent reports whether key was marked silent.
func (t *Tick) IsSilent(key Key) bool {
	_, ok := t.silent[key]
	return ok
}

// SpeakingKeys returns the keys with audio, sorted.
func (t *Tick) SpeakingKeys() []Key {
	keys := make([]Key, 0, len(t.speaking))
	for k := range t.speaking {
		keys = append(keys, k)
	}
	SortKeys(keys)
	return keys
}

// SilentKeys returns the keys marked silent, sorted.
func (t *Tick) SilentKeys() []Key {
	keys := make([]Key, 0, len(t.silent))
	for k := range t.silent {
		keys = append(keys, k)
	}
	SortKeys(keys)
	return keys
}

// Len returns the total number of keys in the tick.
func (t *Tick) Len() int { return len(t.speaking) + len(t.silent) }

func (t *Tick) project(key Key) KeyedPCM {
	pcm, p := t.Get(key)
	return KeyedPCM{Seq: t.seq, PCM: pcm, Presence: p}
}
