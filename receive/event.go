package receive

import (
	"context"
	"strings"
)

// EventKind names one of the event types a voice engine delivers.
type EventKind uint8

const (
	// EventVoiceTick is delivered once per fixed interval with the audio
	// activity of every known source.
	EventVoiceTick EventKind = iota

	// EventSpeakingUpdate is delivered when a source's speaking state
	// changes and carries the SSRC to user association.
	EventSpeakingUpdate

	// EventClientDisconnect is delivered when a participant leaves.
	EventClientDisconnect
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventVoiceTick:
		return "VoiceTick"
	case EventSpeakingUpdate:
		return "SpeakingStateUpdate"
	case EventClientDisconnect:
		return "ClientDisconnect"
	default:
		return "Unknown"
	}
}

// EventSet is the set of event kinds a handler wants to receive.
type EventSet uint8

// NewEventSet returns a set containing kinds.
func NewEventSet(kinds ...EventKind) EventSet {
	var s EventSet
	for _, k := range kinds {
		s |= 1 << k
	}
	return s
}

// Has reports whether k is in s.
func (s EventSet) Has(k EventKind) bool { return s&(1<<k) != 0 }

// String lists the kinds in s, e.g. "VoiceTick|SpeakingStateUpdate".
func (s EventSet) String() string {
	var parts []string
	for _, k := range []EventKind{EventVoiceTick, EventSpeakingUpdate, EventClientDisconnect} {
		if s.Has(k) {
			parts = append(parts, k.String())
		}
	}
	return strings.Join(parts, "|")
}

// Event is implemented by [*VoiceTick], [*SpeakingUpdate] and
// [*ClientDisconnect].
type Event interface {
	Kind() EventKind
}

// VoiceData is the per-source payload of a [VoiceTick].
type VoiceData struct {
	// Decoded holds 48 kHz interleaved stereo PCM. It is nil when the engine
	// saw a packet but could not decode it (loss, corrupt payload).
	Decoded []int16

	// Opus is the raw payload the frame was decoded from, if retained.
	Opus []byte

	// Sequence and Timestamp are the RTP header fields of the packet.
	Sequence  uint16
	Timestamp uint32
}

// VoiceTick is the raw per-interval audio activity reported by the engine,
// keyed by SSRC. A source listed in Speaking with a nil entry (or nil
// Decoded) was active without a decodable frame.
type VoiceTick struct {
	Seq      uint64
	Speaking map[uint32]*VoiceData
	Silent   map[uint32]struct{}
}

// Kind implements [Event].
func (*VoiceTick) Kind() EventKind { return EventVoiceTick }

// SpeakingFlags mirrors the voice gateway speaking bitfield.
type SpeakingFlags uint8

const (
	SpeakingMicrophone SpeakingFlags = 1 << iota
	SpeakingSoundshare
	SpeakingPriority
)

// SpeakingUpdate associates an SSRC with a participant. HasUser is false
// when the gateway did not include a user.
type SpeakingUpdate struct {
	SSRC    uint32
	UserID  uint64
	HasUser bool
	Flags   SpeakingFlags
}

// Kind implements [Event].
func (*SpeakingUpdate) Kind() EventKind { return EventSpeakingUpdate }

// ClientDisconnect reports that a participant left the call.
type ClientDisconnect struct {
	UserID uint64
}

// Kind implements [Event].
func (*ClientDisconnect) Kind() EventKind { return EventClientDisconnect }

// Action is a follow-up a [Handler] may ask of the engine. Sinks in this
// package always return nil.
type Action struct {
	// Remove asks the engine to stop delivering events to the handler.
	Remove bool
}

// Handler reacts to engine events. The engine invokes Handle from a single
// goroutine per registration.
type Handler interface {
	Handle(ctx context.Context, ev Event) *Action
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ctx context.Context, ev Event) *Action

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, ev Event) *Action { return f(ctx, ev) }

// Registration is what a sink hands to an engine: the handler it owns and
// the event kinds it wants delivered.
type Registration struct {
	Handler Handler
	Events  EventSet
}

// applyIdentity applies the resolver side of an event. It is shared by the sink
// handlers; it returns true if ev was consumed.
func applyIdentity(r *Resolver, ev Event) bool {
	switch e := ev.(type) {
	case *SpeakingUpdate:
		if e.HasUser {
			r.Insert(e.UserID, e.SSRC)
		}
		return true
	case *ClientDisconnect:
		r.RemoveByUser(e.UserID)
		return true
	}
	return false
}
