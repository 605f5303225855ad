// Package receive fans decoded voice-call events out to consumers.
//
// A voice engine delivers three kinds of events for every registered sink:
// a [VoiceTick] every 20 ms carrying decoded PCM per SSRC, a
// [SpeakingUpdate] whenever a participant's speaking state changes, and a
// [ClientDisconnect] when a participant leaves. Sinks translate the raw
// SSRC-keyed data into identity-keyed [Tick] snapshots using a [Resolver]
// and deliver them under one of two policies:
//
//   - [BufferSink] keeps a bounded FIFO of ticks for a single consumer that
//     drains it oldest-first. When the retention window is full the oldest
//     tick is evicted.
//   - [StreamSink] broadcasts ticks to many independently paced consumers.
//     Each consumer holds a [Stream] admitted through a fixed pool of
//     permits; opening a stream at the ceiling fails fast with
//     [ErrAdmissionDenied].
//
// Sinks are plain values. Wiring their [Registration] into an engine is the
// caller's job:
//
//	sink := receive.NewBufferSink(receive.WithRetention(5))
//	remove := dispatcher.Register(sink.Registration())
//	defer remove()
//
//	for tick := range sink.All(ctx) {
//		pcm, presence := tick.Get(receive.UserKey(userID))
//		...
//	}
package receive
