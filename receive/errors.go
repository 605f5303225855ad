package receive

import "errors"

var (
	// ErrAdmissionDenied is returned by [Stream.Open] when every permit of
	// the sink is held. The caller may retry later; nothing is queued.
	ErrAdmissionDenied = errors.New("receive: stream admission denied: concurrency limit reached")

	// ErrClosed is returned by stream operations after the handle was
	// closed or its sink was closed.
	ErrClosed = errors.New("receive: stream sink closed")

	// ErrAlreadyOpen is returned by [Stream.Open] on a handle that already
	// holds a permit.
	ErrAlreadyOpen = errors.New("receive: stream already open")

	// ErrExhausted ends iteration of a [BufferSink] that has been stopped or
	// closed and has no ticks left. It is a normal end of sequence.
	ErrExhausted = errors.New("receive: buffer exhausted")
)
