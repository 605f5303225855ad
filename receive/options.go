package receive

import (
	"github.com/discord-voice-lab/voicerecv/internal/logging"
	"go.opentelemetry.io/otel/metric"
)

// TicksPerSecond is the engine's default tick cadence (one tick per 20 ms).
const TicksPerSecond = 50

const (
	defaultRetainSeconds = 15
	defaultMaxConcurrent = 50
)

type options struct {
	tickRate      int
	retention     int
	retain        bool
	retainSeconds int
	maxConcurrent int
	logger        logging.Logger
	meterProvider metric.MeterProvider
}

// Option configures a [BufferSink] or [StreamSink]. Options that only apply
// to one sink kind are ignored by the other.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{
		tickRate:      TicksPerSecond,
		retainSeconds: defaultRetainSeconds,
		maxConcurrent: defaultMaxConcurrent,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.tickRate <= 0 {
		o.tickRate = TicksPerSecond
	}
	if o.logger == nil {
		o.logger = logging.GetLogger()
	}
	return o
}

// WithTickRate overrides [TicksPerSecond] for converting retention windows
// into tick counts.
func WithTickRate(ticksPerSecond int) Option {
	return func(o *options) { o.tickRate = ticksPerSecond }
}

// WithRetention bounds a [BufferSink] to seconds worth of ticks at the tick
// rate. Without it the buffer is unbounded. seconds <= 0 also means
// unbounded, so a zero-valued retention setting maps to "no limit"; a
// zero-capacity buffer that evicts every tick on arrival is not offered.
func WithRetention(seconds int) Option {
	return func(o *options) { o.retention = seconds }
}

// WithRetain makes a [StreamSink] build and broadcast ticks even when no
// stream is open.
func WithRetain(retain bool) Option {
	return func(o *options) { o.retain = retain }
}

// WithRetainSeconds sets the depth of a [StreamSink]'s broadcast ring.
// Default 15.
func WithRetainSeconds(seconds int) Option {
	return func(o *options) { o.retainSeconds = seconds }
}

// WithMaxConcurrent sets how many [Stream] handles may be open at once on a
// [StreamSink]. Default 50.
func WithMaxConcurrent(n int) Option {
	return func(o *options) { o.maxConcurrent = n }
}

// WithLogger sets the logger used by the sink. Defaults to the process
// logger from the logging package.
func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMeterProvider sets the OpenTelemetry meter provider used for sink
// metrics. Defaults to the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}
