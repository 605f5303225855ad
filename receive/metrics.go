package receive

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// meterName is the instrumentation scope for sink metrics.
const meterName = "github.com/discord-voice-lab/voicerecv/receive"

// sinkMetrics holds the instruments shared by both sink kinds. Each
// recording carries a "sink" attribute naming the kind.
type sinkMetrics struct {
	attrs metric.MeasurementOption

	ticksAccepted  metric.Int64Counter
	ticksEvicted   metric.Int64Counter
	ticksDiscarded metric.Int64Counter
	ticksDropped   metric.Int64Counter
	ticksLagged    metric.Int64Counter
	admissions     metric.Int64Counter
	activeStreams  metric.Int64UpDownCounter
}

func newSinkMetrics(mp metric.MeterProvider, kind string) (*sinkMetrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := mp.Meter(meterName)
	sm := &sinkMetrics{attrs: metric.WithAttributes(attribute.String("sink", kind))}
	var err error

	if sm.ticksAccepted, err = m.Int64Counter("voicerecv.ticks.accepted",
		metric.WithDescription("Ticks accepted into a sink (buffered or broadcast)."),
	); err != nil {
		return nil, err
	}
	if sm.ticksEvicted, err = m.Int64Counter("voicerecv.ticks.evicted",
		metric.WithDescription("Buffered ticks evicted to honour the retention window."),
	); err != nil {
		return nil, err
	}
	if sm.ticksDiscarded, err = m.Int64Counter("voicerecv.ticks.discarded",
		metric.WithDescription("Ticks discarded because the sink was stopped."),
	); err != nil {
		return nil, err
	}
	if sm.ticksDropped, err = m.Int64Counter("voicerecv.ticks.dropped",
		metric.WithDescription("Ticks broadcast as dropped markers because no stream was open."),
	); err != nil {
		return nil, err
	}
	if sm.ticksLagged, err = m.Int64Counter("voicerecv.ticks.lagged",
		metric.WithDescription("Broadcast slots skipped by subscribers that fell behind."),
	); err != nil {
		return nil, err
	}
	if sm.admissions, err = m.Int64Counter("voicerecv.stream.admissions",
		metric.WithDescription("Stream open attempts. Use with attribute result=granted|denied."),
	); err != nil {
		return nil, err
	}
	if sm.activeStreams, err = m.Int64UpDownCounter("voicerecv.stream.active",
		metric.WithDescription("Streams currently holding a permit."),
	); err != nil {
		return nil, err
	}
	return sm, nil
}

// mustSinkMetrics falls back to no-op instruments when the provider rejects
// an instrument, so metrics never block sink construction.
func mustSinkMetrics(o options, kind string) *sinkMetrics {
	sm, err := newSinkMetrics(o.meterProvider, kind)
	if err != nil {
		o.logger.Warnw("receive: metric instruments unavailable; using no-op", "sink", kind, "err", err)
		sm, _ = newSinkMetrics(noop.NewMeterProvider(), kind)
	}
	return sm
}

func (m *sinkMetrics) add(c metric.Int64Counter, n int64) {
	c.Add(context.Background(), n, m.attrs)
}

func (m *sinkMetrics) admission(granted bool) {
	result := "denied"
	if granted {
		result = "granted"
	}
	m.admissions.Add(context.Background(), 1, m.attrs, metric.WithAttributes(attribute.String("result", result)))
}
