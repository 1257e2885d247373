// ABOUTME: OpenTelemetry metric instruments for pcmstream
// ABOUTME: Counters and histograms recorded by the sender, receiver and server
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/Resonate-Protocol/pcmstream"

// Metrics holds every instrument. All fields are safe for concurrent use.
type Metrics struct {
	ChunksSent    metric.Int64Counter
	BytesSent     metric.Int64Counter
	ChunksRecv    metric.Int64Counter
	ChunksDropped metric.Int64Counter
	DecodeErrors  metric.Int64Counter

	StreamsStarted   metric.Int64Counter
	StreamsCompleted metric.Int64Counter

	// ChunkLatency is receive time minus chunk timestamp, in milliseconds
	ChunkLatency metric.Float64Histogram

	ActiveClients metric.Int64UpDownCounter
}

var latencyBuckets = []float64{
	1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500,
}

// NewMetrics creates all instruments from mp
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ChunksSent, err = m.Int64Counter("pcmstream.chunks.sent",
		metric.WithDescription("Chunks emitted by senders."),
	); err != nil {
		return nil, err
	}
	if met.BytesSent, err = m.Int64Counter("pcmstream.bytes.sent",
		metric.WithDescription("Raw PCM bytes emitted by senders."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ChunksRecv, err = m.Int64Counter("pcmstream.chunks.received",
		metric.WithDescription("Chunks accepted by receivers."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("pcmstream.chunks.dropped",
		metric.WithDescription("Chunks pruned from full reassembly buffers."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("pcmstream.decode.errors",
		metric.WithDescription("Malformed chunks rejected by receivers."),
	); err != nil {
		return nil, err
	}
	if met.StreamsStarted, err = m.Int64Counter("pcmstream.streams.started",
		metric.WithDescription("Streams started, by role."),
	); err != nil {
		return nil, err
	}
	if met.StreamsCompleted, err = m.Int64Counter("pcmstream.streams.completed",
		metric.WithDescription("Streams completed, by role."),
	); err != nil {
		return nil, err
	}
	if met.ChunkLatency, err = m.Float64Histogram("pcmstream.chunk.latency",
		metric.WithDescription("Delay between chunk transmission and receipt."),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveClients, err = m.Int64UpDownCounter("pcmstream.clients.active",
		metric.WithDescription("Connected streaming clients."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// Nop returns instruments that record nothing
func Nop() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		panic("observe: noop metrics: " + err.Error())
	}
	return m
}

// Role attribute values
const (
	RoleSender   = "sender"
	RoleReceiver = "receiver"
)

func roleAttr(role string) metric.AddOption {
	return metric.WithAttributes(attribute.String("role", role))
}

// RecordStreamStarted counts a stream start for role
func (m *Metrics) RecordStreamStarted(ctx context.Context, role string) {
	m.StreamsStarted.Add(ctx, 1, roleAttr(role))
}

// RecordStreamCompleted counts a stream completion for role
func (m *Metrics) RecordStreamCompleted(ctx context.Context, role string) {
	m.StreamsCompleted.Add(ctx, 1, roleAttr(role))
}

// RecordChunkSent counts one emitted chunk of n payload bytes
func (m *Metrics) RecordChunkSent(ctx context.Context, n int) {
	m.ChunksSent.Add(ctx, 1)
	m.BytesSent.Add(ctx, int64(n))
}
