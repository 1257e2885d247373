// ABOUTME: Transport-agnostic stream receiver
// ABOUTME: Decodes delivered chunks, measures latency and publishes stream lifecycle events
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Resonate-Protocol/pcmstream/internal/observe"
	"github.com/Resonate-Protocol/pcmstream/pkg/audio"
	"github.com/Resonate-Protocol/pcmstream/pkg/protocol"
)

// DecodeError reports a chunk the receiver could not use
type DecodeError struct {
	Err error
	// Context names the failing input, e.g. "chunk 4 of stream abc"
	Context string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %v", e.Context, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Listener receives receiver events. Nil callbacks are skipped. Callbacks run
// on the goroutine that delivered the chunk, after the receiver's lock is
// released, so they may call back into the receiver.
type Listener struct {
	OnStreamStart func(streamID string, format audio.Format)
	OnChunk       func(chunk protocol.Chunk)
	OnStreamEnd   func(stats ReceiverStats)
	OnError       func(err *DecodeError)
}

// ReceiverConfig holds receiver settings. Zero fields take defaults.
type ReceiverConfig struct {
	MaxBufferSize int
	// OnDrop is told which sequence numbers were pruned on overflow
	OnDrop  func(streamID string, seqs []int)
	Metrics *observe.Metrics
	Now     func() time.Time
}

// ReceiverStats describes the current stream
type ReceiverStats struct {
	StreamID       string
	Format         audio.Format
	ChunksReceived int
	BytesReceived  int
	Dropped        int
	DecodeErrors   int
	AvgLatencyMs   float64
	MinLatencyMs   float64
	MaxLatencyMs   float64
	StartTime      time.Time
	EndTime        time.Time
}

// Receiver reassembles one stream at a time from chunks delivered by a
// transport. It is safe for concurrent use.
type Receiver struct {
	config  ReceiverConfig
	metrics *observe.Metrics

	mu           sync.Mutex
	decoder      *Decoder
	listeners    []Listener
	state        State
	stats        ReceiverStats
	latencySum   float64
	messageCount int
	changed      chan struct{}
}

// NewReceiver creates a receiver
func NewReceiver(config ReceiverConfig) *Receiver {
	if config.MaxBufferSize <= 0 {
		config.MaxBufferSize = DefaultMaxBufferSize
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = observe.Nop()
	}

	return &Receiver{
		config:  config,
		metrics: metrics,
		decoder: NewDecoder(config.MaxBufferSize),
		changed: make(chan struct{}),
	}
}

// AddListener registers l for all future events
func (r *Receiver) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// notifyLocked wakes WaitComplete callers
func (r *Receiver) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// AddMessage decodes a JSON wire message and adds it. Malformed messages are
// reported to listeners.
func (r *Receiver) AddMessage(data []byte) {
	r.mu.Lock()
	r.messageCount++
	n := r.messageCount
	r.mu.Unlock()

	chunk, err := protocol.Unmarshal(data)
	if err != nil {
		r.fail(&DecodeError{Err: err, Context: fmt.Sprintf("message %d", n)})
		return
	}
	r.AddChunk(chunk)
}

// AddChunk feeds one chunk to the decoder and publishes the resulting events.
// Errors never stop the receiver; they are reported to listeners.
func (r *Receiver) AddChunk(in protocol.Input) {
	ctx := context.Background()

	r.mu.Lock()
	res, err := r.decoder.AddChunk(in)
	if err != nil {
		r.mu.Unlock()
		r.fail(&DecodeError{Err: err, Context: describeInput(in)})
		return
	}

	var events []func(Listener)
	now := r.config.Now()

	if res.Replaced {
		slog.Info("stream: receiver switching streams",
			"previous", res.PreviousStreamID,
			"stream", res.Chunk.StreamID)
		r.resetStatsLocked()
	}
	if res.Started {
		r.state = StateStreaming
		r.stats.StreamID = res.Chunk.StreamID
		r.stats.Format = res.Chunk.Format
		r.stats.StartTime = now
		r.metrics.RecordStreamStarted(ctx, observe.RoleReceiver)
		r.notifyLocked()

		id, format := res.Chunk.StreamID, res.Chunk.Format
		events = append(events, func(l Listener) {
			if l.OnStreamStart != nil {
				l.OnStreamStart(id, format)
			}
		})
	}

	if res.Accepted {
		latency := float64(now.UnixMilli() - res.Chunk.Timestamp)
		r.recordLatencyLocked(latency)
		r.stats.ChunksReceived++
		r.stats.BytesReceived += len(res.Chunk.Data)
		r.metrics.ChunksRecv.Add(ctx, 1)
		r.metrics.ChunkLatency.Record(ctx, latency)
	}

	if len(res.Dropped) > 0 {
		r.stats.Dropped += len(res.Dropped)
		r.metrics.ChunksDropped.Add(ctx, int64(len(res.Dropped)))
		slog.Warn("stream: receive buffer overflow",
			"stream", res.Chunk.StreamID,
			"dropped", len(res.Dropped))
		if r.config.OnDrop != nil {
			id, seqs := res.Chunk.StreamID, res.Dropped
			onDrop := r.config.OnDrop
			defer onDrop(id, seqs)
		}
	}

	for _, c := range res.Delivered {
		events = append(events, func(l Listener) {
			if l.OnChunk != nil {
				l.OnChunk(c)
			}
		})
	}

	if res.Ended {
		r.state = StateComplete
		r.stats.EndTime = now
		r.metrics.RecordStreamCompleted(ctx, observe.RoleReceiver)
		r.notifyLocked()

		stats := r.stats
		slog.Info("stream: receive complete",
			"stream", stats.StreamID,
			"chunks", stats.ChunksReceived,
			"bytes", stats.BytesReceived,
			"dropped", stats.Dropped,
			"avg_latency_ms", stats.AvgLatencyMs)
		events = append(events, func(l Listener) {
			if l.OnStreamEnd != nil {
				l.OnStreamEnd(stats)
			}
		})
	}

	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	for _, ev := range events {
		for _, l := range listeners {
			ev(l)
		}
	}
}

func describeInput(in protocol.Input) string {
	switch c := in.(type) {
	case protocol.SerializedChunk:
		return fmt.Sprintf("chunk %d of stream %q", c.SequenceNumber, c.StreamID)
	case protocol.Chunk:
		return fmt.Sprintf("chunk %d of stream %q", c.SequenceNumber, c.StreamID)
	}
	return "chunk"
}

func (r *Receiver) fail(err *DecodeError) {
	r.mu.Lock()
	r.stats.DecodeErrors++
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	r.metrics.DecodeErrors.Add(context.Background(), 1)
	slog.Warn("stream: rejected chunk", "context", err.Context, "error", err.Err)

	for _, l := range listeners {
		if l.OnError != nil {
			l.OnError(err)
		}
	}
}

func (r *Receiver) recordLatencyLocked(ms float64) {
	n := float64(r.stats.ChunksReceived)
	r.latencySum += ms
	r.stats.AvgLatencyMs = r.latencySum / (n + 1)
	if n == 0 || ms < r.stats.MinLatencyMs {
		r.stats.MinLatencyMs = ms
	}
	if n == 0 || ms > r.stats.MaxLatencyMs {
		r.stats.MaxLatencyMs = ms
	}
}

func (r *Receiver) resetStatsLocked() {
	r.stats = ReceiverStats{}
	r.latencySum = 0
	r.state = StateIdle
}

// Stream returns the PCM stream of the current stream
func (r *Receiver) Stream() *PCMStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.decoder.Stream()
}

// Stats returns a snapshot of the current stream's statistics
func (r *Receiver) Stats() ReceiverStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// State returns the receiver's lifecycle state
func (r *Receiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// IsComplete reports whether the current stream's final chunk was delivered
func (r *Receiver) IsComplete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.decoder.IsComplete()
}

// BufferedChunkCount returns the number of chunks waiting on a gap
func (r *Receiver) BufferedChunkCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.decoder.BufferedChunkCount()
}

// Reset abandons the current stream and returns to idle
func (r *Receiver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoder.Reset()
	r.resetStatsLocked()
	r.notifyLocked()
}

// WaitComplete blocks until a stream completes or ctx is done. It returns at
// once if the current stream is already complete.
func (r *Receiver) WaitComplete(ctx context.Context) (ReceiverStats, error) {
	for {
		r.mu.Lock()
		if r.state == StateComplete {
			stats := r.stats
			r.mu.Unlock()
			return stats, nil
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ReceiverStats{}, ctx.Err()
		}
	}
}
