// ABOUTME: Transport-agnostic stream sender
// ABOUTME: Encodes PCM, paces chunks in real time and hands them to an emit callback
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/Resonate-Protocol/pcmstream/internal/observe"
	"github.com/Resonate-Protocol/pcmstream/pkg/audio"
	"github.com/Resonate-Protocol/pcmstream/pkg/pacer"
	"github.com/Resonate-Protocol/pcmstream/pkg/protocol"
	"golang.org/x/sync/errgroup"
)

// ErrAborted is returned when Abort stops a send
var ErrAborted = errors.New("stream: send aborted")

// EmitFunc delivers one serialized chunk to the transport
type EmitFunc func(ctx context.Context, chunk protocol.SerializedChunk) error

// SenderConfig holds sender settings. Zero fields take defaults.
type SenderConfig struct {
	Format          audio.Format
	ChunkDurationMs int
	DisablePacing   bool
	// ReadSize is the block size SendFromStream reads from its source
	ReadSize int
	Metrics  *observe.Metrics
	Now      func() time.Time
}

// SendStats summarises one send. Chunks counts every emitted chunk including
// the final one, which Flush always produces, so an empty input reports
// Chunks=1 and Bytes=0.
type SendStats struct {
	StreamID   string
	Chunks     int
	Bytes      int
	DurationMs int
	StartTime  time.Time
	EndTime    time.Time
}

// Sender emits one stream per Send call. Abort stops the send in flight.
type Sender struct {
	config  SenderConfig
	pacer   *pacer.Pacer[protocol.Chunk]
	metrics *observe.Metrics

	mu    sync.Mutex
	state State
}

// NewSender creates a sender
func NewSender(config SenderConfig) *Sender {
	if config.Format == (audio.Format{}) {
		config.Format = audio.DefaultFormat()
	}
	if config.ChunkDurationMs <= 0 {
		config.ChunkDurationMs = DefaultChunkDurationMs
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.ReadSize <= 0 {
		config.ReadSize = config.Format.BytesForDuration(config.ChunkDurationMs)
		if config.ReadSize <= 0 {
			config.ReadSize = 4096
		}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = observe.Nop()
	}

	return &Sender{
		config:  config,
		pacer:   pacer.New[protocol.Chunk](!config.DisablePacing),
		metrics: metrics,
	}
}

// Format returns the PCM format the sender encodes
func (s *Sender) Format() audio.Format {
	return s.config.Format
}

// State returns the sender's lifecycle state
func (s *Sender) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sender) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Sender) newEncoder() *Encoder {
	return NewEncoder(EncoderConfig{
		Format:          s.config.Format,
		ChunkDurationMs: s.config.ChunkDurationMs,
		Now:             s.config.Now,
	})
}

// emitter wraps emit, re-stamping each chunk at transmission time and
// collecting statistics.
func (s *Sender) emitter(stats *SendStats, emit EmitFunc) pacer.EmitFunc[protocol.Chunk] {
	return func(ctx context.Context, chunk protocol.Chunk) error {
		now := s.config.Now()
		if stats.Chunks == 0 {
			stats.StartTime = now
			s.setState(StateStreaming)
			s.metrics.RecordStreamStarted(ctx, observe.RoleSender)
			slog.Info("stream: send started",
				"stream", chunk.StreamID,
				"format", chunk.Format.String())
		}

		chunk.Timestamp = now.UnixMilli()
		if err := emit(ctx, chunk.Serialize()); err != nil {
			return fmt.Errorf("emit chunk %d: %w", chunk.SequenceNumber, err)
		}

		stats.Chunks++
		stats.Bytes += len(chunk.Data)
		stats.DurationMs += chunk.DurationMs
		s.metrics.RecordChunkSent(ctx, len(chunk.Data))
		return nil
	}
}

func (s *Sender) finish(ctx context.Context, stats SendStats, err error) (SendStats, error) {
	stats.EndTime = s.config.Now()
	if stats.StartTime.IsZero() {
		stats.StartTime = stats.EndTime
	}

	switch {
	case err == nil:
		s.setState(StateComplete)
		s.metrics.RecordStreamCompleted(ctx, observe.RoleSender)
		slog.Info("stream: send complete",
			"stream", stats.StreamID,
			"chunks", stats.Chunks,
			"bytes", stats.Bytes,
			"duration_ms", stats.DurationMs)
		return stats, nil
	case errors.Is(err, pacer.ErrAborted):
		s.setState(StateIdle)
		slog.Info("stream: send aborted", "stream", stats.StreamID, "chunks", stats.Chunks)
		return stats, ErrAborted
	default:
		s.setState(StateIdle)
		return SendStats{}, err
	}
}

func toItem(c protocol.Chunk) pacer.Item[protocol.Chunk] {
	return pacer.Item[protocol.Chunk]{Value: c, DelayMs: c.DurationMs, IsFinal: c.IsFinal}
}

// Send encodes pcm and emits every chunk, pacing between them unless pacing
// is disabled. An aborted send returns the partial stats with ErrAborted; any
// other failure returns only the error.
func (s *Sender) Send(ctx context.Context, pcm []byte, emit EmitFunc) (SendStats, error) {
	enc := s.newEncoder()
	stats := SendStats{StreamID: enc.StreamID()}

	chunks, err := enc.EncodeAll(pcm)
	if err != nil {
		return s.finish(ctx, stats, err)
	}

	items := make([]pacer.Item[protocol.Chunk], len(chunks))
	for i, c := range chunks {
		items[i] = toItem(c)
	}

	err = s.pacer.Pace(ctx, items, s.emitter(&stats, emit))
	return s.finish(ctx, stats, err)
}

// SendFromStream reads PCM from src until EOF and emits it as one stream.
// Reading pauses while chunks wait for their turn, so encoding never runs
// ahead of emission by more than one block.
//
// Abort or cancelling ctx returns promptly even while src.Read is blocked.
// The blocked Read keeps its goroutine until it returns; closing src is the
// caller's job.
func (s *Sender) SendFromStream(ctx context.Context, src io.Reader, emit EmitFunc) (SendStats, error) {
	enc := s.newEncoder()
	stats := SendStats{StreamID: enc.StreamID()}

	items := make(chan pacer.Item[protocol.Chunk])
	g, gctx := errgroup.WithContext(ctx)
	blocks := readBlocks(gctx, src, s.config.ReadSize)

	g.Go(func() error {
		defer close(items)

		push := func(chunks []protocol.Chunk) error {
			for _, c := range chunks {
				select {
				case items <- toItem(c):
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		}

		for {
			var b block
			select {
			case b = <-blocks:
			case <-gctx.Done():
				return gctx.Err()
			}

			if len(b.data) > 0 {
				chunks, err := enc.Encode(b.data)
				if err != nil {
					return err
				}
				if err := push(chunks); err != nil {
					return err
				}
			}
			if errors.Is(b.err, io.EOF) {
				break
			}
			if b.err != nil {
				return fmt.Errorf("read source: %w", b.err)
			}
		}

		final, err := enc.Flush()
		if err != nil {
			return err
		}
		return push([]protocol.Chunk{final})
	})

	g.Go(func() error {
		return s.pacer.PaceStream(gctx, items, s.emitter(&stats, emit))
	})

	err := g.Wait()
	return s.finish(ctx, stats, err)
}

// block is one Read result
type block struct {
	data []byte
	err  error
}

// readBlocks reads src on its own goroutine so a blocked Read never holds up
// cancellation. The channel is unbuffered, so at most one block is read ahead.
// The goroutine stops after the first error or once ctx is done.
func readBlocks(ctx context.Context, src io.Reader, size int) <-chan block {
	out := make(chan block)
	go func() {
		for {
			buf := make([]byte, size)
			n, err := src.Read(buf)
			if n == 0 && err == nil {
				continue
			}
			select {
			case out <- block{data: buf[:n], err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

// Abort stops any send in flight before its next emission
func (s *Sender) Abort() {
	s.pacer.Abort()
}
