// ABOUTME: PCM chunk encoder
// ABOUTME: Splits raw PCM into fixed-duration sequenced chunks sharing one stream id
package stream

import (
	"errors"
	"time"

	"github.com/Resonate-Protocol/pcmstream/pkg/audio"
	"github.com/Resonate-Protocol/pcmstream/pkg/protocol"
	"github.com/google/uuid"
)

// DefaultChunkDurationMs is used when no chunk duration is configured
const DefaultChunkDurationMs = 100

// ErrEncoderFinished is returned by Encode and Flush after Flush has run
var ErrEncoderFinished = errors.New("encoder already flushed")

// EncoderConfig holds encoder settings
type EncoderConfig struct {
	Format          audio.Format
	ChunkDurationMs int
	// StreamID overrides the generated stream id
	StreamID string
	// Now stamps chunks, defaults to time.Now
	Now func() time.Time
}

// Encoder turns PCM bytes into chunks. Successive Encode calls continue the
// same sequence; Flush emits the final chunk.
type Encoder struct {
	format     audio.Format
	durationMs int
	chunkSize  int
	streamID   string
	now        func() time.Time

	seq      int
	pending  []byte
	finished bool
}

// NewEncoder creates an encoder with a fresh stream id
func NewEncoder(config EncoderConfig) *Encoder {
	if config.Format == (audio.Format{}) {
		config.Format = audio.DefaultFormat()
	}
	if config.ChunkDurationMs <= 0 {
		config.ChunkDurationMs = DefaultChunkDurationMs
	}
	if config.StreamID == "" {
		config.StreamID = uuid.New().String()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	size := config.Format.BytesForDuration(config.ChunkDurationMs)
	if size <= 0 {
		size = max(config.Format.FrameSize(), 1)
	}

	return &Encoder{
		format:     config.Format,
		durationMs: config.ChunkDurationMs,
		chunkSize:  size,
		streamID:   config.StreamID,
		now:        config.Now,
	}
}

// StreamID returns the id shared by every chunk of this encoder
func (e *Encoder) StreamID() string {
	return e.streamID
}

// Format returns the PCM format of produced chunks
func (e *Encoder) Format() audio.Format {
	return e.format
}

// ChunkSize returns the payload size of a full chunk in bytes
func (e *Encoder) ChunkSize() int {
	return e.chunkSize
}

// Encode appends data and returns every full chunk now available. Bytes that
// do not fill a chunk are held until the next Encode or Flush.
func (e *Encoder) Encode(data []byte) ([]protocol.Chunk, error) {
	if e.finished {
		return nil, ErrEncoderFinished
	}

	e.pending = append(e.pending, data...)

	var chunks []protocol.Chunk
	for len(e.pending) >= e.chunkSize {
		payload := make([]byte, e.chunkSize)
		copy(payload, e.pending)
		e.pending = e.pending[e.chunkSize:]
		chunks = append(chunks, e.chunk(payload, e.durationMs, false))
	}

	// Drop the consumed prefix so the backing array does not grow forever
	if len(e.pending) == 0 {
		e.pending = nil
	} else if len(chunks) > 0 {
		e.pending = append([]byte(nil), e.pending...)
	}

	return chunks, nil
}

// Flush emits the held remainder as the final chunk. With nothing held the
// final chunk is empty, so receivers still see the end of the stream.
func (e *Encoder) Flush() (protocol.Chunk, error) {
	if e.finished {
		return protocol.Chunk{}, ErrEncoderFinished
	}
	e.finished = true

	payload := e.pending
	if payload == nil {
		payload = []byte{}
	}
	e.pending = nil

	return e.chunk(payload, e.format.DurationMs(len(payload)), true), nil
}

// EncodeAll encodes a complete buffer, final chunk included
func (e *Encoder) EncodeAll(data []byte) ([]protocol.Chunk, error) {
	chunks, err := e.Encode(data)
	if err != nil {
		return nil, err
	}
	final, err := e.Flush()
	if err != nil {
		return nil, err
	}
	return append(chunks, final), nil
}

func (e *Encoder) chunk(payload []byte, durationMs int, final bool) protocol.Chunk {
	c := protocol.Chunk{
		StreamID:       e.streamID,
		SequenceNumber: e.seq,
		Timestamp:      e.now().UnixMilli(),
		Format:         e.format,
		Data:           payload,
		DurationMs:     durationMs,
		IsFinal:        final,
	}
	e.seq++
	return c
}
