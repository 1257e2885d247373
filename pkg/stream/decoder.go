// ABOUTME: Chunk decoder producing a reassembled PCM stream
// ABOUTME: Tracks the active stream id and resets when a new stream appears
package stream

import (
	"fmt"
	"log/slog"

	"github.com/Resonate-Protocol/pcmstream/pkg/audio"
	"github.com/Resonate-Protocol/pcmstream/pkg/protocol"
)

// Result describes what a single AddChunk call did
type Result struct {
	Chunk protocol.Chunk
	// Started is set when this chunk made its stream the active one
	Started bool
	// Replaced is set when a previous stream was reset to adopt this one
	Replaced bool
	// PreviousStreamID is the stream that was reset, if any
	PreviousStreamID string
	// Accepted is false for stale, duplicate or past-final chunks
	Accepted bool
	// Delivered lists chunks pushed to the PCM stream by this call, in order
	Delivered []protocol.Chunk
	// Dropped lists sequence numbers pruned on overflow by this call
	Dropped []int
	// Ended is set when this call pushed the final chunk
	Ended bool
}

// Decoder owns one ChunkBuffer and writes every contiguous run of chunks to
// a PCMStream. It is not safe for concurrent use.
type Decoder struct {
	maxBufferSize int
	buffer        *ChunkBuffer
	stream        *PCMStream
	dropped       []int

	streamID string
	format   audio.Format
	adopted  bool
}

// NewDecoder creates a decoder whose buffer holds at most maxBufferSize chunks
func NewDecoder(maxBufferSize int) *Decoder {
	d := &Decoder{maxBufferSize: maxBufferSize}
	d.buffer = NewChunkBuffer(maxBufferSize, WithDropHandler(func(seqs []int) {
		d.dropped = append(d.dropped, seqs...)
	}))
	d.stream = newPCMStream()
	return d
}

// adoptStream makes id the active stream. A different id than the active one
// resets all state first. It reports whether adoption happened and whether a
// previous stream was replaced.
func (d *Decoder) adoptStream(id string) (started, replaced bool) {
	if d.adopted && d.streamID == id {
		return false, false
	}
	if d.adopted {
		slog.Info("stream: new stream replaces active one",
			"previous", d.streamID,
			"stream", id)
		d.Reset()
		replaced = true
	}
	d.streamID = id
	d.adopted = true
	return true, replaced
}

// AddChunk resolves in, feeds it to the buffer and pushes every chunk that
// became contiguous to the PCM stream. Malformed input returns an error and
// leaves the decoder untouched.
func (d *Decoder) AddChunk(in protocol.Input) (Result, error) {
	chunk, err := in.Resolve()
	if err != nil {
		return Result{}, err
	}

	res := Result{Chunk: chunk}
	previous := d.streamID
	res.Started, res.Replaced = d.adoptStream(chunk.StreamID)
	if res.Replaced {
		res.PreviousStreamID = previous
	}
	if res.Started {
		d.format = chunk.Format
	} else if chunk.Format != d.format {
		slog.Warn("stream: chunk format differs from stream format",
			"stream", chunk.StreamID,
			"seq", chunk.SequenceNumber,
			"format", chunk.Format.String(),
			"expected", d.format.String())
	}

	res.Accepted = d.buffer.Add(chunk)
	res.Dropped, d.dropped = d.dropped, nil

	for _, c := range d.buffer.Available() {
		if err := d.stream.write(c.Data); err != nil {
			return res, fmt.Errorf("push chunk %d: %w", c.SequenceNumber, err)
		}
		res.Delivered = append(res.Delivered, c)
		if c.IsFinal {
			res.Ended = d.stream.end()
		}
	}

	return res, nil
}

// Stream returns the PCM stream of the active stream. Repeated calls return
// the same handle until Reset replaces it.
func (d *Decoder) Stream() *PCMStream {
	return d.stream
}

// Format returns the active stream's format; ok is false before any chunk
func (d *Decoder) Format() (audio.Format, bool) {
	return d.format, d.adopted
}

// StreamID returns the active stream id; ok is false before any chunk
func (d *Decoder) StreamID() (string, bool) {
	return d.streamID, d.adopted
}

// IsComplete reports whether the final chunk has been pushed
func (d *Decoder) IsComplete() bool {
	return d.buffer.IsComplete()
}

// HasFinalChunk reports whether the final chunk has arrived
func (d *Decoder) HasFinalChunk() bool {
	return d.buffer.HasFinalChunk()
}

// BufferedChunkCount returns the number of chunks waiting on a gap
func (d *Decoder) BufferedChunkCount() int {
	return d.buffer.Len()
}

// Reset ends the current PCM stream and clears all stream state
func (d *Decoder) Reset() {
	d.stream.end()
	d.stream = newPCMStream()
	d.buffer.Reset()
	d.dropped = nil
	d.streamID = ""
	d.format = audio.Format{}
	d.adopted = false
}
