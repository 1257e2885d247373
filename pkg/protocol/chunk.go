// ABOUTME: Audio chunk wire model
// ABOUTME: Defines Chunk, its base64 SerializedChunk form and the Input sum type
package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/Resonate-Protocol/pcmstream/pkg/audio"
)

// ErrMalformedChunk is returned when a serialized chunk cannot be decoded
var ErrMalformedChunk = errors.New("malformed chunk")

// Chunk is one sequenced, timestamped slice of PCM audio
type Chunk struct {
	StreamID       string
	SequenceNumber int
	Timestamp      int64 // Unix milliseconds
	Format         audio.Format
	Data           []byte
	DurationMs     int
	IsFinal        bool
}

// SerializedChunk is the wire form of Chunk with Data as base64 text
type SerializedChunk struct {
	StreamID       string       `json:"streamId"`
	SequenceNumber int          `json:"sequenceNumber"`
	Timestamp      int64        `json:"timestamp"`
	Format         audio.Format `json:"format"`
	Data           string       `json:"data"`
	DurationMs     int          `json:"durationMs"`
	IsFinal        bool         `json:"isFinal"`
}

// Input is either a Chunk or a SerializedChunk. It is resolved once at the
// receiving edge into a Chunk.
type Input interface {
	Resolve() (Chunk, error)
	isInput()
}

// Serialize converts the chunk to its wire form
func (c Chunk) Serialize() SerializedChunk {
	return SerializedChunk{
		StreamID:       c.StreamID,
		SequenceNumber: c.SequenceNumber,
		Timestamp:      c.Timestamp,
		Format:         c.Format,
		Data:           base64.StdEncoding.EncodeToString(c.Data),
		DurationMs:     c.DurationMs,
		IsFinal:        c.IsFinal,
	}
}

// Resolve returns the chunk itself
func (c Chunk) Resolve() (Chunk, error) {
	return c, nil
}

func (Chunk) isInput() {}

// Deserialize decodes the base64 payload and validates the metadata
func (s SerializedChunk) Deserialize() (Chunk, error) {
	if s.StreamID == "" {
		return Chunk{}, fmt.Errorf("%w: missing streamId", ErrMalformedChunk)
	}
	if s.SequenceNumber < 0 {
		return Chunk{}, fmt.Errorf("%w: negative sequenceNumber %d", ErrMalformedChunk, s.SequenceNumber)
	}
	if s.DurationMs < 0 {
		return Chunk{}, fmt.Errorf("%w: negative durationMs %d", ErrMalformedChunk, s.DurationMs)
	}
	if err := s.Format.Validate(); err != nil {
		return Chunk{}, fmt.Errorf("%w: format: %v", ErrMalformedChunk, err)
	}

	data, err := base64.StdEncoding.DecodeString(s.Data)
	if err != nil {
		return Chunk{}, fmt.Errorf("%w: data: %v", ErrMalformedChunk, err)
	}

	return Chunk{
		StreamID:       s.StreamID,
		SequenceNumber: s.SequenceNumber,
		Timestamp:      s.Timestamp,
		Format:         s.Format,
		Data:           data,
		DurationMs:     s.DurationMs,
		IsFinal:        s.IsFinal,
	}, nil
}

// Resolve deserializes the chunk
func (s SerializedChunk) Resolve() (Chunk, error) {
	return s.Deserialize()
}

func (SerializedChunk) isInput() {}
