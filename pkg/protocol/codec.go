// ABOUTME: JSON codec for chunk messages
// ABOUTME: One JSON object per transport message, with required-field checks
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/Resonate-Protocol/pcmstream/pkg/audio"
)

// wireChunk mirrors SerializedChunk with pointers so absent fields can be told
// apart from zero values.
type wireChunk struct {
	StreamID       *string       `json:"streamId"`
	SequenceNumber *int          `json:"sequenceNumber"`
	Timestamp      *int64        `json:"timestamp"`
	Format         *audio.Format `json:"format"`
	Data           *string       `json:"data"`
	DurationMs     *int          `json:"durationMs"`
	IsFinal        *bool         `json:"isFinal"`
}

// Marshal encodes a chunk as a JSON wire message
func Marshal(c SerializedChunk) ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal decodes a JSON wire message. Every field of the wire format is
// required; a missing one yields ErrMalformedChunk.
func Unmarshal(data []byte) (SerializedChunk, error) {
	var w wireChunk
	if err := json.Unmarshal(data, &w); err != nil {
		return SerializedChunk{}, fmt.Errorf("%w: %v", ErrMalformedChunk, err)
	}

	missing := func(name string) (SerializedChunk, error) {
		return SerializedChunk{}, fmt.Errorf("%w: missing %s", ErrMalformedChunk, name)
	}
	switch {
	case w.StreamID == nil:
		return missing("streamId")
	case w.SequenceNumber == nil:
		return missing("sequenceNumber")
	case w.Timestamp == nil:
		return missing("timestamp")
	case w.Format == nil:
		return missing("format")
	case w.Data == nil:
		return missing("data")
	case w.DurationMs == nil:
		return missing("durationMs")
	case w.IsFinal == nil:
		return missing("isFinal")
	}

	return SerializedChunk{
		StreamID:       *w.StreamID,
		SequenceNumber: *w.SequenceNumber,
		Timestamp:      *w.Timestamp,
		Format:         *w.Format,
		Data:           *w.Data,
		DurationMs:     *w.DurationMs,
		IsFinal:        *w.IsFinal,
	}, nil
}

// Decode unmarshals and deserializes a wire message in one step
func Decode(data []byte) (Chunk, error) {
	s, err := Unmarshal(data)
	if err != nil {
		return Chunk{}, err
	}
	return s.Deserialize()
}
