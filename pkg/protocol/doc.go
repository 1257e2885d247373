// ABOUTME: pcmstream wire protocol package
// ABOUTME: Defines the audio chunk model and its JSON wire codec
// Package protocol implements the pcmstream wire format.
//
// Every transport message carries exactly one chunk as a JSON object whose
// PCM payload is base64 text:
//
//	{
//	  "streamId": "7d3c...",
//	  "sequenceNumber": 0,
//	  "timestamp": 1718000000000,
//	  "format": {"sampleRate": 16000, "channels": 1, "bitDepth": 16, "encoding": "pcm_s16le"},
//	  "data": "AAABAA==",
//	  "durationMs": 100,
//	  "isFinal": false
//	}
//
// Example:
//
//	data, err := protocol.Marshal(chunk.Serialize())
//	chunk, err := protocol.Decode(data)
package protocol
