// ABOUTME: Audio fundamentals package providing the PCM format type
// ABOUTME: Documents Format and its byte-rate and sample conversion helpers
// Package audio describes raw PCM streams.
//
// Format carries the sample rate, channel count, bit depth and encoding of a
// stream. Its helpers convert between byte counts and durations:
//
//	format := audio.DefaultFormat() // 16kHz mono pcm_s16le
//	n := format.BytesForDuration(100) // 3200 bytes per 100ms chunk
//	ms := format.DurationMs(n)
//
// Int16FromBytes and Int16ToBytes convert little-endian 16-bit PCM to and
// from samples. SampleToInt16 and SampleFromInt16 move between 16-bit and
// the 24-bit range.
package audio
