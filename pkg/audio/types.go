// ABOUTME: Audio type definitions
// ABOUTME: Defines the PCM stream format, byte-rate math and sample conversions
package audio

import (
	"encoding/binary"
	"fmt"
)

const (
	// EncodingS16LE is signed 16-bit little-endian PCM
	EncodingS16LE = "pcm_s16le"
	// EncodingS24LE is signed 24-bit little-endian PCM (3 bytes per sample)
	EncodingS24LE = "pcm_s24le"
)

// Format describes a raw PCM stream. A stream keeps one Format for its
// whole lifetime.
type Format struct {
	SampleRate int    `json:"sampleRate" yaml:"sample_rate"`
	Channels   int    `json:"channels" yaml:"channels"`
	BitDepth   int    `json:"bitDepth" yaml:"bit_depth"`
	Encoding   string `json:"encoding" yaml:"encoding"`
}

// DefaultFormat returns PCM S16LE mono 16kHz.
func DefaultFormat() Format {
	return Format{
		SampleRate: 16000,
		Channels:   1,
		BitDepth:   16,
		Encoding:   EncodingS16LE,
	}
}

// Validate reports whether the format can carry PCM data
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate: %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("invalid channel count: %d", f.Channels)
	}
	if f.BitDepth <= 0 || f.BitDepth%8 != 0 {
		return fmt.Errorf("invalid bit depth: %d", f.BitDepth)
	}
	if f.Encoding == "" {
		return fmt.Errorf("encoding is required")
	}
	return nil
}

// FrameSize returns the number of bytes holding one sample for every channel
func (f Format) FrameSize() int {
	return f.BitDepth / 8 * f.Channels
}

// BytesPerSecond returns sampleRate * bitDepth/8 * channels
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.FrameSize()
}

// BytesForDuration returns the byte length of ms milliseconds of audio,
// rounded down to a whole frame.
func (f Format) BytesForDuration(ms int) int {
	frame := f.FrameSize()
	if frame == 0 {
		return 0
	}
	n := f.BytesPerSecond() * ms / 1000
	return n - n%frame
}

// DurationMs returns how many milliseconds n bytes of audio last
func (f Format) DurationMs(n int) int {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return n * 1000 / bps
}

func (f Format) String() string {
	ch := "stereo"
	if f.Channels == 1 {
		ch = "mono"
	} else if f.Channels != 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%s %dHz %s", f.Encoding, f.SampleRate, ch)
}

// SampleToInt16 converts int32 sample to int16 (for 16-bit playback)
func SampleToInt16(sample int32) int16 {
	// Right-shift to convert 24-bit (or 16-bit) to 16-bit range
	return int16(sample >> 8)
}

// SampleFromInt16 converts int16 sample to int32 (left-justified in 24-bit)
func SampleFromInt16(sample int16) int32 {
	return int32(sample) << 8
}

// Int16FromBytes decodes little-endian 16-bit samples. A trailing odd byte is ignored.
func Int16FromBytes(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// Int16ToBytes encodes samples as little-endian 16-bit PCM
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
