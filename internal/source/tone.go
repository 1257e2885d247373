// ABOUTME: Sine tone generator
// ABOUTME: Synthesises a fixed-length tone at 50% amplitude into memory
package source

import (
	"bytes"
	"fmt"
	"math"

	"github.com/Resonate-Protocol/pcmstream/pkg/audio"
)

// Tone is a sine wave held entirely in memory
type Tone struct {
	*bytes.Reader
	pcm       []byte
	format    audio.Format
	frequency float64
	seconds   float64
}

// NewTone synthesises seconds of a frequency Hz sine in format. Every channel
// carries the same signal.
func NewTone(frequency, seconds float64, format audio.Format) *Tone {
	frames := int(seconds * float64(format.SampleRate))
	samples := make([]int16, frames*format.Channels)

	for i := 0; i < frames; i++ {
		t := float64(i) / float64(format.SampleRate)
		v := int16(math.Sin(2*math.Pi*frequency*t) * 32767.0 * 0.5)
		for ch := 0; ch < format.Channels; ch++ {
			samples[i*format.Channels+ch] = v
		}
	}

	pcm := audio.Int16ToBytes(samples)
	return &Tone{
		Reader:    bytes.NewReader(pcm),
		pcm:       pcm,
		format:    format,
		frequency: frequency,
		seconds:   seconds,
	}
}

func (t *Tone) Bytes() []byte        { return t.pcm }
func (t *Tone) Format() audio.Format { return t.format }
func (t *Tone) Close() error         { return nil }

func (t *Tone) Name() string {
	return fmt.Sprintf("%gHz tone (%gs)", t.frequency, t.seconds)
}
