// ABOUTME: Streaming PCM format converter
// ABOUTME: Adapts 16-bit PCM from a source format to a target rate and channel count
package resample

import (
	"errors"
	"fmt"
	"io"

	"github.com/Resonate-Protocol/pcmstream/pkg/audio"
)

// blockFrames is how many source frames are converted per read
const blockFrames = 1024

// Converter is an io.Reader that yields PCM in the target format, reading
// 16-bit little-endian PCM in the source format from the wrapped reader.
type Converter struct {
	src       io.Reader
	from      audio.Format
	to        audio.Format
	resampler *Resampler

	in      []byte
	pending []byte
	err     error
}

// NewConverter wraps r. Both formats must be 16-bit.
func NewConverter(r io.Reader, from, to audio.Format) (*Converter, error) {
	if err := from.Validate(); err != nil {
		return nil, fmt.Errorf("source format: %w", err)
	}
	if err := to.Validate(); err != nil {
		return nil, fmt.Errorf("target format: %w", err)
	}
	if from.BitDepth != 16 || to.BitDepth != 16 {
		return nil, fmt.Errorf("only 16-bit conversion is supported (%d -> %d bit)", from.BitDepth, to.BitDepth)
	}

	c := &Converter{
		src:  r,
		from: from,
		to:   to,
		in:   make([]byte, blockFrames*from.FrameSize()),
	}
	if from.SampleRate != to.SampleRate {
		c.resampler = New(from.SampleRate, to.SampleRate, to.Channels)
	}
	return c, nil
}

// Read implements io.Reader
func (c *Converter) Read(p []byte) (int, error) {
	for len(c.pending) == 0 {
		if c.err != nil {
			return 0, c.err
		}
		c.fill()
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *Converter) fill() {
	n, err := io.ReadFull(c.src, c.in)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	c.err = err

	n -= n % c.from.FrameSize()
	if n == 0 {
		return
	}

	samples := mixChannels(audio.Int16FromBytes(c.in[:n]), c.from.Channels, c.to.Channels)
	if c.resampler != nil {
		wide := make([]int32, len(samples))
		for i, s := range samples {
			wide[i] = audio.SampleFromInt16(s)
		}
		out := make([]int32, c.resampler.OutputSamplesNeeded(len(wide))+c.to.Channels)
		produced := c.resampler.Resample(wide, out)
		samples = make([]int16, produced)
		for i := range samples {
			samples[i] = audio.SampleToInt16(out[i])
		}
	}
	c.pending = audio.Int16ToBytes(samples)
}

// mixChannels converts interleaved samples between channel counts. Mono
// targets average all source channels, other targets pick source channels
// round-robin.
func mixChannels(samples []int16, from, to int) []int16 {
	if from == to {
		return samples
	}
	frames := len(samples) / from
	out := make([]int16, frames*to)
	for f := 0; f < frames; f++ {
		src := samples[f*from : (f+1)*from]
		if to == 1 {
			sum := 0
			for _, s := range src {
				sum += int(s)
			}
			out[f] = int16(sum / from)
			continue
		}
		for ch := 0; ch < to; ch++ {
			out[f*to+ch] = src[ch%from]
		}
	}
	return out
}
