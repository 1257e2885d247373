// ABOUTME: MP3 and FLAC file sources using pure Go decoders
// ABOUTME: Decoded PCM is converted to the stream format on the fly
package source

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Resonate-Protocol/pcmstream/pkg/audio"
	"github.com/Resonate-Protocol/pcmstream/pkg/audio/resample"
	"github.com/hajimehoshi/go-mp3"
	"github.com/mewkiz/flac"
)

// Decoded is a file source whose native PCM is converted to the stream format
type Decoded struct {
	io.Reader
	file   *os.File
	name   string
	format audio.Format
}

func (d *Decoded) Format() audio.Format { return d.format }
func (d *Decoded) Name() string         { return d.name }
func (d *Decoded) Close() error         { return d.file.Close() }

// NewMP3 opens an MP3 file. go-mp3 always yields 16-bit stereo.
func NewMP3(path string, format audio.Format) (*Decoded, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open MP3 file: %w", err)
	}

	dec, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("decode MP3: %w", err)
	}

	native := audio.Format{
		SampleRate: dec.SampleRate(),
		Channels:   2,
		BitDepth:   16,
		Encoding:   audio.EncodingS16LE,
	}
	conv, err := resample.NewConverter(dec, native, format)
	if err != nil {
		f.Close()
		return nil, err
	}

	slog.Info("source: loaded MP3", "path", path, "native", native.String(), "format", format.String())
	return &Decoded{Reader: conv, file: f, name: "mp3 " + filepath.Base(path), format: format}, nil
}

// NewFLAC opens a FLAC file of any bit depth
func NewFLAC(path string, format audio.Format) (*Decoded, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open FLAC file: %w", err)
	}

	stream, err := flac.New(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("decode FLAC: %w", err)
	}

	info := stream.Info
	native := audio.Format{
		SampleRate: int(info.SampleRate),
		Channels:   int(info.NChannels),
		BitDepth:   16,
		Encoding:   audio.EncodingS16LE,
	}
	fr := &flacReader{stream: stream, channels: native.Channels, bitDepth: int(info.BitsPerSample)}

	conv, err := resample.NewConverter(fr, native, format)
	if err != nil {
		f.Close()
		return nil, err
	}

	slog.Info("source: loaded FLAC", "path", path,
		"native", native.String(),
		"bit_depth", info.BitsPerSample,
		"format", format.String())
	return &Decoded{Reader: conv, file: f, name: "flac " + filepath.Base(path), format: format}, nil
}

// flacReader turns FLAC frames into interleaved 16-bit little-endian PCM
type flacReader struct {
	stream   *flac.Stream
	channels int
	bitDepth int
	pending  []byte
}

func (r *flacReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		frame, err := r.stream.ParseNext()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, io.EOF
			}
			return 0, fmt.Errorf("parse FLAC frame: %w", err)
		}

		n := int(frame.BlockSize)
		samples := make([]int16, 0, n*r.channels)
		for i := 0; i < n; i++ {
			for ch := 0; ch < r.channels; ch++ {
				samples = append(samples, to16(frame.Subframes[ch].Samples[i], r.bitDepth))
			}
		}
		r.pending = audio.Int16ToBytes(samples)
	}

	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// to16 scales a sample of bitDepth bits to 16 bits
func to16(sample int32, bitDepth int) int16 {
	switch {
	case bitDepth > 16:
		return int16(sample >> (bitDepth - 16))
	case bitDepth < 16:
		return int16(sample << (16 - bitDepth))
	}
	return int16(sample)
}
