// ABOUTME: Streaming WAV file writer
// ABOUTME: Writes a placeholder header and patches the sizes on Close
package recorder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/Resonate-Protocol/pcmstream/pkg/audio"
)

const headerSize = 44

// WAVHeader is the canonical 44-byte PCM WAV header
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

func newHeader(format audio.Format, dataSize uint32) WAVHeader {
	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(format.Channels),
		SampleRate:    uint32(format.SampleRate),
		ByteRate:      uint32(format.BytesPerSecond()),
		BlockAlign:    uint16(format.FrameSize()),
		BitsPerSample: uint16(format.BitDepth),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// StreamFormat returns the audio format the header describes
func (h WAVHeader) StreamFormat() audio.Format {
	encoding := audio.EncodingS16LE
	if h.BitsPerSample == 24 {
		encoding = audio.EncodingS24LE
	}
	return audio.Format{
		SampleRate: int(h.SampleRate),
		Channels:   int(h.NumChannels),
		BitDepth:   int(h.BitsPerSample),
		Encoding:   encoding,
	}
}

// ReadHeader reads and checks a PCM WAV header
func ReadHeader(r io.Reader) (WAVHeader, error) {
	var h WAVHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return h, fmt.Errorf("failed to read WAV header: %w", err)
	}
	if string(h.ChunkID[:]) != "RIFF" || string(h.Format[:]) != "WAVE" {
		return h, fmt.Errorf("invalid WAV file: missing RIFF/WAVE header")
	}
	if string(h.Subchunk1ID[:]) != "fmt " || string(h.Subchunk2ID[:]) != "data" {
		return h, fmt.Errorf("invalid WAV file: unexpected chunk layout")
	}
	if h.AudioFormat != 1 {
		return h, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", h.AudioFormat)
	}
	return h, nil
}

// WAVWriter writes PCM to a WAV file
type WAVWriter struct {
	f      *os.File
	format audio.Format
	n      int64
}

// CreateWAV creates path and writes a header with zero sizes
func CreateWAV(path string, format audio.Format) (*WAVWriter, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create WAV file: %w", err)
	}

	w := &WAVWriter{f: f, format: format}
	if err := w.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *WAVWriter) writeHeader() error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, newHeader(w.format, uint32(w.n))); err != nil {
		return fmt.Errorf("failed to encode WAV header: %w", err)
	}
	if _, err := w.f.WriteAt(buf.Bytes(), 0); err != nil {
		return fmt.Errorf("failed to write WAV header: %w", err)
	}
	return nil
}

// Write appends PCM data
func (w *WAVWriter) Write(p []byte) (int, error) {
	n, err := w.f.WriteAt(p, headerSize+w.n)
	w.n += int64(n)
	return n, err
}

// Written returns the number of PCM bytes written
func (w *WAVWriter) Written() int64 {
	return w.n
}

// Close patches the header sizes and closes the file
func (w *WAVWriter) Close() error {
	herr := w.writeHeader()
	cerr := w.f.Close()
	if herr != nil {
		return herr
	}
	return cerr
}
