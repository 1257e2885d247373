// ABOUTME: PCM audio sources for the streaming server
// ABOUTME: Describes a source on the command line and opens it in the stream format
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Resonate-Protocol/pcmstream/pkg/audio"
)

// ErrDecoderMissing is returned when an external decoding tool is not installed
var ErrDecoderMissing = errors.New("decoder binary not found")

// Source produces raw PCM in Format until io.EOF
type Source interface {
	io.Reader
	Format() audio.Format
	// Name describes the source for logs
	Name() string
	Close() error
}

// Buffered is a Source whose entire PCM is already in memory
type Buffered interface {
	Source
	Bytes() []byte
}

// Kind selects a source implementation
type Kind string

const (
	KindTone Kind = "tone"
	KindWAV  Kind = "wav"
	KindMP3  Kind = "mp3"
	KindFLAC Kind = "flac"
)

// Spec describes a source chosen on the command line
type Spec struct {
	Kind Kind
	// Path is the input file for wav, mp3 and flac
	Path string
	// Frequency and Seconds describe a tone
	Frequency float64
	Seconds   float64
}

// DefaultSpec is a 440 Hz tone lasting 5 seconds
func DefaultSpec() Spec {
	return Spec{Kind: KindTone, Frequency: 440, Seconds: 5}
}

// Check reports problems that make the source unusable: bad tone
// parameters, a missing or unreadable file, or a missing decoder binary.
func (s Spec) Check() error {
	switch s.Kind {
	case KindTone:
		if s.Frequency <= 0 {
			return fmt.Errorf("tone frequency must be positive, got %v", s.Frequency)
		}
		if s.Seconds <= 0 {
			return fmt.Errorf("tone duration must be positive, got %v", s.Seconds)
		}
		return nil
	case KindWAV, KindMP3, KindFLAC:
		if err := checkReadable(s.Path); err != nil {
			return err
		}
		if s.Kind == KindWAV {
			return checkFFmpeg()
		}
		return nil
	}
	return fmt.Errorf("unknown source kind %q", s.Kind)
}

func checkReadable(path string) error {
	if path == "" {
		return errors.New("no input file given")
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("cannot read %s: is a directory", path)
	}
	return nil
}

// Open starts the source producing PCM in format
func (s Spec) Open(ctx context.Context, format audio.Format) (Source, error) {
	switch s.Kind {
	case KindTone:
		return NewTone(s.Frequency, s.Seconds, format), nil
	case KindWAV:
		return NewFFmpeg(ctx, s.Path, format)
	case KindMP3:
		return NewMP3(s.Path, format)
	case KindFLAC:
		return NewFLAC(s.Path, format)
	}
	return nil, fmt.Errorf("unknown source kind %q", s.Kind)
}

func (s Spec) String() string {
	if s.Kind == KindTone {
		return fmt.Sprintf("tone %gHz %gs", s.Frequency, s.Seconds)
	}
	return fmt.Sprintf("%s %s", s.Kind, s.Path)
}
