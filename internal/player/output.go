// ABOUTME: Audio output using oto library
// ABOUTME: Plays received streams with software volume control
package player

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/Resonate-Protocol/pcmstream/pkg/audio"
	"github.com/Resonate-Protocol/pcmstream/pkg/stream"
	"github.com/ebitengine/oto/v3"
)

// ErrFormatMismatch is returned for a stream whose format differs from the
// one the output was opened with
var ErrFormatMismatch = errors.New("player: stream format differs from output format")

// Player plays streams through the sound card. oto allows one context per
// process, so the first stream played fixes the output format; later streams
// in another format are skipped.
type Player struct {
	mu          sync.Mutex
	otoCtx      *oto.Context
	format      audio.Format
	initialized bool
	volume      int
	muted       bool

	// play serialises streams so two never overlap
	play sync.Mutex
}

// New creates a player at volume (0-100)
func New(volume int) *Player {
	p := &Player{}
	p.SetVolume(volume)
	return p
}

// initialize opens the output on first use
func (p *Player) initialize(format audio.Format) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		if p.format != format {
			return fmt.Errorf("%w: output %s, stream %s", ErrFormatMismatch, p.format, format)
		}
		return nil
	}
	if format.BitDepth != 16 {
		return fmt.Errorf("player: only 16-bit output is supported, got %d-bit", format.BitDepth)
	}

	op := &oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
	}

	ctx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return fmt.Errorf("failed to create oto context: %w", err)
	}
	<-readyChan

	p.otoCtx = ctx
	p.format = format
	p.initialized = true

	slog.Info("player: audio output initialized", "format", format.String())
	return nil
}

// Play plays r until it ends. A stream that cannot be played is drained so
// its producer never blocks.
func (p *Player) Play(streamID string, format audio.Format, r io.Reader) error {
	p.play.Lock()
	defer p.play.Unlock()

	if err := p.initialize(format); err != nil {
		io.Copy(io.Discard, r)
		return err
	}

	slog.Info("player: playing stream", "stream", streamID)

	pl := p.otoCtx.NewPlayer(&gainReader{r: r, player: p})
	defer pl.Close()
	pl.Play()

	for pl.IsPlaying() {
		time.Sleep(10 * time.Millisecond)
	}
	return pl.Err()
}

// Listener plays every stream recv starts, in the background
func (p *Player) Listener(recv *stream.Receiver) stream.Listener {
	return stream.Listener{
		OnStreamStart: func(streamID string, format audio.Format) {
			src := recv.Stream()
			go func() {
				if err := p.Play(streamID, format, src); err != nil {
					slog.Warn("player: stream skipped", "stream", streamID, "err", err)
				}
			}()
		},
	}
}

// SetVolume sets the volume (0-100)
func (p *Player) SetVolume(volume int) {
	volume = max(0, min(volume, 100))
	p.mu.Lock()
	p.volume = volume
	p.mu.Unlock()
}

// SetMuted sets mute state
func (p *Player) SetMuted(muted bool) {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
}

// Volume returns current volume
func (p *Player) Volume() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// multiplier returns the current gain
func (p *Player) multiplier() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return getVolumeMultiplier(p.volume, p.muted)
}

// gainReader applies the player's volume to 16-bit samples as oto pulls
// them. A trailing odd byte is held back until its pair arrives.
type gainReader struct {
	r      io.Reader
	player *Player
	carry  []byte
}

func (g *gainReader) Read(b []byte) (int, error) {
	if len(b) < 2 {
		return 0, io.ErrShortBuffer
	}

	n := copy(b, g.carry)
	g.carry = g.carry[:0]
	m, err := g.r.Read(b[n:])
	n += m

	whole := n &^ 1
	applyGain(b[:whole], g.player.multiplier())
	if whole < n && err == nil {
		g.carry = append(g.carry, b[whole])
		n = whole
	}
	return n, err
}

// applyGain scales little-endian int16 samples in place
func applyGain(pcm []byte, multiplier float64) {
	if multiplier == 1.0 {
		return
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(binary.LittleEndian.Uint16(pcm[i:]))
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(float64(s)*multiplier)))
	}
}

// getVolumeMultiplier calculates volume multiplier
func getVolumeMultiplier(volume int, muted bool) float64 {
	if muted {
		return 0.0
	}
	return float64(volume) / 100.0
}
