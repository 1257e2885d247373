// ABOUTME: Saves each received stream to its own WAV file
// ABOUTME: Copies a stream's PCM into <dir>/<streamId>.wav as it arrives
package recorder

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Resonate-Protocol/pcmstream/pkg/audio"
	"github.com/Resonate-Protocol/pcmstream/pkg/stream"
)

// Recording describes one saved file
type Recording struct {
	StreamID string
	Path     string
	Bytes    int64
	Err      error
}

// Recorder writes streams into a directory
type Recorder struct {
	dir string
	wg  sync.WaitGroup

	mu    sync.Mutex
	saved []Recording
}

// New creates dir if needed
func New(dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Recorder{dir: dir}, nil
}

// PathFor returns the file a stream is saved to. Stream ids come off the
// network, so anything but letters, digits, '-' and '_' is replaced.
func (r *Recorder) PathFor(streamID string) string {
	safe := strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			return c
		}
		return '_'
	}, streamID)
	if safe == "" {
		safe = "stream"
	}
	return filepath.Join(r.dir, safe+".wav")
}

// Record copies src into the stream's WAV file in the background until src
// ends
func (r *Recorder) Record(streamID string, format audio.Format, src io.Reader) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		rec := r.record(streamID, format, src)

		r.mu.Lock()
		r.saved = append(r.saved, rec)
		r.mu.Unlock()

		if rec.Err != nil {
			slog.Warn("recorder: failed", "stream", streamID, "err", rec.Err)
			return
		}
		slog.Info("recorder: saved", "stream", streamID, "path", rec.Path, "bytes", rec.Bytes)
	}()
}

func (r *Recorder) record(streamID string, format audio.Format, src io.Reader) Recording {
	rec := Recording{StreamID: streamID, Path: r.PathFor(streamID)}

	w, err := CreateWAV(rec.Path, format)
	if err != nil {
		rec.Err = err
		return rec
	}

	_, err = io.Copy(w, src)
	rec.Bytes = w.Written()
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	rec.Err = err
	return rec
}

// Listener records every stream recv starts
func (r *Recorder) Listener(recv *stream.Receiver) stream.Listener {
	return stream.Listener{
		OnStreamStart: func(streamID string, format audio.Format) {
			r.Record(streamID, format, recv.Stream())
		},
	}
}

// Wait blocks until every recording in progress has finished
func (r *Recorder) Wait() {
	r.wg.Wait()
}

// Saved returns every finished recording in completion order
func (r *Recorder) Saved() []Recording {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recording(nil), r.saved...)
}
