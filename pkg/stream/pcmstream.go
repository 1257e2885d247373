// ABOUTME: Push-driven PCM byte stream
// ABOUTME: Decoded chunk payloads are written in order and read as an io.Reader
package stream

import (
	"fmt"
	"io"
	"sync"
)

// PCMStream carries reassembled PCM bytes from a Decoder to one reader.
// Reads block until data is pushed or the stream ends; after the end, reads
// drain what is left and then return io.EOF.
type PCMStream struct {
	writeNotify chan struct{}
	done        chan struct{}

	mu       sync.Mutex
	buf      []byte
	ended    bool
	closeErr error
	written  int64
}

func newPCMStream() *PCMStream {
	return &PCMStream{
		writeNotify: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// write appends p. Writes after the end are rejected.
func (s *PCMStream) write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return fmt.Errorf("stream: write to ended stream: %w", io.ErrClosedPipe)
	}
	s.written += int64(len(p))
	if s.closeErr != nil {
		// Reader is gone
		return nil
	}
	s.buf = append(s.buf, p...)
	select {
	case s.writeNotify <- struct{}{}:
	default:
	}
	return nil
}

// end marks the end of data. It reports whether this call ended the stream.
func (s *PCMStream) end() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.ended = true
	close(s.done)
	return true
}

// Read implements io.Reader
func (s *PCMStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	for len(s.buf) == 0 {
		if s.closeErr != nil {
			s.mu.Unlock()
			return 0, s.closeErr
		}
		if s.ended {
			s.mu.Unlock()
			return 0, io.EOF
		}
		s.mu.Unlock()
		select {
		case <-s.writeNotify:
		case <-s.done:
		}
		s.mu.Lock()
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	if len(s.buf) == 0 {
		s.buf = nil
	}
	s.mu.Unlock()
	return n, nil
}

// Close discards buffered data and makes further reads fail. The writing side
// is unaffected until it ends the stream.
func (s *PCMStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeErr == nil {
		s.closeErr = io.ErrClosedPipe
	}
	s.buf = nil
	select {
	case s.writeNotify <- struct{}{}:
	default:
	}
	return nil
}

// Done is closed once no more data will ever be pushed
func (s *PCMStream) Done() <-chan struct{} {
	return s.done
}

// Ended reports whether the end of the stream has been signalled
func (s *PCMStream) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Written returns the total number of bytes pushed into the stream
func (s *PCMStream) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}
