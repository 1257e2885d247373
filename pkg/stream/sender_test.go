// ABOUTME: Tests for the stream sender
// ABOUTME: Covers buffer and reader sources, pacing, re-stamping, errors and abort
package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Resonate-Protocol/pcmstream/pkg/protocol"
)

type collector struct {
	mu     sync.Mutex
	chunks []protocol.SerializedChunk
}

func (c *collector) emit(_ context.Context, chunk protocol.SerializedChunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, chunk)
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}

func (c *collector) payload(t *testing.T) []byte {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []byte
	for _, s := range c.chunks {
		chunk, err := s.Deserialize()
		if err != nil {
			t.Fatalf("deserialize failed: %v", err)
		}
		out = append(out, chunk.Data...)
	}
	return out
}

func TestSendUnpaced(t *testing.T) {
	s := NewSender(SenderConfig{DisablePacing: true})
	col := &collector{}
	input := pcmFor(250)

	if s.State() != StateIdle {
		t.Fatalf("expected idle sender, got %v", s.State())
	}

	stats, err := s.Send(context.Background(), input, col.emit)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	if stats.Chunks != 3 || stats.Bytes != len(input) || stats.DurationMs != 250 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.EndTime.Before(stats.StartTime) {
		t.Error("end time before start time")
	}
	if !bytes.Equal(col.payload(t), input) {
		t.Error("emitted payload differs from input")
	}
	if !col.chunks[2].IsFinal || col.chunks[0].StreamID != stats.StreamID {
		t.Error("expected final last chunk sharing the stream id")
	}
	if s.State() != StateComplete {
		t.Errorf("expected complete sender, got %v", s.State())
	}
}

func TestSendPaced(t *testing.T) {
	s := NewSender(SenderConfig{ChunkDurationMs: 20})
	col := &collector{}

	start := time.Now()
	// 50ms: two 20ms chunks then a 10ms final, so two waits
	if _, err := s.Send(context.Background(), pcmFor(50), col.emit); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	elapsed := time.Since(start)

	if col.len() != 3 {
		t.Fatalf("expected 3 chunks, got %d", col.len())
	}
	if elapsed < 35*time.Millisecond {
		t.Errorf("expected ~40ms of pacing, got %v", elapsed)
	}
}

func TestSendRestampsAtEmission(t *testing.T) {
	var mu sync.Mutex
	clock := time.UnixMilli(1000)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(10 * time.Millisecond)
		return clock
	}

	s := NewSender(SenderConfig{DisablePacing: true, Now: now})
	col := &collector{}
	if _, err := s.Send(context.Background(), pcmFor(200), col.emit); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	for i := 1; i < len(col.chunks); i++ {
		if col.chunks[i].Timestamp <= col.chunks[i-1].Timestamp {
			t.Errorf("chunk %d timestamp %d not after %d", i, col.chunks[i].Timestamp, col.chunks[i-1].Timestamp)
		}
	}
}

func TestSendEmptyInput(t *testing.T) {
	s := NewSender(SenderConfig{DisablePacing: true})
	col := &collector{}

	stats, err := s.Send(context.Background(), nil, col.emit)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if stats.Chunks != 1 || stats.Bytes != 0 || stats.DurationMs != 0 {
		t.Errorf("expected one empty final chunk in stats, got %+v", stats)
	}
	if col.len() != 1 || !col.chunks[0].IsFinal {
		t.Errorf("expected a lone final chunk, got %d chunks", col.len())
	}
}

func TestSendEmitError(t *testing.T) {
	s := NewSender(SenderConfig{DisablePacing: true})
	boom := errors.New("socket closed")
	calls := 0

	stats, err := s.Send(context.Background(), pcmFor(500), func(context.Context, protocol.SerializedChunk) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected emit error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected sending to stop at the failure, got %d calls", calls)
	}
	if stats.Chunks != 0 {
		t.Errorf("partial stats should not be returned on failure: %+v", stats)
	}
	if s.State() != StateIdle {
		t.Errorf("expected idle after failure, got %v", s.State())
	}
}

func TestSendAbort(t *testing.T) {
	s := NewSender(SenderConfig{ChunkDurationMs: 100})
	col := &collector{}

	type result struct {
		stats SendStats
		err   error
	}
	done := make(chan result, 1)
	go func() {
		stats, err := s.Send(context.Background(), pcmFor(1000), col.emit)
		done <- result{stats, err}
	}()

	deadline := time.Now().Add(time.Second)
	for col.len() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	s.Abort()
	after := col.len()

	select {
	case r := <-done:
		if !errors.Is(r.err, ErrAborted) {
			t.Errorf("expected ErrAborted, got %v", r.err)
		}
		if r.stats.Chunks != after {
			t.Errorf("expected partial stats of %d chunks, got %d", after, r.stats.Chunks)
		}
	case <-time.After(time.Second):
		t.Fatal("send did not stop after abort")
	}

	time.Sleep(150 * time.Millisecond)
	if col.len() != after {
		t.Errorf("chunks emitted after abort: %d then %d", after, col.len())
	}

	// A later send runs normally
	s2 := &collector{}
	s.pacer.Enabled = false
	if _, err := s.Send(context.Background(), pcmFor(100), s2.emit); err != nil {
		t.Errorf("send after abort failed: %v", err)
	}
}

// slowReader hands out data in small pieces
type slowReader struct {
	data []byte
	step int
}

func (r *slowReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := min(r.step, len(p), len(r.data))
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func TestSendFromStream(t *testing.T) {
	s := NewSender(SenderConfig{DisablePacing: true})
	col := &collector{}
	input := pcmFor(350)

	stats, err := s.SendFromStream(context.Background(), &slowReader{data: input, step: 777}, col.emit)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	if stats.Chunks != 4 || stats.Bytes != len(input) {
		t.Errorf("unexpected stats: %+v", stats)
	}
	for i, c := range col.chunks {
		if c.SequenceNumber != i {
			t.Errorf("chunk %d has sequence %d", i, c.SequenceNumber)
		}
		if c.IsFinal != (i == len(col.chunks)-1) {
			t.Errorf("chunk %d: unexpected isFinal %v", i, c.IsFinal)
		}
	}
	if !bytes.Equal(col.payload(t), input) {
		t.Error("emitted payload differs from input")
	}
}

type failingReader struct {
	sent bool
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, pcmFor(100)), nil
	}
	return 0, r.err
}

func TestSendFromStreamSourceError(t *testing.T) {
	s := NewSender(SenderConfig{DisablePacing: true})
	boom := errors.New("decoder crashed")

	_, err := s.SendFromStream(context.Background(), &failingReader{err: boom}, (&collector{}).emit)
	if !errors.Is(err, boom) {
		t.Fatalf("expected source error, got %v", err)
	}
}

func TestSendFromStreamEmitError(t *testing.T) {
	s := NewSender(SenderConfig{DisablePacing: true})
	boom := errors.New("socket closed")

	_, err := s.SendFromStream(context.Background(), bytes.NewReader(pcmFor(1000)),
		func(context.Context, protocol.SerializedChunk) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected emit error, got %v", err)
	}
}

// stalledReader returns one block of PCM and then blocks until released
type stalledReader struct {
	first   []byte
	release chan struct{}
}

func (r *stalledReader) Read(p []byte) (int, error) {
	if len(r.first) > 0 {
		n := copy(p, r.first)
		r.first = r.first[n:]
		return n, nil
	}
	<-r.release
	return 0, io.EOF
}

func newStalledReader(t *testing.T, first []byte) *stalledReader {
	r := &stalledReader{first: first, release: make(chan struct{})}
	t.Cleanup(func() { close(r.release) })
	return r
}

func TestSendFromStreamAbortWhileSourceStalled(t *testing.T) {
	s := NewSender(SenderConfig{DisablePacing: true})
	src := newStalledReader(t, pcmFor(100))

	emitted := make(chan struct{}, 1)
	emit := func(context.Context, protocol.SerializedChunk) error {
		select {
		case emitted <- struct{}{}:
		default:
		}
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.SendFromStream(context.Background(), src, emit)
		done <- err
	}()

	select {
	case <-emitted:
	case <-time.After(2 * time.Second):
		t.Fatal("first chunk was never emitted")
	}

	s.Abort()

	select {
	case err := <-done:
		if !errors.Is(err, ErrAborted) {
			t.Errorf("expected ErrAborted, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendFromStream did not return after Abort")
	}
}

func TestSendFromStreamCancelWhileSourceStalled(t *testing.T) {
	s := NewSender(SenderConfig{DisablePacing: true})
	src := newStalledReader(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.SendFromStream(ctx, src, (&collector{}).emit)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendFromStream did not return after cancel")
	}
	if s.State() != StateIdle {
		t.Errorf("expected idle sender after cancel, got %v", s.State())
	}
}
