// ABOUTME: Integration tests for the streaming server
// ABOUTME: Tests config defaults, fan-out to WebSocket clients, parking and shutdown
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Resonate-Protocol/pcmstream/internal/source"
	"github.com/Resonate-Protocol/pcmstream/pkg/audio"
	"github.com/Resonate-Protocol/pcmstream/pkg/protocol"
	"github.com/Resonate-Protocol/pcmstream/pkg/stream"
	"github.com/gorilla/websocket"
)

func shortTone(seconds float64) source.Spec {
	return source.Spec{Kind: source.KindTone, Frequency: 440, Seconds: seconds}
}

// startServer runs the stream loop behind an httptest server
func startServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	ts := httptest.NewServer(s.Handler())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.StreamLoop(ctx) }()

	t.Cleanup(func() {
		cancel()
		s.closeClients()
		ts.Close()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("stream loop error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("stream loop did not stop")
		}
	})

	return s, "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readChunk(t *testing.T, conn *websocket.Conn) protocol.Chunk {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	chunk, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return chunk
}

func TestNewDefaults(t *testing.T) {
	s, err := New(Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if s.config.Port != DefaultPort {
		t.Errorf("expected port %d, got %d", DefaultPort, s.config.Port)
	}
	if s.config.Name == "" {
		t.Error("name should have been set to default")
	}
	if s.config.Format != audio.DefaultFormat() {
		t.Errorf("expected default format, got %v", s.config.Format)
	}
	if s.config.Source != source.DefaultSpec() {
		t.Errorf("expected default tone, got %v", s.config.Source)
	}
}

func TestNewRejectsBadSource(t *testing.T) {
	tests := []struct {
		name string
		spec source.Spec
	}{
		{"missing file", source.Spec{Kind: source.KindMP3, Path: filepath.Join(t.TempDir(), "x.mp3")}},
		{"bad tone", source.Spec{Kind: source.KindTone, Frequency: -1, Seconds: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(Config{Source: tt.spec}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestStreamToClient(t *testing.T) {
	_, url := startServer(t, Config{
		Source:        shortTone(0.25),
		DisablePacing: true,
		LoopDelay:     time.Hour,
	})
	conn := dial(t, url)

	recv := stream.NewReceiver(stream.ReceiverConfig{})
	var chunks []protocol.Chunk
	for {
		c := readChunk(t, conn)
		chunks = append(chunks, c)
		recv.AddChunk(c)
		if c.IsFinal {
			break
		}
	}

	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks for 250ms, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.SequenceNumber != i {
			t.Errorf("chunk %d has sequence %d", i, c.SequenceNumber)
		}
		if c.StreamID != chunks[0].StreamID {
			t.Errorf("chunk %d changed stream id", i)
		}
	}

	if !recv.IsComplete() {
		t.Fatal("receiver should be complete")
	}
	want := audio.DefaultFormat().BytesForDuration(250)
	if got := recv.Stats().BytesReceived; got != want {
		t.Errorf("expected %d bytes, got %d", want, got)
	}
}

func TestFanOutToAllClients(t *testing.T) {
	_, url := startServer(t, Config{Source: shortTone(0.3)})

	a := dial(t, url)
	b := dial(t, url)

	// b may be parked until the next stream, which starts right after the
	// current one, so both see a stream from its beginning
	for _, conn := range []*websocket.Conn{a, b} {
		if c := readChunk(t, conn); c.SequenceNumber != 0 {
			t.Errorf("expected sequence 0, got %d", c.SequenceNumber)
		}
	}
}

func TestMidStreamJoinerWaitsForNextStream(t *testing.T) {
	s, url := startServer(t, Config{
		Source:          shortTone(0.4),
		ChunkDurationMs: 50,
	})

	a := dial(t, url)
	first := readChunk(t, a)

	for s.Stats().CurrentStream == "" {
		time.Sleep(time.Millisecond)
	}

	b := dial(t, url)
	joined := readChunk(t, b)

	if joined.SequenceNumber != 0 {
		t.Errorf("late joiner should start at sequence 0, got %d", joined.SequenceNumber)
	}
	if joined.StreamID == first.StreamID {
		t.Error("late joiner should receive the next stream, not the one in flight")
	}
}

func TestBroadcastWithoutListeners(t *testing.T) {
	s, err := New(Config{Source: shortTone(0.1)})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	chunk := protocol.Chunk{StreamID: "s", Format: audio.DefaultFormat(), Data: []byte{0, 0}}
	err = s.broadcast(context.Background(), chunk.Serialize())
	if !errors.Is(err, errNoListeners) {
		t.Errorf("expected errNoListeners, got %v", err)
	}
}

func TestHealthz(t *testing.T) {
	s, err := New(Config{Name: "studio", Source: shortTone(0.1)})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Status  string `json:"status"`
		Name    string `json:"name"`
		Clients int    `json:"clients"`
		Format  string `json:"format"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad json: %v", err)
	}
	if body.Status != "ok" || body.Name != "studio" || body.Clients != 0 {
		t.Errorf("unexpected health %+v", body)
	}
	if body.Format != audio.DefaultFormat().String() {
		t.Errorf("unexpected format %q", body.Format)
	}
}

func TestMetricsEndpointMounted(t *testing.T) {
	called := false
	s, err := New(Config{
		Source: shortTone(0.1),
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}),
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	s.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !called {
		t.Error("metrics handler not mounted")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	s, err := New(Config{Source: shortTone(0.1)})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() { errChan <- s.Serve(ctx, ln) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errChan:
		if err != nil {
			t.Errorf("server error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("server did not stop within timeout")
	}
}
