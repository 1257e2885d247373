// ABOUTME: Tests for the reconnecting WebSocket client
// ABOUTME: Tests URL handling, backoff, stream delivery and reconnection
package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Resonate-Protocol/pcmstream/pkg/audio"
	"github.com/Resonate-Protocol/pcmstream/pkg/protocol"
	"github.com/Resonate-Protocol/pcmstream/pkg/stream"
	"github.com/gorilla/websocket"
)

// encodeStream returns the wire messages for ms of silence
func encodeStream(t *testing.T, ms int) [][]byte {
	t.Helper()

	enc := stream.NewEncoder(stream.EncoderConfig{})
	chunks, err := enc.EncodeAll(make([]byte, audio.DefaultFormat().BytesForDuration(ms)))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	msgs := make([][]byte, 0, len(chunks))
	for _, c := range chunks {
		data, err := protocol.Marshal(c.Serialize())
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		msgs = append(msgs, data)
	}
	return msgs
}

// wsServer upgrades each connection and hands it to handle
func wsServer(t *testing.T, handle func(n int, conn *websocket.Conn)) string {
	t.Helper()

	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	n := 0

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		mu.Lock()
		n++
		i := n
		mu.Unlock()
		handle(i, conn)
	}))
	t.Cleanup(ts.Close)

	return strings.TrimPrefix(ts.URL, "http://")
}

// holdOpen keeps the connection until the peer goes away
func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func runClient(t *testing.T, cfg Config) *Client {
	t.Helper()

	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("client did not stop")
		}
	})
	return c
}

func TestStreamURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"localhost:8927", "ws://localhost:8927/stream"},
		{"ws://host:1/custom", "ws://host:1/custom"},
		{"wss://secure.example/stream", "wss://secure.example/stream"},
	}
	for _, tt := range tests {
		if got := StreamURL(tt.addr); got != tt.want {
			t.Errorf("StreamURL(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestNewClientValidation(t *testing.T) {
	recv := stream.NewReceiver(stream.ReceiverConfig{})

	if _, err := NewClient(Config{Receiver: recv}); err == nil {
		t.Error("expected error without server address")
	}
	if _, err := NewClient(Config{ServerAddr: "localhost:8927"}); err == nil {
		t.Error("expected error without receiver")
	}

	c, err := NewClient(Config{ServerAddr: "localhost:8927", Receiver: recv})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.config.ReconnectInitial != DefaultReconnectInitial || c.config.ReconnectMax != DefaultReconnectMax {
		t.Errorf("expected default backoff, got %v..%v", c.config.ReconnectInitial, c.config.ReconnectMax)
	}
	if c.URL() != "ws://localhost:8927/stream" {
		t.Errorf("unexpected url %q", c.URL())
	}
}

func TestBackoff(t *testing.T) {
	b := newBackoff(500*time.Millisecond, 3*time.Second)

	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
	for i, w := range want {
		if got := b.next(); got != w {
			t.Errorf("step %d: got %v, want %v", i, got, w)
		}
	}

	b.reset()
	if got := b.next(); got != 500*time.Millisecond {
		t.Errorf("after reset got %v", got)
	}
}

func TestClientReceivesStream(t *testing.T) {
	msgs := encodeStream(t, 250)
	addr := wsServer(t, func(_ int, conn *websocket.Conn) {
		for _, m := range msgs {
			if err := conn.WriteMessage(websocket.TextMessage, m); err != nil {
				return
			}
		}
		holdOpen(conn)
	})

	recv := stream.NewReceiver(stream.ReceiverConfig{})
	c := runClient(t, Config{ServerAddr: addr, Receiver: recv})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stats, err := recv.WaitComplete(ctx)
	if err != nil {
		t.Fatalf("stream did not complete: %v", err)
	}

	if stats.ChunksReceived != 3 {
		t.Errorf("expected 3 chunks, got %d", stats.ChunksReceived)
	}
	if stats.BytesReceived != audio.DefaultFormat().BytesForDuration(250) {
		t.Errorf("unexpected byte count %d", stats.BytesReceived)
	}
	if !c.IsConnected() {
		t.Error("client should still be connected")
	}
}

func TestClientReconnectsAndAbandonsPartialStream(t *testing.T) {
	partial := encodeStream(t, 300)
	full := encodeStream(t, 200)

	addr := wsServer(t, func(n int, conn *websocket.Conn) {
		if n == 1 {
			// first connection dies after one chunk
			conn.WriteMessage(websocket.TextMessage, partial[0])
			time.Sleep(20 * time.Millisecond)
			return
		}
		for _, m := range full {
			if err := conn.WriteMessage(websocket.TextMessage, m); err != nil {
				return
			}
		}
		holdOpen(conn)
	})

	var mu sync.Mutex
	var events []bool
	recv := stream.NewReceiver(stream.ReceiverConfig{})
	c := runClient(t, Config{
		ServerAddr:       addr,
		Receiver:         recv,
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
		OnConnection: func(connected bool) {
			mu.Lock()
			events = append(events, connected)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stats, err := recv.WaitComplete(ctx)
	if err != nil {
		t.Fatalf("stream did not complete: %v", err)
	}

	if stats.BytesReceived != audio.DefaultFormat().BytesForDuration(200) {
		t.Errorf("expected only the second stream's bytes, got %d", stats.BytesReceived)
	}
	if c.Connections() != 2 {
		t.Errorf("expected 2 connections, got %d", c.Connections())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) < 3 || events[0] != true || events[1] != false || events[2] != true {
		t.Errorf("unexpected connection events %v", events)
	}
}

func TestRunStopsWhileRetrying(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(ts.URL, "http://")
	ts.Close()

	recv := stream.NewReceiver(stream.ReceiverConfig{})
	c := runClient(t, Config{ServerAddr: addr, Receiver: recv, ReconnectInitial: 5 * time.Millisecond})

	time.Sleep(30 * time.Millisecond)
	if c.IsConnected() {
		t.Error("client cannot be connected to a closed server")
	}
}
