// ABOUTME: Standalone WebSocket streaming server
// ABOUTME: Loops a PCM source and fans each chunk out to every subscribed client
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Resonate-Protocol/pcmstream/internal/discovery"
	"github.com/Resonate-Protocol/pcmstream/internal/observe"
	"github.com/Resonate-Protocol/pcmstream/internal/source"
	"github.com/Resonate-Protocol/pcmstream/pkg/audio"
	"github.com/Resonate-Protocol/pcmstream/pkg/protocol"
	"github.com/Resonate-Protocol/pcmstream/pkg/stream"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPort      = 8927
	DefaultSendQueue = 256

	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
)

// errNoListeners ends a stream once every subscriber has left
var errNoListeners = errors.New("no listeners")

// Config configures a Server. Zero fields take defaults.
type Config struct {
	Port int
	Name string

	Source          source.Spec
	Format          audio.Format
	ChunkDurationMs int
	DisablePacing   bool
	// LoopDelay is the pause between the end of one stream and the next
	LoopDelay time.Duration
	// SendQueue bounds each client's outgoing queue, in chunks
	SendQueue int

	EnableMDNS bool
	Metrics    *observe.Metrics
	// MetricsHandler is mounted at /metrics when set
	MetricsHandler http.Handler
}

// Stats is a snapshot of server activity
type Stats struct {
	Clients       int    `json:"clients"`
	Subscribed    int    `json:"subscribed"`
	StreamsSent   int    `json:"streamsSent"`
	CurrentStream string `json:"currentStream,omitempty"`
	Source        string `json:"source"`
	ChunkDuration int    `json:"chunkDurationMs"`
	Format        string `json:"format"`
}

// Server streams one source to any number of WebSocket clients
type Server struct {
	config   Config
	upgrader websocket.Upgrader
	sender   *stream.Sender
	metrics  *observe.Metrics
	mux      *http.ServeMux

	mu          sync.Mutex
	parked      map[string]*client
	subscribers map[string]*client
	streamID    string
	streamsSent int
	joined      chan struct{}
}

// client is one connected WebSocket
type client struct {
	id     string
	remote string
	conn   *websocket.Conn
	send   chan []byte
}

// New creates a server
func New(config Config) (*Server, error) {
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.Name == "" {
		config.Name = "pcmstream"
	}
	if config.Format == (audio.Format{}) {
		config.Format = audio.DefaultFormat()
	}
	if config.Source.Kind == "" {
		config.Source = source.DefaultSpec()
	}
	if config.SendQueue <= 0 {
		config.SendQueue = DefaultSendQueue
	}
	if config.ChunkDurationMs <= 0 {
		config.ChunkDurationMs = stream.DefaultChunkDurationMs
	}
	if config.Metrics == nil {
		config.Metrics = observe.Nop()
	}
	if err := config.Format.Validate(); err != nil {
		return nil, fmt.Errorf("server format: %w", err)
	}
	if err := config.Source.Check(); err != nil {
		return nil, err
	}

	s := &Server{
		config:  config,
		metrics: config.Metrics,
		upgrader: websocket.Upgrader{
			// Local network deployments accept any origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sender: stream.NewSender(stream.SenderConfig{
			Format:          config.Format,
			ChunkDurationMs: config.ChunkDurationMs,
			DisablePacing:   config.DisablePacing,
			Metrics:         config.Metrics,
		}),
		parked:      make(map[string]*client),
		subscribers: make(map[string]*client),
		joined:      make(chan struct{}, 1),
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/stream", s.handleWebSocket)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if config.MetricsHandler != nil {
		s.mux.Handle("/metrics", config.MetricsHandler)
	}

	return s, nil
}

// Handler serves /stream, /healthz and, when configured, /metrics
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run listens on the configured port and streams until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve streams on ln until ctx is cancelled. A clean shutdown returns nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("server: starting",
		"name", s.config.Name,
		"addr", ln.Addr().String(),
		"source", s.config.Source.String(),
		"format", s.config.Format.String())

	if s.config.EnableMDNS {
		port := s.config.Port
		if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
			port = tcp.Port
		}
		mgr := discovery.NewManager(discovery.Config{ServiceName: s.config.Name, Port: port})
		if err := mgr.Advertise(); err != nil {
			slog.Warn("server: mDNS advertisement failed", "err", err)
		} else {
			defer mgr.Stop()
		}
	}

	httpServer := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return s.StreamLoop(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("server: shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("server: http shutdown", "err", err)
		}
		s.closeClients()
		return nil
	})

	err := g.Wait()
	slog.Info("server: stopped")
	return err
}

// StreamLoop waits for listeners, streams the source once to them, pauses for
// LoopDelay and repeats. It returns nil when ctx is cancelled.
func (s *Server) StreamLoop(ctx context.Context) error {
	for {
		if !s.waitForClients(ctx) {
			return nil
		}

		err := s.streamOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, errNoListeners):
			slog.Info("server: all listeners left, stream abandoned")
		case err != nil:
			return err
		}

		select {
		case <-time.After(s.config.LoopDelay):
		case <-ctx.Done():
			return nil
		}
	}
}

// waitForClients blocks until at least one client is connected
func (s *Server) waitForClients(ctx context.Context) bool {
	for {
		s.mu.Lock()
		n := len(s.parked) + len(s.subscribers)
		s.mu.Unlock()
		if n > 0 {
			return true
		}

		select {
		case <-s.joined:
		case <-ctx.Done():
			return false
		}
	}
}

// streamOnce subscribes every parked client and sends one full stream
func (s *Server) streamOnce(ctx context.Context) error {
	src, err := s.config.Source.Open(ctx, s.config.Format)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	s.mu.Lock()
	for id, c := range s.parked {
		s.subscribers[id] = c
		delete(s.parked, id)
	}
	listeners := len(s.subscribers)
	s.mu.Unlock()

	slog.Info("server: stream starting", "source", src.Name(), "listeners", listeners)

	var stats stream.SendStats
	if b, ok := src.(source.Buffered); ok {
		stats, err = s.sender.Send(ctx, b.Bytes(), s.broadcast)
	} else {
		stats, err = s.sender.SendFromStream(ctx, src, s.broadcast)
	}

	s.mu.Lock()
	s.streamID = ""
	if err == nil {
		s.streamsSent++
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}

	slog.Info("server: stream complete",
		"stream", stats.StreamID,
		"chunks", stats.Chunks,
		"bytes", stats.Bytes,
		"duration_ms", stats.DurationMs)
	return nil
}

// broadcast queues one chunk to every subscriber. A client whose queue is
// full is disconnected.
func (s *Server) broadcast(_ context.Context, chunk protocol.SerializedChunk) error {
	data, err := protocol.Marshal(chunk)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.streamID = chunk.StreamID
	if len(s.subscribers) == 0 {
		return errNoListeners
	}

	for id, c := range s.subscribers {
		select {
		case c.send <- data:
		default:
			slog.Warn("server: client too slow, disconnecting", "client", id, "remote", c.remote)
			delete(s.subscribers, id)
			close(c.send)
			c.conn.Close()
		}
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("server: websocket upgrade failed", "err", err)
		return
	}

	c := &client{
		id:     uuid.NewString(),
		remote: r.RemoteAddr,
		conn:   conn,
		send:   make(chan []byte, s.config.SendQueue),
	}
	s.handleConnection(r.Context(), c)
}

// handleConnection parks the client until the next stream starts, then
// reads until the connection closes
func (s *Server) handleConnection(ctx context.Context, c *client) {
	defer c.conn.Close()

	s.mu.Lock()
	s.parked[c.id] = c
	s.mu.Unlock()
	s.metrics.ActiveClients.Add(ctx, 1)

	select {
	case s.joined <- struct{}{}:
	default:
	}

	slog.Info("server: client connected", "client", c.id, "remote", c.remote)

	defer func() {
		s.removeClient(c)
		s.metrics.ActiveClients.Add(context.Background(), -1)
		slog.Info("server: client disconnected", "client", c.id)
	}()

	go s.clientWriter(c)

	// Clients send nothing; reading keeps control frames flowing and
	// detects the close.
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("server: websocket read error", "client", c.id, "err", err)
			}
			return
		}
	}
}

// clientWriter sends queued chunks to the client
func (s *Server) clientWriter(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.conn.Close()
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

// removeClient unregisters c and closes its queue. Holding mu excludes a
// concurrent broadcast.
func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, parked := s.parked[c.id]
	_, subscribed := s.subscribers[c.id]
	if !parked && !subscribed {
		// already dropped by broadcast
		return
	}
	delete(s.parked, c.id)
	delete(s.subscribers, c.id)
	close(c.send)
}

// closeClients closes every connection so handlers return
func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.parked {
		c.conn.Close()
	}
	for _, c := range s.subscribers {
		c.conn.Close()
	}
}

// Stats returns a snapshot of server activity
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Clients:       len(s.parked) + len(s.subscribers),
		Subscribed:    len(s.subscribers),
		StreamsSent:   s.streamsSent,
		CurrentStream: s.streamID,
		Source:        s.config.Source.String(),
		ChunkDuration: s.config.ChunkDurationMs,
		Format:        s.config.Format.String(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Status string `json:"status"`
		Name   string `json:"name"`
		Stats
	}{Status: "ok", Name: s.config.Name, Stats: s.Stats()})
}
