// ABOUTME: Entry point for the pcmstream client
// ABOUTME: Connects to a server and records, plays or displays each stream
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Resonate-Protocol/pcmstream/internal/client"
	"github.com/Resonate-Protocol/pcmstream/internal/config"
	"github.com/Resonate-Protocol/pcmstream/internal/discovery"
	"github.com/Resonate-Protocol/pcmstream/internal/observe"
	"github.com/Resonate-Protocol/pcmstream/internal/player"
	"github.com/Resonate-Protocol/pcmstream/internal/recorder"
	"github.com/Resonate-Protocol/pcmstream/internal/ui"
	"github.com/Resonate-Protocol/pcmstream/internal/version"
	"github.com/Resonate-Protocol/pcmstream/pkg/audio"
	"github.com/Resonate-Protocol/pcmstream/pkg/stream"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const discoveryTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	server     string
	outputDir  string
	play       bool
	volume     int
	tui        bool
	once       bool
	maxBuffer  int
	logFile    string
	logLevel   string
}

func (o *options) bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.configPath, "config", "c", "", "YAML configuration file")
	fs.StringVar(&o.server, "server", "", "Server host:port or ws:// URL (default: discover via mDNS)")
	fs.StringVarP(&o.outputDir, "output-dir", "o", "", "Save each stream as <stream-id>.wav in this directory")
	fs.BoolVar(&o.play, "play", false, "Play streams through the sound card")
	fs.IntVar(&o.volume, "volume", 100, "Playback volume (0-100)")
	fs.BoolVar(&o.tui, "tui", false, "Show a status display instead of console logs")
	fs.BoolVar(&o.once, "once", false, "Exit after the first complete stream")
	fs.IntVar(&o.maxBuffer, "max-buffer", 0, "Chunks held while waiting for a missing one")
	fs.StringVar(&o.logFile, "log-file", "", "Also append logs to this file")
	fs.StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

func newRootCmd() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:   "pcmstream",
		Short: "Receive PCM audio streams from a pcmstream server",
		Long: `Connect to a pcmstream server and reassemble its chunked PCM streams.

Each stream can be saved to a WAV file, played, and summarised. The client
reconnects with backoff when the connection drops.

Examples:
  pcmstream --server localhost:8927 --play
  pcmstream -o recordings --once
  pcmstream --tui`,
		Args:          cobra.NoArgs,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd.Flags())
		},
	}
	o.bind(cmd.Flags())
	return cmd
}

// loadConfig reads the config file, if any, and applies flag overrides
func (o *options) loadConfig(fs *pflag.FlagSet) (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, err
		}
	}

	if fs.Changed("server") {
		cfg.Client.ServerAddr = o.server
	}
	if fs.Changed("output-dir") {
		cfg.Client.OutputDir = o.outputDir
	}
	if o.play {
		cfg.Client.Play = true
	}
	if o.tui {
		cfg.Client.TUI = true
	}
	if fs.Changed("max-buffer") {
		cfg.Stream.MaxBufferSize = o.maxBuffer
	}
	if fs.Changed("log-file") {
		cfg.Log.File = o.logFile
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if o.volume < 0 || o.volume > 100 {
		return nil, fmt.Errorf("volume must be between 0 and 100, got %d", o.volume)
	}

	return cfg, config.Validate(cfg)
}

func (o *options) run(fs *pflag.FlagSet) error {
	cfg, err := o.loadConfig(fs)
	if err != nil {
		return err
	}

	var console io.Writer = os.Stdout
	if cfg.Client.TUI {
		console = nil
	}
	logCloser, err := observe.Setup(cfg.Log.Level, cfg.Log.File, console)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := cfg.Client.ServerAddr
	if addr == "" {
		slog.Info("discovering server via mDNS", "timeout", discoveryTimeout)
		info, err := discovery.Find(ctx, discoveryTimeout)
		if err != nil {
			return err
		}
		addr = info.URL()
	}

	recv := stream.NewReceiver(stream.ReceiverConfig{
		MaxBufferSize: cfg.Stream.MaxBufferSize,
		OnDrop: func(streamID string, seqs []int) {
			slog.Warn("chunks dropped", "stream", streamID, "seqs", seqs)
		},
	})

	var sinks []sink
	var rec *recorder.Recorder
	if cfg.Client.OutputDir != "" {
		if rec, err = recorder.New(cfg.Client.OutputDir); err != nil {
			return err
		}
		sinks = append(sinks, rec.Record)
	}
	if cfg.Client.Play {
		p := player.New(o.volume)
		sinks = append(sinks, func(id string, f audio.Format, r io.Reader) {
			go func() {
				if err := p.Play(id, f, r); err != nil {
					slog.Warn("playback skipped", "stream", id, "err", err)
				}
			}()
		})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var completed atomic.Int64
	recv.AddListener(stream.Listener{
		OnStreamStart: func(id string, f audio.Format) {
			slog.Info("stream started", "stream", id, "format", f.String())
			deliver(recv.Stream(), id, f, sinks)
		},
		OnStreamEnd: func(st stream.ReceiverStats) {
			completed.Add(1)
			slog.Info("stream complete",
				"stream", st.StreamID,
				"chunks", st.ChunksReceived,
				"bytes", st.BytesReceived,
				"dropped", st.Dropped,
				"avg_latency_ms", fmt.Sprintf("%.1f", st.AvgLatencyMs))
			if o.once {
				cancel()
			}
		},
		OnError: func(err *stream.DecodeError) {
			slog.Warn("bad chunk", "context", err.Context, "err", err.Err)
		},
	})

	c, err := client.NewClient(client.Config{
		ServerAddr:       addr,
		ReconnectInitial: time.Duration(cfg.Client.ReconnectInitialMs) * time.Millisecond,
		ReconnectMax:     time.Duration(cfg.Client.ReconnectMaxMs) * time.Millisecond,
		Receiver:         recv,
	})
	if err != nil {
		return err
	}

	slog.Info("pcmstream client", "version", version.Version, "server", c.URL())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(gctx) })

	if cfg.Client.TUI {
		playing := cfg.Client.Play
		p := ui.NewProgram(ui.NewModel(c.URL()))
		g.Go(func() error {
			ui.Poll(gctx, p, 250*time.Millisecond, func() tea.Msg {
				connected := c.IsConnected()
				state := recv.State()
				stats := recv.Stats()
				msg := ui.StatusMsg{
					Connected:        &connected,
					State:            &state,
					Stats:            &stats,
					Buffered:         recv.BufferedChunkCount(),
					StreamsCompleted: int(completed.Load()),
					Playing:          &playing,
				}
				if rec != nil && stats.StreamID != "" {
					msg.Recording = rec.PathFor(stats.StreamID)
				}
				return msg
			})
			return nil
		})
		go func() {
			if _, err := p.Run(); err != nil {
				slog.Error("tui failed", "err", err)
			}
			cancel()
		}()
		defer p.Quit()
	}

	err = g.Wait()
	if rec != nil {
		rec.Wait()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("client stopped", "streams", completed.Load())
	return nil
}

// sink consumes one stream's PCM in the background until it ends
type sink func(streamID string, format audio.Format, r io.Reader)

// deliver hands the stream to every sink, or drains it when there are none
func deliver(src io.Reader, streamID string, format audio.Format, sinks []sink) {
	if len(sinks) == 0 {
		go io.Copy(io.Discard, src)
		return
	}

	readers := fanOut(src, len(sinks))
	for i, s := range sinks {
		s(streamID, format, readers[i])
	}
}

// fanOut splits src into n readers that each see every byte. Readers move
// in lockstep, so each must be consumed.
func fanOut(src io.Reader, n int) []io.Reader {
	if n == 1 {
		return []io.Reader{src}
	}

	readers := make([]io.Reader, n)
	writers := make([]io.Writer, n)
	pipes := make([]*io.PipeWriter, n)
	for i := range n {
		pr, pw := io.Pipe()
		readers[i], writers[i], pipes[i] = pr, pw, pw
	}

	go func() {
		_, err := io.Copy(io.MultiWriter(writers...), src)
		for _, pw := range pipes {
			pw.CloseWithError(err)
		}
	}()
	return readers
}
