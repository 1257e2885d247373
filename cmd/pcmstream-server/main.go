// ABOUTME: Entry point for the pcmstream server
// ABOUTME: Parses CLI flags, picks a source and streams it until interrupted
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Resonate-Protocol/pcmstream/internal/config"
	"github.com/Resonate-Protocol/pcmstream/internal/observe"
	"github.com/Resonate-Protocol/pcmstream/internal/server"
	"github.com/Resonate-Protocol/pcmstream/internal/source"
	"github.com/Resonate-Protocol/pcmstream/internal/ui"
	"github.com/Resonate-Protocol/pcmstream/internal/version"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	port       int
	name       string
	tone       float64
	wav        string
	mp3        string
	flac       string
	chunkMs    int
	noPacing   bool
	noMDNS     bool
	logFile    string
	logLevel   string
	tui        bool
}

func (o *options) bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.configPath, "config", "c", "", "YAML configuration file")
	fs.IntVar(&o.port, "port", server.DefaultPort, "WebSocket server port")
	fs.StringVar(&o.name, "name", "", "Server name for mDNS (default: hostname-pcmstream)")
	fs.Float64Var(&o.tone, "tone", 440, "Stream a sine tone of this frequency; an optional argument gives its length in seconds")
	fs.StringVar(&o.wav, "wav", "", "Stream a WAV file (decoded by ffmpeg)")
	fs.StringVar(&o.mp3, "mp3", "", "Stream an MP3 file")
	fs.StringVar(&o.flac, "flac", "", "Stream a FLAC file")
	fs.IntVar(&o.chunkMs, "chunk-ms", 0, "Chunk duration in milliseconds")
	fs.BoolVar(&o.noPacing, "no-pacing", false, "Send chunks as fast as possible")
	fs.BoolVar(&o.noMDNS, "no-mdns", false, "Disable mDNS advertisement")
	fs.StringVar(&o.logFile, "log-file", "", "Also append logs to this file")
	fs.StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.BoolVar(&o.tui, "tui", false, "Show a status display instead of console logs")
}

func newRootCmd() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:   "pcmstream-server [tone-seconds]",
		Short: "Stream PCM audio to WebSocket clients",
		Long: `Stream raw PCM audio as JSON chunks to every client connected to /stream.

The source is looped while clients are connected. Exactly one source may be
chosen; without one a 440 Hz tone lasting 5 seconds is streamed.

Examples:
  pcmstream-server --tone 880 2.5
  pcmstream-server --wav speech.wav --port 9000
  pcmstream-server --flac album.flac --config pcmstream.yaml`,
		Args:          cobra.MaximumNArgs(1),
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd.Flags(), args)
		},
	}
	o.bind(cmd.Flags())
	return cmd
}

// sourceSpec resolves the source flags and the optional tone length
func (o *options) sourceSpec(fs *pflag.FlagSet, args []string) (source.Spec, error) {
	var chosen []source.Spec
	if fs.Changed("tone") {
		chosen = append(chosen, source.Spec{Kind: source.KindTone, Frequency: o.tone, Seconds: source.DefaultSpec().Seconds})
	}
	for kind, path := range map[source.Kind]string{source.KindWAV: o.wav, source.KindMP3: o.mp3, source.KindFLAC: o.flac} {
		if fs.Changed(string(kind)) {
			chosen = append(chosen, source.Spec{Kind: kind, Path: path})
		}
	}

	if len(chosen) > 1 {
		return source.Spec{}, errors.New("choose only one of --tone, --wav, --mp3 and --flac")
	}

	spec := source.DefaultSpec()
	if len(chosen) == 1 {
		spec = chosen[0]
	}

	if len(args) == 1 {
		if spec.Kind != source.KindTone {
			return source.Spec{}, fmt.Errorf("unexpected argument %q: a length is only accepted with --tone", args[0])
		}
		seconds, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return source.Spec{}, fmt.Errorf("invalid tone length %q: %w", args[0], err)
		}
		spec.Seconds = seconds
	}

	return spec, spec.Check()
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

	if fs.Changed("port") {
		cfg.Server.Port = o.port
	}
	if fs.Changed("name") {
		cfg.Server.Name = o.name
	} else if o.configPath == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		cfg.Server.Name = hostname + "-pcmstream"
	}
	if fs.Changed("chunk-ms") {
		cfg.Stream.ChunkDurationMs = o.chunkMs
	}
	if o.noPacing {
		cfg.Stream.Pacing = false
	}
	if o.noMDNS {
		cfg.Server.MDNS = false
	}
	if fs.Changed("log-file") {
		cfg.Log.File = o.logFile
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}

	return cfg, config.Validate(cfg)
}

func (o *options) run(fs *pflag.FlagSet, args []string) error {
	cfg, err := o.loadConfig(fs)
	if err != nil {
		return err
	}
	spec, err := o.sourceSpec(fs, args)
	if err != nil {
		return err
	}

	var console io.Writer = os.Stdout
	if o.tui {
		console = nil
	}
	logCloser, err := observe.Setup(cfg.Log.Level, cfg.Log.File, console)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srvConfig := server.Config{
		Port:            cfg.Server.Port,
		Name:            cfg.Server.Name,
		Source:          spec,
		Format:          cfg.Stream.Format,
		ChunkDurationMs: cfg.Stream.ChunkDurationMs,
		DisablePacing:   !cfg.Stream.Pacing,
		LoopDelay:       time.Duration(cfg.Server.LoopDelayMs) * time.Millisecond,
		SendQueue:       cfg.Server.SendQueue,
		EnableMDNS:      cfg.Server.MDNS,
	}

	if cfg.Server.Metrics {
		provider, err := observe.InitProvider(ctx, observe.ProviderConfig{
			ServiceName:    version.Product,
			ServiceVersion: version.Version,
		})
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		defer provider.Shutdown(context.Background())
		srvConfig.Metrics = provider.Metrics
		srvConfig.MetricsHandler = provider.Handler
	}

	srv, err := server.New(srvConfig)
	if err != nil {
		return err
	}

	slog.Info("pcmstream server", "version", version.Version, "name", cfg.Server.Name, "port", cfg.Server.Port)

	if o.tui {
		p := ui.NewProgram(ui.NewServerModel(cfg.Server.Name, fmt.Sprintf(":%d", cfg.Server.Port)))
		go ui.Poll(ctx, p, 500*time.Millisecond, func() tea.Msg {
			return ui.ServerStatusMsg(srv.Stats())
		})
		go func() {
			if _, err := p.Run(); err != nil {
				slog.Error("tui failed", "err", err)
			}
			// quitting the display stops the server
			stop()
		}()
		defer p.Quit()
	}

	if err := srv.Run(ctx); err != nil {
		return err
	}
	slog.Info("server stopped")
	return nil
}
