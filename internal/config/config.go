// ABOUTME: YAML configuration for the pcmstream server and client
// ABOUTME: Defaults, file loading and validation
package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Resonate-Protocol/pcmstream/internal/observe"
	"github.com/Resonate-Protocol/pcmstream/pkg/audio"
	"gopkg.in/yaml.v3"
)

// Config is the complete configuration file
type Config struct {
	Log    LogConfig    `yaml:"log"`
	Stream StreamConfig `yaml:"stream"`
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
}

// LogConfig controls logging
type LogConfig struct {
	Level string `yaml:"level"`
	// File receives a copy of every log line when set
	File string `yaml:"file"`
}

// StreamConfig controls chunking, pacing and reassembly
type StreamConfig struct {
	ChunkDurationMs int          `yaml:"chunk_duration_ms"`
	Pacing          bool         `yaml:"pacing"`
	MaxBufferSize   int          `yaml:"max_buffer_size"`
	Format          audio.Format `yaml:"format"`
}

// ServerConfig controls the streaming server
type ServerConfig struct {
	Port        int    `yaml:"port"`
	Name        string `yaml:"name"`
	MDNS        bool   `yaml:"mdns"`
	Metrics     bool   `yaml:"metrics"`
	LoopDelayMs int    `yaml:"loop_delay_ms"`
	SendQueue   int    `yaml:"send_queue"`
}

// ClientConfig controls the streaming client
type ClientConfig struct {
	ServerAddr         string `yaml:"server_addr"`
	ReconnectInitialMs int    `yaml:"reconnect_initial_ms"`
	ReconnectMaxMs     int    `yaml:"reconnect_max_ms"`
	OutputDir          string `yaml:"output_dir"`
	Play               bool   `yaml:"play"`
	TUI                bool   `yaml:"tui"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Stream: StreamConfig{
			ChunkDurationMs: 100,
			Pacing:          true,
			MaxBufferSize:   100,
			Format:          audio.DefaultFormat(),
		},
		Server: ServerConfig{
			Port:        8927,
			Name:        "pcmstream",
			MDNS:        true,
			Metrics:     true,
			LoopDelayMs: 1000,
			SendQueue:   256,
		},
		Client: ClientConfig{
			ReconnectInitialMs: 500,
			ReconnectMaxMs:     10000,
		},
	}
}

// Load reads the YAML file at path over the defaults and validates it
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over the defaults and validates it.
// Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns every problem found in cfg, joined
func Validate(cfg *Config) error {
	var errs []error

	if _, err := observe.ParseLevel(cfg.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	if cfg.Stream.ChunkDurationMs <= 0 {
		errs = append(errs, fmt.Errorf("stream.chunk_duration_ms must be positive, got %d", cfg.Stream.ChunkDurationMs))
	}
	if cfg.Stream.MaxBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("stream.max_buffer_size must be positive, got %d", cfg.Stream.MaxBufferSize))
	}
	if err := cfg.Stream.Format.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("stream.format: %w", err))
	} else if cfg.Stream.Format.BitDepth != 16 {
		errs = append(errs, fmt.Errorf("stream.format.bit_depth %d is unsupported; sources produce 16-bit PCM", cfg.Stream.Format.BitDepth))
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", cfg.Server.Port))
	}
	if cfg.Server.LoopDelayMs < 0 {
		errs = append(errs, fmt.Errorf("server.loop_delay_ms must not be negative, got %d", cfg.Server.LoopDelayMs))
	}
	if cfg.Server.SendQueue <= 0 {
		errs = append(errs, fmt.Errorf("server.send_queue must be positive, got %d", cfg.Server.SendQueue))
	}

	if cfg.Client.ReconnectInitialMs <= 0 {
		errs = append(errs, fmt.Errorf("client.reconnect_initial_ms must be positive, got %d", cfg.Client.ReconnectInitialMs))
	}
	if cfg.Client.ReconnectMaxMs < cfg.Client.ReconnectInitialMs {
		errs = append(errs, fmt.Errorf("client.reconnect_max_ms %d is below reconnect_initial_ms %d",
			cfg.Client.ReconnectMaxMs, cfg.Client.ReconnectInitialMs))
	}

	return errors.Join(errs...)
}
