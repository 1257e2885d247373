// ABOUTME: Tests for client flag handling and stream fan-out
// ABOUTME: Covers config overrides and delivering one stream to several sinks
package main

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/Resonate-Protocol/pcmstream/pkg/audio"
	"github.com/spf13/pflag"
)

func parse(t *testing.T, args ...string) (*options, *pflag.FlagSet) {
	t.Helper()

	o := &options{}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	o.bind(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	return o, fs
}

func TestLoadConfigFlags(t *testing.T) {
	o, fs := parse(t, "--server", "studio:9000", "-o", "out", "--play", "--max-buffer", "20")
	cfg, err := o.loadConfig(fs)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Client.ServerAddr != "studio:9000" || cfg.Client.OutputDir != "out" || !cfg.Client.Play {
		t.Errorf("client flags not applied: %+v", cfg.Client)
	}
	if cfg.Stream.MaxBufferSize != 20 {
		t.Errorf("expected max buffer 20, got %d", cfg.Stream.MaxBufferSize)
	}
}

func TestLoadConfigRejects(t *testing.T) {
	for _, args := range [][]string{
		{"--volume", "101"},
		{"--max-buffer", "0"},
		{"--log-level", "chatty"},
	} {
		o, fs := parse(t, args...)
		if _, err := o.loadConfig(fs); err == nil {
			t.Errorf("expected error for %v", args)
		}
	}
}

func TestFanOutDeliversEveryByte(t *testing.T) {
	payload := bytes.Repeat([]byte("pcm!"), 10000)
	readers := fanOut(bytes.NewReader(payload), 3)

	var wg sync.WaitGroup
	results := make([][]byte, len(readers))
	for i, r := range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = io.ReadAll(r)
		}()
	}
	wg.Wait()

	for i, got := range results {
		if !bytes.Equal(got, payload) {
			t.Errorf("reader %d got %d bytes, want %d", i, len(got), len(payload))
		}
	}
}

func TestFanOutSingleIsPassthrough(t *testing.T) {
	src := bytes.NewReader(nil)
	if r := fanOut(src, 1); len(r) != 1 || r[0] != io.Reader(src) {
		t.Error("a single sink should read the source directly")
	}
}

func TestDeliverCallsEverySink(t *testing.T) {
	var mu sync.Mutex
	var wg sync.WaitGroup
	got := map[string][]byte{}

	mk := func(name string) sink {
		wg.Add(1)
		return func(id string, f audio.Format, r io.Reader) {
			go func() {
				defer wg.Done()
				data, _ := io.ReadAll(r)
				mu.Lock()
				got[name] = data
				mu.Unlock()
			}()
		}
	}

	deliver(bytes.NewReader([]byte{1, 2, 3, 4}), "s", audio.DefaultFormat(), []sink{mk("a"), mk("b")})
	wg.Wait()

	for _, name := range []string{"a", "b"} {
		if !bytes.Equal(got[name], []byte{1, 2, 3, 4}) {
			t.Errorf("sink %s got %v", name, got[name])
		}
	}
}
