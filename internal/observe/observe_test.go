// ABOUTME: Tests for metrics instruments, provider and logger
// ABOUTME: Uses a manual reader to inspect recorded metric data
package observe

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func findSum(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: unexpected data type %T", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestRecordChunkSent(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordChunkSent(ctx, 3200)
	m.RecordChunkSent(ctx, 1600)

	if got := findSum(t, reader, "pcmstream.chunks.sent"); got != 2 {
		t.Errorf("chunks.sent: expected 2, got %d", got)
	}
	if got := findSum(t, reader, "pcmstream.bytes.sent"); got != 4800 {
		t.Errorf("bytes.sent: expected 4800, got %d", got)
	}
}

func TestRecordStreamLifecycle(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStreamStarted(ctx, RoleSender)
	m.RecordStreamStarted(ctx, RoleReceiver)
	m.RecordStreamCompleted(ctx, RoleReceiver)

	if got := findSum(t, reader, "pcmstream.streams.started"); got != 2 {
		t.Errorf("streams.started: expected 2, got %d", got)
	}
	if got := findSum(t, reader, "pcmstream.streams.completed"); got != 1 {
		t.Errorf("streams.completed: expected 1, got %d", got)
	}
}

func TestNopMetrics(t *testing.T) {
	m := Nop()
	// Must not panic
	m.RecordChunkSent(context.Background(), 10)
	m.ChunkLatency.Record(context.Background(), 12.5)
}

func TestProviderServesPrometheus(t *testing.T) {
	ctx := context.Background()
	p, err := InitProvider(ctx, ProviderConfig{ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	defer p.Shutdown(ctx)

	p.Metrics.RecordChunkSent(ctx, 100)

	srv := httptest.NewServer(p.Handler)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), "pcmstream_chunks_sent") {
		t.Errorf("expected pcmstream_chunks_sent in scrape output:\n%s", body)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLoggerFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger("warn", &buf)

	log.Info("hidden")
	log.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line should be filtered: %s", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "k=v") {
		t.Errorf("expected warn line with attributes: %s", out)
	}
}

func TestSetupWritesConsoleAndFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "pcmstream.log")
	var console bytes.Buffer

	closer, err := Setup("warn", path, &console)
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	slog.Info("hidden")
	slog.Warn("shown", "k", "v")
	if err := closer.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	for name, out := range map[string]string{"console": console.String(), "file": string(data)} {
		if !strings.Contains(out, "msg=shown") || strings.Contains(out, "hidden") {
			t.Errorf("%s output wrong: %q", name, out)
		}
	}
}

func TestSetupRejectsBadLevel(t *testing.T) {
	if _, err := Setup("loud", "", io.Discard); err == nil {
		t.Error("expected error for unknown level")
	}
}
