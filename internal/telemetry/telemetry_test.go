package telemetry

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m.Dispatches == nil || m.ExecutionDuration == nil {
		t.Fatal("expected instruments from noop meter")
	}
}

func TestInit_StdoutWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	p, err := Init(context.Background(), Config{
		Enabled:        true,
		Exporter:       "stdout",
		Writer:         &buf,
		MetricInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	_, span := StartSpan(context.Background(), p.Tracer, "dispatch", AttrTriggerAgent.String("qa"))
	span.End()

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"dispatch"`)) {
		t.Errorf("expected exported span named dispatch, got:\n%s", buf.String())
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "kafka"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestShutdown_NilProvider(t *testing.T) {
	var p *Provider
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("nil Shutdown: %v", err)
	}
}
