package tracing

import (
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitWithoutEndpoint(t *testing.T) {
	p, err := Init(context.Background(), NewConfig("admin-api", "test", "", 1))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if fields := otel.GetTextMapPropagator().Fields(); len(fields) == 0 {
		t.Error("propagator not installed")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1, "AlwaysOnSampler"},
		{2, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{-1, "AlwaysOffSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		desc := Sampler(tt.rate).Description()
		if !strings.HasPrefix(desc, "ParentBased{root:"+tt.want) {
			t.Errorf("Sampler(%v) = %s", tt.rate, desc)
		}
	}
}

func TestExporterOptions(t *testing.T) {
	if n := len(exporterOptions("https://otel.example.com:4317")); n != 2 {
		t.Errorf("https endpoint options = %d, want timeout and endpoint only", n)
	}
	if n := len(exporterOptions("collector:4317")); n != 3 {
		t.Errorf("plain endpoint options = %d, want insecure as well", n)
	}
}

func TestNilProviderShutdown(t *testing.T) {
	var p *Provider
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
