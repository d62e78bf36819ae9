package redpanda

import (
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

func TestHeaderCarrier(t *testing.T) {
	rec := &kgo.Record{}
	c := headerCarrier{rec}

	c.Set("traceparent", "00-a-b-01")
	c.Set("traceparent", "00-c-d-01")
	c.Set("tracestate", "x=1")

	if len(rec.Headers) != 2 {
		t.Fatalf("headers = %d, want 2", len(rec.Headers))
	}
	if got := c.Get("traceparent"); got != "00-c-d-01" {
		t.Errorf("Get = %q", got)
	}
	if got := c.Get("missing"); got != "" {
		t.Errorf("Get missing = %q", got)
	}
	if keys := c.Keys(); len(keys) != 2 || keys[0] != "traceparent" {
		t.Errorf("Keys = %v", keys)
	}
}

func TestSpecs(t *testing.T) {
	want := map[string]bool{
		TopicRecordChanges:      true,
		TopicSubmissionEvents:   true,
		TopicNotificationsEmail: true,
		TopicDeadLetter:         true,
	}
	if len(Specs) != len(want) {
		t.Fatalf("got %d topics", len(Specs))
	}
	for _, s := range Specs {
		if !want[s.Name] || s.Partitions <= 0 || s.Retention <= 0 {
			t.Errorf("bad spec %+v", s)
		}
	}
}

func TestTopicSpecConfigs(t *testing.T) {
	cfg := TopicSpec{Name: "x", Retention: 24 * time.Hour, Compression: "lz4"}.Configs()
	if got := *cfg["retention.ms"]; got != "86400000" {
		t.Errorf("retention.ms = %s", got)
	}
	if got := *cfg["compression.type"]; got != "lz4" {
		t.Errorf("compression.type = %s", got)
	}
	if _, ok := (TopicSpec{Name: "y", Retention: time.Hour}).Configs()["compression.type"]; ok {
		t.Error("compression set without a codec")
	}
}

func TestMissing(t *testing.T) {
	got := Missing(Specs, map[string]int32{TopicRecordChanges: 6, TopicDeadLetter: 1, "other": 1})
	if len(got) != 2 || got[0].Name != TopicSubmissionEvents || got[1].Name != TopicNotificationsEmail {
		t.Errorf("Missing = %+v", got)
	}
}

func TestRetryBackoff(t *testing.T) {
	fn := retryBackoff(200 * time.Millisecond)
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 200 * time.Millisecond},
		{1, 400 * time.Millisecond},
		{3, 1600 * time.Millisecond},
		{4, 2 * time.Second},
		{60, 2 * time.Second},
	}
	for _, tt := range tests {
		if got := fn(tt.attempt); got != tt.want {
			t.Errorf("attempt %d = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestNewProducerRejectsUnknownCodec(t *testing.T) {
	cfg := DefaultProducerConfig()
	cfg.Compression = "brotli"
	if _, err := NewProducer(cfg, nil); err == nil {
		t.Fatal("expected error for unknown codec")
	}
}
