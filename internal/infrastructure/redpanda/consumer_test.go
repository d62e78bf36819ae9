package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

type stubPublisher struct {
	err       error
	published []string
}

func (p *stubPublisher) Publish(_ context.Context, topic, _ string, _ []byte) error {
	p.published = append(p.published, topic)
	return p.err
}

func TestSettle(t *testing.T) {
	handlerErr := errors.New("template missing")
	tests := []struct {
		name        string
		handlerErr  error
		deadLetter  *stubPublisher
		wantSettled bool
		wantStats   ConsumerStats
	}{
		{
			name:        "handled",
			wantSettled: true,
			wantStats:   ConsumerStats{Handled: 1},
		},
		{
			name:        "failure parked on dead letter topic",
			handlerErr:  handlerErr,
			deadLetter:  &stubPublisher{},
			wantSettled: true,
			wantStats:   ConsumerStats{Failed: 1, DeadLettered: 1},
		},
		{
			name:       "dead letter publish fails",
			handlerErr: handlerErr,
			deadLetter: &stubPublisher{err: errors.New("broker unavailable")},
			wantStats:  ConsumerStats{Failed: 1},
		},
		{
			name:       "no dead letter topic",
			handlerErr: handlerErr,
			wantStats:  ConsumerStats{Failed: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Consumer{
				logger:  zap.NewNop(),
				handler: func(context.Context, *ConsumedMessage) error { return tt.handlerErr },
			}
			if tt.deadLetter != nil {
				c.deadLetter = tt.deadLetter
			}

			settled, err := c.settle(context.Background(), &ConsumedMessage{Topic: TopicNotificationsEmail, Offset: 42, Value: []byte(`{}`)})
			if settled != tt.wantSettled {
				t.Errorf("settled = %v, want %v", settled, tt.wantSettled)
			}
			if !errors.Is(err, tt.handlerErr) {
				t.Errorf("err = %v, want %v", err, tt.handlerErr)
			}
			if got := c.Stats(); got != tt.wantStats {
				t.Errorf("stats = %+v, want %+v", got, tt.wantStats)
			}
			if tt.deadLetter != nil && (len(tt.deadLetter.published) != 1 || tt.deadLetter.published[0] != TopicDeadLetter) {
				t.Errorf("published = %v", tt.deadLetter.published)
			}
		})
	}
}

func TestSettleRecoversPanic(t *testing.T) {
	c := &Consumer{
		logger:  zap.NewNop(),
		handler: func(context.Context, *ConsumedMessage) error { panic("nil map") },
	}
	settled, err := c.settle(context.Background(), &ConsumedMessage{})
	if settled || err == nil {
		t.Errorf("settled = %v, err = %v", settled, err)
	}
}

func TestDeadLetterPayload(t *testing.T) {
	at := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	raw, err := DeadLetterPayload(&ConsumedMessage{Topic: TopicNotificationsEmail, Partition: 2, Offset: 7, Value: []byte("not json")}, errors.New("bad"), at)
	if err != nil {
		t.Fatalf("DeadLetterPayload: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["source_topic"] != TopicNotificationsEmail || got["payload"] != "not json" || got["error"] != "bad" || got["offset"] != float64(7) {
		t.Errorf("payload = %v", got)
	}
}
