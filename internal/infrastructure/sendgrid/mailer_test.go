package sendgrid

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/trimwell/clinic-admin/pkg/circuitbreaker"
)

func TestBuild(t *testing.T) {
	m := NewMailer("key", "care@clinic.test", "Clinic Care", nil, nil)
	v3 := m.Build(&Message{
		ID:         "msg-1",
		ToEmail:    "pat@example.com",
		ToName:     "Pat",
		Subject:    "Your order shipped",
		Text:       "Tracking: 1Z",
		HTML:       "<p>Tracking: 1Z</p>",
		Categories: []string{"tracking"},
	})

	var body map[string]any
	if err := json.Unmarshal(mail.GetRequestBody(v3), &body); err != nil {
		t.Fatalf("request body: %v", err)
	}
	if body["subject"] != "Your order shipped" {
		t.Errorf("subject = %v", body["subject"])
	}
	if content := body["content"].([]any); len(content) != 2 {
		t.Errorf("content parts = %d, want 2", len(content))
	}
	if v3.Headers["X-Message-ID"] != "msg-1" {
		t.Errorf("headers = %v", v3.Headers)
	}
	if len(v3.Categories) != 1 || v3.Categories[0] != "tracking" {
		t.Errorf("categories = %v", v3.Categories)
	}
}

func TestSendRequiresRecipient(t *testing.T) {
	cb, _ := circuitbreaker.New(BreakerConfig(), nil)
	m := NewMailer("key", "care@clinic.test", "Clinic", cb, nil)

	err := m.Send(context.Background(), &Message{Subject: "hi"})
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("err = %v, want RejectedError", err)
	}
	if IsServiceFailure(err) {
		t.Error("rejected message should not count against the breaker")
	}
	if !IsServiceFailure(&statusError{status: 503}) {
		t.Error("5xx should count against the breaker")
	}
}
