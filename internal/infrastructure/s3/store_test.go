package s3

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/google/uuid"
)

func TestObjectKey(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	tests := []struct {
		prefix string
		want   string
	}{
		{"documents", "documents/p-1/prescription-6ba7b810-9dad-11d1-80b4-00c04fd430c8.pdf"},
		{"/documents/", "documents/p-1/prescription-6ba7b810-9dad-11d1-80b4-00c04fd430c8.pdf"},
		{"", "p-1/prescription-6ba7b810-9dad-11d1-80b4-00c04fd430c8.pdf"},
	}
	for _, tt := range tests {
		if got := ObjectKey(tt.prefix, "p-1", "prescription", id); got != tt.want {
			t.Errorf("ObjectKey(%q) = %q, want %q", tt.prefix, got, tt.want)
		}
	}
	if k := ObjectKey("documents", "p-1", "note", uuid.New()); !strings.HasSuffix(k, ".pdf") {
		t.Errorf("key %q missing extension", k)
	}
}

func TestIsServiceFailure(t *testing.T) {
	if IsServiceFailure(nil) {
		t.Error("nil error should not trip the breaker")
	}
	forbidden := awserr.NewRequestFailure(awserr.New("AccessDenied", "denied", nil), http.StatusForbidden, "req-1")
	if IsServiceFailure(forbidden) {
		t.Error("403 should not trip the breaker")
	}
	unavailable := awserr.NewRequestFailure(awserr.New("SlowDown", "slow", nil), http.StatusServiceUnavailable, "req-2")
	if !IsServiceFailure(unavailable) {
		t.Error("503 should trip the breaker")
	}
	if !IsServiceFailure(errors.New("dial tcp: timeout")) {
		t.Error("network error should trip the breaker")
	}
}
