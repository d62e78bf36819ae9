package openai

import (
	"errors"
	"testing"

	goopenai "github.com/sashabaranov/go-openai"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		approved bool
		reason   string
		wantErr  bool
	}{
		{"plain", `{"approved": true, "reason": "BMI 31.2 meets criteria"}`, true, "BMI 31.2 meets criteria", false},
		{"fenced", "```json\n{\"approved\": false, \"reason\": \"history of pancreatitis\"}\n```", false, "history of pancreatitis", false},
		{"bare fence", "```\n{\"approved\": true}\n```", true, "", false},
		{"prose around", `Here is my answer: {"approved": false, "reason": "pregnant"} Thanks.`, false, "pregnant", false},
		{"no json", "I cannot help with that.", false, "", true},
		{"missing approved", `{"reason": "unclear"}`, false, "", true},
		{"wrong type", `{"approved": "yes"}`, false, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ParseVerdict(tt.content)
			if tt.wantErr {
				if !errors.Is(err, ErrUnparsable) {
					t.Fatalf("err = %v, want ErrUnparsable", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseVerdict: %v", err)
			}
			if v.Approved != tt.approved || v.Reason != tt.reason {
				t.Errorf("verdict = %+v", v)
			}
		})
	}
}

func TestIsServiceFailure(t *testing.T) {
	if IsServiceFailure(ErrUnparsable) {
		t.Error("unparsable reply should not trip the breaker")
	}
	if IsServiceFailure(&goopenai.APIError{HTTPStatusCode: 400}) {
		t.Error("400 should not trip the breaker")
	}
	if !IsServiceFailure(&goopenai.APIError{HTTPStatusCode: 503}) {
		t.Error("503 should trip the breaker")
	}
}
