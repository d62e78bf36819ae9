// Package openai asks a chat-completion model for eligibility verdicts and
// draft clinical notes.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/trimwell/clinic-admin/pkg/circuitbreaker"
)

// ErrUnparsable is returned when the model reply is not a usable verdict.
var ErrUnparsable = errors.New("model reply is not a valid verdict")

const eligibilityPrompt = `You are a clinical intake reviewer for a telehealth weight-loss and wellness clinic.
Review the patient intake summary and decide whether the patient is a reasonable candidate
for the selected treatment, pending licensed provider review. Consider BMI thresholds,
contraindications, current medications and allergies.
Reply with a single JSON object: {"approved": true|false, "reason": "<one or two sentences>"}.`

const notePrompt = `You are drafting a provider clinical note for a telehealth visit.
Write a concise SOAP-format note (Subjective, Objective, Assessment, Plan) from the intake
summary. Do not invent vitals or findings that are not in the summary. Plain text only.`

// Verdict is the model's eligibility decision.
type Verdict struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// IsServiceFailure reports whether err should count against the breaker.
func IsServiceFailure(err error) bool {
	if err == nil || errors.Is(err, ErrUnparsable) {
		return false
	}
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode >= http.StatusInternalServerError || apiErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	return true
}

// BreakerConfig returns the breaker settings used for the model API.
func BreakerConfig() circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig(circuitbreaker.OpenAI)
	cfg.IsFailure = IsServiceFailure
	return cfg
}

// Client talks to the chat-completion API.
type Client struct {
	api     *goopenai.Client
	model   string
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewClient creates a client for model.
func NewClient(apiKey, model string, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		api:     goopenai.NewClient(apiKey),
		model:   model,
		breaker: breaker,
		logger:  logger,
	}
}

func (c *Client) complete(ctx context.Context, req goopenai.ChatCompletionRequest) (string, error) {
	req.Model = c.model
	return circuitbreaker.Do(ctx, c.breaker, func(ctx context.Context) (string, error) {
		resp, err := c.api.CreateChatCompletion(ctx, req)
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("%w: no choices returned", ErrUnparsable)
		}
		c.logger.Debug("completion finished",
			zap.String("model", resp.Model),
			zap.Int("prompt_tokens", resp.Usage.PromptTokens),
			zap.Int("completion_tokens", resp.Usage.CompletionTokens))
		return resp.Choices[0].Message.Content, nil
	})
}

// CheckEligibility sends the intake summary and parses the verdict.
func (c *Client) CheckEligibility(ctx context.Context, summary string) (*Verdict, error) {
	content, err := c.complete(ctx, goopenai.ChatCompletionRequest{
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: eligibilityPrompt},
			{Role: goopenai.ChatMessageRoleUser, Content: summary},
		},
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, err
	}
	return ParseVerdict(content)
}

// DraftNote asks the model for a provider note body.
func (c *Client) DraftNote(ctx context.Context, summary string) (string, error) {
	content, err := c.complete(ctx, goopenai.ChatCompletionRequest{
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: notePrompt},
			{Role: goopenai.ChatMessageRoleUser, Content: summary},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

// ParseVerdict extracts a verdict from a model reply. Replies wrapped in a
// markdown code fence or surrounded by prose are accepted.
func ParseVerdict(content string) (*Verdict, error) {
	body := strings.TrimSpace(content)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```")
		body = strings.TrimPrefix(body, "json")
		body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	}
	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: %q", ErrUnparsable, truncate(content, 120))
	}

	var raw struct {
		Approved *bool  `json:"approved"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(body[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparsable, err)
	}
	if raw.Approved == nil {
		return nil, fmt.Errorf("%w: missing approved field", ErrUnparsable)
	}
	return &Verdict{Approved: *raw.Approved, Reason: strings.TrimSpace(raw.Reason)}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
