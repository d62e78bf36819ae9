// Package sendgrid sends transactional email through the SendGrid v3 API.
package sendgrid

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"github.com/trimwell/clinic-admin/pkg/circuitbreaker"
)

const defaultHost = "https://api.sendgrid.com"

// Message is one outbound email.
type Message struct {
	ID         string
	ToEmail    string
	ToName     string
	Subject    string
	Text       string
	HTML       string
	Categories []string
}

// RejectedError is returned when SendGrid refuses a message as invalid.
type RejectedError struct {
	Status int
	Body   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("sendgrid rejected message (%d): %s", e.Status, e.Body)
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("sendgrid returned %d: %s", e.status, e.body)
}

// IsServiceFailure reports whether err should count against the breaker.
func IsServiceFailure(err error) bool {
	var rejected *RejectedError
	return err != nil && !errors.As(err, &rejected)
}

// BreakerConfig returns the breaker settings used for SendGrid.
func BreakerConfig() circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig(circuitbreaker.SendGrid)
	cfg.IsFailure = IsServiceFailure
	return cfg
}

// Mailer sends email from a fixed sender.
type Mailer struct {
	apiKey    string
	host      string
	fromEmail string
	fromName  string
	breaker   *circuitbreaker.CircuitBreaker
	logger    *zap.Logger
}

// NewMailer creates a mailer.
func NewMailer(apiKey, fromEmail, fromName string, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Mailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mailer{
		apiKey:    apiKey,
		host:      defaultHost,
		fromEmail: fromEmail,
		fromName:  fromName,
		breaker:   breaker,
		logger:    logger,
	}
}

// Build converts msg into a SendGrid v3 payload.
func (m *Mailer) Build(msg *Message) *mail.SGMailV3 {
	text := msg.Text
	if text == "" {
		text = "\t"
	}
	subject := msg.Subject
	if subject == "" {
		subject = " "
	}
	v3 := mail.NewV3MailInit(
		mail.NewEmail(m.fromName, m.fromEmail), subject,
		mail.NewEmail(msg.ToName, msg.ToEmail),
		mail.NewContent("text/plain", text))
	if msg.HTML != "" {
		v3.AddContent(mail.NewContent("text/html", msg.HTML))
	}
	if len(msg.Categories) > 0 {
		v3.AddCategories(msg.Categories...)
	}
	if msg.ID != "" {
		v3.Headers = map[string]string{"X-Message-ID": msg.ID}
	}
	return v3
}

// Send delivers msg. A 4xx response other than 429 returns *RejectedError.
func (m *Mailer) Send(ctx context.Context, msg *Message) error {
	if msg.ToEmail == "" {
		return &RejectedError{Status: http.StatusBadRequest, Body: "missing recipient"}
	}

	req := sendgrid.GetRequest(m.apiKey, "/v3/mail/send", m.host)
	req.Method = "POST"
	req.Body = mail.GetRequestBody(m.Build(msg))

	_, err := m.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		resp, err := sendgrid.MakeRequestWithContext(ctx, req)
		if err != nil {
			return nil, err
		}
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return nil, &statusError{status: resp.StatusCode, body: resp.Body}
		default:
			return nil, &RejectedError{Status: resp.StatusCode, Body: resp.Body}
		}
	})
	if err != nil {
		m.logger.Warn("email send failed",
			zap.String("message_id", msg.ID),
			zap.String("subject", msg.Subject),
			zap.Error(err))
		return err
	}
	m.logger.Info("email sent",
		zap.String("message_id", msg.ID),
		zap.Strings("categories", msg.Categories))
	return nil
}
