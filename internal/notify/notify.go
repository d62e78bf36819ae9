// Package notify renders the clinic's transactional emails and queues them
// for the notification worker.
package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/google/uuid"

	"github.com/trimwell/clinic-admin/internal/infrastructure/postgres"
	"github.com/trimwell/clinic-admin/internal/infrastructure/redpanda"
	"github.com/trimwell/clinic-admin/internal/infrastructure/sendgrid"
)

// Kind selects a template.
type Kind string

const (
	KindRejection       Kind = "rejection"
	KindTracking        Kind = "tracking"
	KindRenewalReminder Kind = "renewal_reminder"
	KindSetup           Kind = "setup"
)

// EventEmailRequested is the outbox event type for queued email.
const EventEmailRequested = "EmailRequested"

// ErrUnknownKind is returned for a kind with no template.
var ErrUnknownKind = errors.New("unknown email kind")

// EmailRequested is the payload published to notifications.email.
type EmailRequested struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	ToEmail     string          `json:"to_email"`
	ToName      string          `json:"to_name,omitempty"`
	Data        json.RawMessage `json:"data"`
	RequestedAt time.Time       `json:"requested_at"`
}

// RejectionData fills the rejection template.
type RejectionData struct {
	FirstName string `json:"first_name"`
	Reason    string `json:"reason"`
}

// TrackingData fills the tracking template.
type TrackingData struct {
	FirstName      string `json:"first_name"`
	Product        string `json:"product"`
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"tracking_number"`
	TrackingURL    string `json:"tracking_url,omitempty"`
}

// RenewalData fills the renewal reminder template.
type RenewalData struct {
	FirstName   string    `json:"first_name"`
	Plan        string    `json:"plan"`
	RenewsOn    time.Time `json:"renews_on"`
	AmountCents int64     `json:"amount_cents"`
}

// SetupData fills the account setup template.
type SetupData struct {
	FirstName string `json:"first_name"`
	Plan      string `json:"plan"`
	SetupURL  string `json:"setup_url"`
}

// NewRequest builds an email request with data encoded as JSON.
func NewRequest(kind Kind, toEmail, toName string, data any) (*EmailRequested, error) {
	if _, ok := templates[kind]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s data: %w", kind, err)
	}
	return &EmailRequested{
		ID:          uuid.New().String(),
		Kind:        kind,
		ToEmail:     strings.TrimSpace(toEmail),
		ToName:      toName,
		Data:        raw,
		RequestedAt: time.Now().UTC(),
	}, nil
}

// OutboxEntry wraps req for the notifications.email topic. aggregateType
// and aggregateID name the row that caused the email.
func (req *EmailRequested) OutboxEntry(aggregateType, aggregateID string) (*postgres.OutboxEntry, error) {
	entry, err := postgres.NewEntry(redpanda.TopicNotificationsEmail, aggregateType, aggregateID, EventEmailRequested, req)
	if err != nil {
		return nil, err
	}
	entry.Key = req.ToEmail
	return entry, nil
}

type emailTemplate struct {
	subject  string
	data     func() any
	text     *texttemplate.Template
	html     *htmltemplate.Template
	category string
}

var funcs = map[string]any{
	"dollars": func(cents int64) string { return fmt.Sprintf("$%d.%02d", cents/100, cents%100) },
	"date":    func(t time.Time) string { return t.Format("January 2, 2006") },
	"greet": func(name string) string {
		if strings.TrimSpace(name) == "" {
			return "Hi there"
		}
		return "Hi " + strings.TrimSpace(name)
	},
}

func newTemplate(kind Kind, subject, category string, data func() any, text, html string) *emailTemplate {
	return &emailTemplate{
		subject:  subject,
		data:     data,
		category: category,
		text:     texttemplate.Must(texttemplate.New(string(kind)).Funcs(funcs).Parse(text)),
		html:     htmltemplate.Must(htmltemplate.New(string(kind)).Funcs(funcs).Parse(html)),
	}
}

var templates = map[Kind]*emailTemplate{
	KindRejection: newTemplate(KindRejection,
		"An update on your treatment request", "rejection",
		func() any { return &RejectionData{} },
		`{{greet .FirstName}},

Thank you for completing your intake. After review, our provider was not able to approve your request at this time.

Reason: {{.Reason}}

You have not been charged. Reply to this email if you have questions.
`,
		`<p>{{greet .FirstName}},</p>
<p>Thank you for completing your intake. After review, our provider was not able to approve your request at this time.</p>
<p><strong>Reason:</strong> {{.Reason}}</p>
<p>You have not been charged. Reply to this email if you have questions.</p>`),

	KindTracking: newTemplate(KindTracking,
		"Your order has shipped", "tracking",
		func() any { return &TrackingData{} },
		`{{greet .FirstName}},

Your {{.Product}} is on the way.

Carrier: {{.Carrier}}
Tracking number: {{.TrackingNumber}}
{{if .TrackingURL}}Track it here: {{.TrackingURL}}
{{end}}`,
		`<p>{{greet .FirstName}},</p>
<p>Your {{.Product}} is on the way.</p>
<p>Carrier: {{.Carrier}}<br>Tracking number: {{if .TrackingURL}}<a href="{{.TrackingURL}}">{{.TrackingNumber}}</a>{{else}}{{.TrackingNumber}}{{end}}</p>`),

	KindRenewalReminder: newTemplate(KindRenewalReminder,
		"Your subscription renews soon", "renewal",
		func() any { return &RenewalData{} },
		`{{greet .FirstName}},

Your {{.Plan}} subscription renews on {{date .RenewsOn}} for {{dollars .AmountCents}}.

No action is needed to continue treatment. To make changes, sign in to your account before the renewal date.
`,
		`<p>{{greet .FirstName}},</p>
<p>Your {{.Plan}} subscription renews on <strong>{{date .RenewsOn}}</strong> for {{dollars .AmountCents}}.</p>
<p>No action is needed to continue treatment. To make changes, sign in to your account before the renewal date.</p>`),

	KindSetup: newTemplate(KindSetup,
		"You're approved: finish setting up your account", "setup",
		func() any { return &SetupData{} },
		`{{greet .FirstName}},

Great news: your provider approved your {{.Plan}} plan.

Finish setting up your account: {{.SetupURL}}
`,
		`<p>{{greet .FirstName}},</p>
<p>Great news: your provider approved your <strong>{{.Plan}}</strong> plan.</p>
<p><a href="{{.SetupURL}}">Finish setting up your account</a></p>`),
}

// Render produces the outbound message for req.
func Render(req *EmailRequested) (*sendgrid.Message, error) {
	tmpl, ok := templates[req.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, req.Kind)
	}
	data := tmpl.data()
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, data); err != nil {
			return nil, fmt.Errorf("decode %s data: %w", req.Kind, err)
		}
	}

	var text, html bytes.Buffer
	if err := tmpl.text.Execute(&text, data); err != nil {
		return nil, fmt.Errorf("render %s text: %w", req.Kind, err)
	}
	if err := tmpl.html.Execute(&html, data); err != nil {
		return nil, fmt.Errorf("render %s html: %w", req.Kind, err)
	}
	return &sendgrid.Message{
		ID:         req.ID,
		ToEmail:    req.ToEmail,
		ToName:     req.ToName,
		Subject:    tmpl.subject,
		Text:       text.String(),
		HTML:       html.String(),
		Categories: []string{tmpl.category},
	}, nil
}
