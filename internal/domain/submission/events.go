package submission

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventSubmissionApproved      EventType = "SubmissionApproved"
	EventSubmissionRejected      EventType = "SubmissionRejected"
	EventSubmissionPaymentFailed EventType = "SubmissionPaymentFailed"
)

// AggregateType names submissions in the outbox.
const AggregateType = "Submission"

// Event is a submission state change waiting to be written to the outbox.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	Actor         string          `json:"actor,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// ApprovedData describes an approval.
type ApprovedData struct {
	SubmissionID    string    `json:"submission_id"`
	Category        Category  `json:"category"`
	PaymentIntentID string    `json:"payment_intent_id,omitempty"`
	AmountCents     int64     `json:"amount_cents"`
	ApprovedBy      string    `json:"approved_by"`
	ApprovedAt      time.Time `json:"approved_at"`
}

// RejectedData describes a rejection.
type RejectedData struct {
	SubmissionID string    `json:"submission_id"`
	Reason       string    `json:"reason"`
	RejectedBy   string    `json:"rejected_by"`
	RejectedAt   time.Time `json:"rejected_at"`
}

// PaymentFailedData describes a declined charge.
type PaymentFailedData struct {
	SubmissionID string    `json:"submission_id"`
	Reason       string    `json:"reason"`
	FailedAt     time.Time `json:"failed_at"`
}

// WithActor sets the staff member responsible for the change.
func (e *Event) WithActor(userID string) *Event {
	e.Actor = userID
	return e
}
