// Package order implements medication orders and their fulfillment.
package order

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/trimwell/clinic-admin/internal/domain/record"
)

// Status is the fulfillment state of an order.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusFulfilled  Status = "fulfilled"
	StatusCanceled   Status = "canceled"
)

var (
	// ErrNotFound is returned when no order matches an id.
	ErrNotFound = errors.New("order not found")
	// ErrInvalidTransition is returned when an order cannot move to the requested status.
	ErrInvalidTransition = errors.New("invalid order transition")
)

// Order is an orders row.
type Order struct {
	ID             string     `json:"id"`
	UserID         *string    `json:"user_id,omitempty"`
	Email          *string    `json:"email,omitempty"`
	SubmissionID   *string    `json:"submission_id,omitempty"`
	PatientName    string     `json:"patient_name"`
	Product        string     `json:"product"`
	Category       string     `json:"category"`
	Quantity       int        `json:"quantity"`
	Status         Status     `json:"status"`
	Carrier        *string    `json:"carrier,omitempty"`
	TrackingNumber *string    `json:"tracking_number,omitempty"`
	ShippedAt      *time.Time `json:"shipped_at,omitempty"`
	FulfilledAt    *time.Time `json:"fulfilled_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// RecordID returns the primary key.
func (o *Order) RecordID() string { return o.ID }

// OwnerID returns user_id or "".
func (o *Order) OwnerID() string { return record.Deref(o.UserID) }

// ContactEmail returns the order email.
func (o *Order) ContactEmail() string { return record.Deref(o.Email) }

// SetTracking records shipment details and moves the order to shipped.
func (o *Order) SetTracking(carrier, number string) error {
	carrier = strings.TrimSpace(carrier)
	number = strings.TrimSpace(number)
	if number == "" {
		return &record.ValidationError{Field: "tracking_number", Message: "is required"}
	}
	if o.Status == StatusCanceled || o.Status == StatusFulfilled {
		return fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, o.ID, o.Status)
	}
	now := time.Now().UTC()
	if carrier != "" {
		o.Carrier = &carrier
	}
	o.TrackingNumber = &number
	if o.ShippedAt == nil {
		o.ShippedAt = &now
	}
	o.Status = StatusShipped
	o.UpdatedAt = now
	return nil
}

// MarkFulfilled closes the order.
func (o *Order) MarkFulfilled() error {
	if o.Status == StatusCanceled {
		return fmt.Errorf("%w: order %s is canceled", ErrInvalidTransition, o.ID)
	}
	if o.Status == StatusFulfilled {
		return nil
	}
	now := time.Now().UTC()
	o.Status = StatusFulfilled
	o.FulfilledAt = &now
	o.UpdatedAt = now
	return nil
}

// TrackingURL links to the carrier's tracking page, or "" when unknown.
func (o *Order) TrackingURL() string {
	number := record.Deref(o.TrackingNumber)
	if number == "" {
		return ""
	}
	n := url.QueryEscape(number)
	switch strings.ToLower(record.Deref(o.Carrier)) {
	case "ups":
		return "https://www.ups.com/track?tracknum=" + n
	case "fedex":
		return "https://www.fedex.com/fedextrack/?trknbr=" + n
	case "usps":
		return "https://tools.usps.com/go/TrackConfirmAction?tLabels=" + n
	case "dhl":
		return "https://www.dhl.com/us-en/home/tracking.html?tracking-id=" + n
	}
	return ""
}
