package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/trimwell/clinic-admin/internal/infrastructure/sendgrid"
	"github.com/trimwell/clinic-admin/internal/notify"
	"github.com/trimwell/clinic-admin/pkg/workerpool"
)

// Notifier renders and sends queued email.
type Notifier struct {
	mailer Mailer
	logger *zap.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(mailer Mailer, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{mailer: mailer, logger: logger}
}

// Send renders req and sends it now.
func (n *Notifier) Send(ctx context.Context, req *notify.EmailRequested) error {
	msg, err := notify.Render(req)
	if err != nil {
		return err
	}
	return n.mailer.Send(ctx, msg)
}

// Deliver handles one notifications.email payload. Payloads that can never
// be sent are marked permanent so the worker does not retry them.
func (n *Notifier) Deliver(ctx context.Context, payload []byte) error {
	var req notify.EmailRequested
	if err := json.Unmarshal(payload, &req); err != nil {
		return workerpool.Permanent(fmt.Errorf("decode email request: %w", err))
	}
	err := n.Send(ctx, &req)
	var rejected *sendgrid.RejectedError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, notify.ErrUnknownKind), errors.As(err, &rejected):
		n.logger.Warn("email dropped",
			zap.String("email_id", req.ID),
			zap.String("kind", string(req.Kind)),
			zap.Error(err))
		return workerpool.Permanent(err)
	default:
		return err
	}
}
