package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/trimwell/clinic-admin/internal/domain/order"
	"github.com/trimwell/clinic-admin/internal/infrastructure/postgres"
	"github.com/trimwell/clinic-admin/internal/notify"
)

const aggregateOrder = "Order"

// OrderService runs order fulfillment.
type OrderService struct {
	orders OrderStore
	logger *zap.Logger
}

// NewOrderService creates an OrderService.
func NewOrderService(orders OrderStore, logger *zap.Logger) *OrderService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderService{orders: orders, logger: logger}
}

// List returns orders, optionally in one status.
func (s *OrderService) List(ctx context.Context, status order.Status) ([]*order.Order, error) {
	return s.orders.ListOrders(ctx, status)
}

// UpdateTracking records shipment details and queues the tracking email.
func (s *OrderService) UpdateTracking(ctx context.Context, id, carrier, number string) (*order.Order, error) {
	o, err := s.orders.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.SetTracking(carrier, number); err != nil {
		return nil, err
	}

	var entries []*postgres.OutboxEntry
	if email := o.ContactEmail(); email != "" {
		req, err := notify.NewRequest(notify.KindTracking, email, o.PatientName, &notify.TrackingData{
			FirstName:      firstWord(o.PatientName),
			Product:        o.Product,
			Carrier:        strings.ToUpper(derefOr(o.Carrier, "carrier")),
			TrackingNumber: derefOr(o.TrackingNumber, ""),
			TrackingURL:    o.TrackingURL(),
		})
		if err != nil {
			return nil, err
		}
		entry, err := req.OutboxEntry(aggregateOrder, o.ID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	} else {
		s.logger.Warn("shipped order has no email; patient not notified", zap.String("order_id", o.ID))
	}

	if err := s.orders.CommitFulfillment(ctx, o, entries); err != nil {
		return nil, err
	}
	return o, nil
}

// MarkFulfilled closes an order.
func (s *OrderService) MarkFulfilled(ctx context.Context, id string) (*order.Order, error) {
	o, err := s.orders.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.MarkFulfilled(); err != nil {
		return nil, err
	}
	if err := s.orders.CommitFulfillment(ctx, o, nil); err != nil {
		return nil, err
	}
	return o, nil
}

func firstWord(name string) string {
	if f := strings.Fields(name); len(f) > 0 {
		return f[0]
	}
	return ""
}

func derefOr(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}
