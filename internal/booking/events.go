package booking

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	EventBookingCreated   = "BOOKING_CREATED"
	EventBookingCancelled = "BOOKING_CANCELLED"
	EventBookingPaid      = "BOOKING_PAID"
	EventBookingExpired   = "BOOKING_EXPIRED"
	EventDetailAdded      = "DETAIL_ADDED"
	EventDetailRemoved    = "DETAIL_REMOVED"
	EventPaymentDuplicate = "PAYMENT_DUPLICATE"
	EventPaymentFailed    = "PAYMENT_FAILED"
)

// logEvent appends an audit row. Best effort: a failed write is logged and
// never fails the operation that produced the event.
func logEvent(ctx context.Context, repo Repository, log *zap.Logger, bookingID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Warn("marshal event payload failed", zap.String("event", eventType), zap.Error(err))
		data = nil
	}

	id := bookingID

	ev := EventLog{
		EventType: eventType,
		BookingID: &id,
		Payload:   data,
		CreatedAt: time.Now(),
	}

	if err := repo.InsertEvent(ctx, ev); err != nil {
		log.Warn("insert event log failed",
			zap.String("event", eventType),
			zap.String("booking_id", bookingID.String()),
			zap.Error(err),
		)
	}
}
