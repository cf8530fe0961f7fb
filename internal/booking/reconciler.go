package booking

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var ErrBookingNotPayable = errors.New("booking can no longer be paid")

// Reconciler consumes payment gateway outcomes. Capacity was already
// committed when the details were added; this component only flips status
// and records the payment, exactly once per transaction id.
type Reconciler struct {
	repo Repository
	log  *zap.Logger
}

func NewReconciler(repo Repository, log *zap.Logger) *Reconciler {
	return &Reconciler{repo: repo, log: log}
}

// Reconcile applies one gateway outcome.
//
// Failure outcomes change nothing: the booking stays unpaid and its
// reservations persist until the sweeper reclaims them or the customer
// retries. Success outcomes write the Payment row and move booking plus
// details unpaid→paid. A repeated callback, whether the same transaction id
// retried or a second attempt with a fresh one, must not create a second
// payment row or re-run status side effects; a booking captures at most one
// payment.
func (rc *Reconciler) Reconcile(ctx context.Context, outcome GatewayOutcome) error {
	b, err := rc.repo.GetBookingByID(ctx, outcome.BookingID)
	if err != nil {
		return err
	}

	if !outcome.Success {
		rc.log.Info("payment failed, booking left unpaid",
			zap.String("booking_id", outcome.BookingID.String()),
			zap.String("transaction_id", outcome.TransactionID),
		)
		logEvent(ctx, rc.repo, rc.log, b.ID, EventPaymentFailed, map[string]any{
			"transaction_id": outcome.TransactionID,
		})
		return nil
	}

	if b.Status != BookingUnpaid && b.Status != BookingPaid {
		// Expired or cancelled carts have already released their
		// reservations; a late success callback cannot revive them.
		return fmt.Errorf("%w: status is %s", ErrBookingNotPayable, b.Status)
	}

	payment := &Payment{
		BookingID:     outcome.BookingID,
		TransactionID: outcome.TransactionID,
		Amount:        outcome.Amount,
	}

	created, err := rc.repo.InsertPaymentIfAbsent(ctx, payment)
	if err != nil {
		return fmt.Errorf("record payment: %w", err)
	}
	if !created {
		// A payment for this booking is already captured, either the same
		// transaction retried or a second gateway attempt. No new row; the
		// status flip below still runs so a callback that died between
		// capture and flip is completed on retry.
		rc.log.Info("payment already captured for booking",
			zap.String("booking_id", outcome.BookingID.String()),
			zap.String("transaction_id", outcome.TransactionID),
		)
		logEvent(ctx, rc.repo, rc.log, b.ID, EventPaymentDuplicate, map[string]any{
			"transaction_id": outcome.TransactionID,
		})
	}

	claimed, err := rc.repo.UpdateBookingStatus(ctx, b.ID, BookingUnpaid, BookingPaid)
	if err != nil {
		return fmt.Errorf("mark booking paid: %w", err)
	}
	if !claimed {
		// Payment row exists and the booking is already paid; a concurrent
		// reconcile won the race. Nothing left to do.
		return nil
	}

	if _, err := rc.repo.UpdateDetailStatusByBooking(ctx, b.ID, DetailUnpaid, DetailPaid); err != nil {
		return fmt.Errorf("mark details paid: %w", err)
	}

	logEvent(ctx, rc.repo, rc.log, b.ID, EventBookingPaid, map[string]any{
		"transaction_id": outcome.TransactionID,
		"amount":         outcome.Amount,
	})

	rc.log.Info("booking reconciled as paid",
		zap.String("booking_id", b.ID.String()),
		zap.String("transaction_id", outcome.TransactionID),
	)

	return nil
}
