package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrBookingNotOpen    = errors.New("booking is no longer open for changes")
)

// Ledger owns bookings and their line items. Every slot reservation a detail
// holds is taken through the SlotService so the increment/decrement pairing
// stays in one place.
type Ledger struct {
	repo  Repository
	slots *SlotService
	log   *zap.Logger
}

func NewLedger(repo Repository, slots *SlotService, log *zap.Logger) *Ledger {
	return &Ledger{repo: repo, slots: slots, log: log}
}

// CreateBooking opens an empty cart for the account.
func (l *Ledger) CreateBooking(ctx context.Context, accountID uuid.UUID) (*Booking, error) {
	if _, err := l.repo.GetAccountByID(ctx, accountID); err != nil {
		return nil, err
	}

	b, err := l.repo.CreateBooking(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("create booking: %w", err)
	}

	logEvent(ctx, l.repo, l.log, b.ID, EventBookingCreated, map[string]any{
		"account_id": accountID.String(),
	})

	return b, nil
}

func (l *Ledger) GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return l.repo.GetBookingByID(ctx, id)
}

func (l *Ledger) ListDetails(ctx context.Context, bookingID uuid.UUID) ([]BookingDetail, error) {
	if _, err := l.repo.GetBookingByID(ctx, bookingID); err != nil {
		return nil, err
	}
	return l.repo.ListDetailsByBooking(ctx, bookingID)
}

// AddDetail reserves capacity for (service, date, shift) and persists a line
// item bound to that slot. If the slot is full the whole operation fails
// with ErrCapacityExhausted and nothing is persisted. If persisting the
// detail fails after the reservation was taken, the reservation is released
// again so no capacity leaks.
func (l *Ledger) AddDetail(ctx context.Context, bookingID uuid.UUID, key SlotKey, patient PatientInfo) (*BookingDetail, error) {
	b, err := l.repo.GetBookingByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != BookingUnpaid {
		return nil, ErrBookingNotOpen
	}

	svc, err := l.repo.GetServiceByID(ctx, key.ServiceID)
	if err != nil {
		return nil, err
	}

	slot, err := l.slots.FindOrCreate(ctx, key)
	if err != nil {
		return nil, err
	}

	ok, err := l.slots.Increment(ctx, slot.ID)
	if err != nil {
		return nil, fmt.Errorf("reserve slot: %w", err)
	}
	if !ok {
		return nil, ErrCapacityExhausted
	}

	slotID := slot.ID
	detail := &BookingDetail{
		BookingID: bookingID,
		ServiceID: svc.ID,
		SlotID:    &slotID,
		Patient:   patient,
		Status:    DetailUnpaid,
		Price:     svc.Price,
	}

	if err := l.repo.CreateDetail(ctx, detail); err != nil {
		// Compensate the reservation we just took.
		if _, decErr := l.slots.Decrement(ctx, slot.ID); decErr != nil {
			l.log.Error("failed to release reservation after detail create error",
				zap.String("slot_id", slot.ID.String()),
				zap.Error(decErr),
			)
		}
		return nil, err
	}

	logEvent(ctx, l.repo, l.log, bookingID, EventDetailAdded, map[string]any{
		"detail_id":  detail.ID.String(),
		"service_id": svc.ID.String(),
		"slot_id":    slot.ID.String(),
		"price":      svc.Price,
	})

	return detail, nil
}

// RemoveDetail deletes a line item and releases its slot reservation. When
// the last detail goes, the now-empty booking is deleted with it.
func (l *Ledger) RemoveDetail(ctx context.Context, detailID uuid.UUID) error {
	detail, err := l.repo.GetDetailByID(ctx, detailID)
	if err != nil {
		return err
	}

	if err := l.repo.DeleteDetail(ctx, detailID); err != nil {
		return err
	}

	if detail.SlotID != nil && detail.Status.HoldsReservation() {
		if _, err := l.slots.Decrement(ctx, *detail.SlotID); err != nil {
			l.log.Error("failed to release reservation for removed detail",
				zap.String("detail_id", detailID.String()),
				zap.String("slot_id", detail.SlotID.String()),
				zap.Error(err),
			)
		}
	}

	logEvent(ctx, l.repo, l.log, detail.BookingID, EventDetailRemoved, map[string]any{
		"detail_id": detailID.String(),
	})

	remaining, err := l.repo.CountDetailsByBooking(ctx, detail.BookingID)
	if err != nil {
		return fmt.Errorf("count remaining details: %w", err)
	}
	if remaining == 0 {
		// Only unpaid carts vanish with their last item; a paid booking keeps
		// its header (and its payment row).
		b, err := l.repo.GetBookingByID(ctx, detail.BookingID)
		if err != nil {
			if errors.Is(err, ErrBookingNotFound) {
				return nil
			}
			return err
		}
		if b.Status != BookingUnpaid {
			return nil
		}
		if err := l.repo.DeleteBooking(ctx, detail.BookingID); err != nil && !errors.Is(err, ErrBookingNotFound) {
			return fmt.Errorf("delete empty booking: %w", err)
		}
	}

	return nil
}

// CancelBooking releases every unpaid reservation and deletes the booking
// with its details. Only unpaid bookings can be cancelled this way.
func (l *Ledger) CancelBooking(ctx context.Context, bookingID uuid.UUID) error {
	b, err := l.repo.GetBookingByID(ctx, bookingID)
	if err != nil {
		return err
	}
	if b.Status != BookingUnpaid {
		return ErrBookingNotOpen
	}

	details, err := l.repo.ListDetailsByBooking(ctx, bookingID)
	if err != nil {
		return err
	}

	for _, d := range details {
		if d.SlotID == nil || !d.Status.HoldsReservation() {
			continue
		}
		if _, err := l.slots.Decrement(ctx, *d.SlotID); err != nil {
			l.log.Error("failed to release reservation during cancel",
				zap.String("booking_id", bookingID.String()),
				zap.String("slot_id", d.SlotID.String()),
				zap.Error(err),
			)
		}
	}

	if err := l.repo.DeleteBooking(ctx, bookingID); err != nil {
		return err
	}

	logEvent(ctx, l.repo, l.log, bookingID, EventBookingCancelled, map[string]any{
		"details": len(details),
	})

	return nil
}

// SetDetailStatus applies one staff-driven transition, validated against the
// detail state machine. Illegal transitions are rejected, not overwritten.
func (l *Ledger) SetDetailStatus(ctx context.Context, detailID uuid.UUID, to DetailStatus) (*BookingDetail, error) {
	if !to.Valid() {
		return nil, ErrInvalidTransition
	}

	detail, err := l.repo.GetDetailByID(ctx, detailID)
	if err != nil {
		return nil, err
	}
	if !detail.Status.CanTransition(to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, detail.Status, to)
	}

	ok, err := l.repo.UpdateDetailStatus(ctx, detailID, detail.Status, to)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost a race with another writer; the caller can re-read and retry.
		return nil, fmt.Errorf("%w: detail status changed concurrently", ErrInvalidTransition)
	}

	// A cancelled detail stops consuming its slot. The CAS above succeeded
	// exactly once, so this releases at most once per detail.
	if to == DetailCancelled && detail.SlotID != nil && detail.Status.HoldsReservation() {
		if _, err := l.slots.Decrement(ctx, *detail.SlotID); err != nil {
			l.log.Error("failed to release reservation for cancelled detail",
				zap.String("detail_id", detailID.String()),
				zap.String("slot_id", detail.SlotID.String()),
				zap.Error(err),
			)
		}
	}

	detail.Status = to
	return detail, nil
}

// SetStatusByBooking transitions the booking header and all details still in
// the from status. Used by payment reconciliation and staff bulk updates.
func (l *Ledger) SetStatusByBooking(ctx context.Context, bookingID uuid.UUID, from, to BookingStatus) error {
	b, err := l.repo.GetBookingByID(ctx, bookingID)
	if err != nil {
		return err
	}
	if !b.Status.CanTransition(to) && b.Status != to {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, to)
	}

	if _, err := l.repo.UpdateBookingStatus(ctx, bookingID, from, to); err != nil {
		return err
	}

	// Snapshot which details the bulk update will flip, so a move into
	// cancelled can release exactly those reservations afterwards.
	var toRelease []uuid.UUID
	if to == BookingCancelled {
		details, err := l.repo.ListDetailsByBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		for _, d := range details {
			if d.Status == DetailStatus(from) && d.SlotID != nil && d.Status.HoldsReservation() {
				toRelease = append(toRelease, *d.SlotID)
			}
		}
	}

	if _, err := l.repo.UpdateDetailStatusByBooking(ctx, bookingID, DetailStatus(from), DetailStatus(to)); err != nil {
		return err
	}

	for _, slotID := range toRelease {
		if _, err := l.slots.Decrement(ctx, slotID); err != nil {
			l.log.Error("failed to release reservation during bulk cancel",
				zap.String("booking_id", bookingID.String()),
				zap.String("slot_id", slotID.String()),
				zap.Error(err),
			)
		}
	}
	return nil
}
