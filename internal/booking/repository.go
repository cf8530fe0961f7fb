package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrServiceNotFound = errors.New("service not found")
	ErrSlotNotFound    = errors.New("slot not found")
	ErrBookingNotFound = errors.New("booking not found")
	ErrDetailNotFound  = errors.New("booking detail not found")
	ErrPaymentNotFound = errors.New("payment not found")
)

// SlotKey is the natural identity of a slot.
type SlotKey struct {
	ServiceID uuid.UUID
	Date      time.Time
	Shift     Shift
}

// ExpireResult reports what one transactional expiry did.
type ExpireResult struct {
	Claimed       bool // false when the booking was no longer unpaid
	DetailsMarked int64
	SlotsReleased int
}

// Repository contains all DB interactions needed by the services.
type Repository interface {
	GetAccountByID(ctx context.Context, id uuid.UUID) (*Account, error)
	GetServiceByID(ctx context.Context, id uuid.UUID) (*MedicalService, error)

	// Slots
	GetSlotByID(ctx context.Context, id uuid.UUID) (*Slot, error)
	FindSlotByKey(ctx context.Context, key SlotKey) (*Slot, error)
	// InsertSlotIfAbsent relies on the unique (service_id, slot_date, shift)
	// constraint; returns false without error when the slot already exists.
	InsertSlotIfAbsent(ctx context.Context, key SlotKey, maxQuantity int) (bool, error)
	DeleteSlot(ctx context.Context, id uuid.UUID) error
	CountDetailsForSlot(ctx context.Context, slotID uuid.UUID) (int64, error)

	// Atomic capacity counter. Both are single conditional UPDATEs; the bool
	// is the affected-row check.
	IncrementSlotUsage(ctx context.Context, id uuid.UUID) (bool, error)
	DecrementSlotUsage(ctx context.Context, id uuid.UUID) (bool, error)

	// Bookings
	CreateBooking(ctx context.Context, accountID uuid.UUID) (*Booking, error)
	GetBookingByID(ctx context.Context, id uuid.UUID) (*Booking, error)
	DeleteBooking(ctx context.Context, id uuid.UUID) error
	// UpdateBookingStatus is a compare-and-swap; false means the booking was
	// not in the expected from status.
	UpdateBookingStatus(ctx context.Context, id uuid.UUID, from, to BookingStatus) (bool, error)

	// Details
	CreateDetail(ctx context.Context, d *BookingDetail) error
	GetDetailByID(ctx context.Context, id uuid.UUID) (*BookingDetail, error)
	ListDetailsByBooking(ctx context.Context, bookingID uuid.UUID) ([]BookingDetail, error)
	DeleteDetail(ctx context.Context, id uuid.UUID) error
	CountDetailsByBooking(ctx context.Context, bookingID uuid.UUID) (int64, error)
	UpdateDetailStatus(ctx context.Context, id uuid.UUID, from, to DetailStatus) (bool, error)
	UpdateDetailStatusByBooking(ctx context.Context, bookingID uuid.UUID, from, to DetailStatus) (int64, error)

	// Payments
	// InsertPaymentIfAbsent is idempotent on transaction id; returns false
	// without error when a payment for the transaction already exists.
	InsertPaymentIfAbsent(ctx context.Context, p *Payment) (bool, error)
	GetPaymentByBookingID(ctx context.Context, bookingID uuid.UUID) (*Payment, error)

	// Sweeper
	FindUnpaidBookingsBefore(ctx context.Context, cutoff time.Time) ([]Booking, error)
	// ExpireBooking runs one booking's expiry as a single transaction:
	// claim via CAS unpaid→expired, then mark details and release their
	// slot reservations. Safe to call again for an already-expired booking.
	ExpireBooking(ctx context.Context, bookingID uuid.UUID) (ExpireResult, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
