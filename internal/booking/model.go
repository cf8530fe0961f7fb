package booking

import (
	"time"

	"github.com/google/uuid"
)

// Shift splits a clinic day into two bookable halves.
type Shift string

const (
	ShiftAM Shift = "AM"
	ShiftPM Shift = "PM"
)

// Shifts lists the shifts in the order slots are generated.
var Shifts = []Shift{ShiftAM, ShiftPM}

func (s Shift) Valid() bool {
	return s == ShiftAM || s == ShiftPM
}

// DefaultSlotCapacity is used when a slot is created lazily by a booking
// rather than by the generator.
const DefaultSlotCapacity = 10

// Account is the booking owner. Full account management lives outside this
// core; only the reference is needed here.
type Account struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MedicalService is a bookable clinic service. Details snapshot its price at
// add time so later catalog edits do not change an existing cart.
type MedicalService struct {
	ID        uuid.UUID
	Name      string
	Price     int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Slot is a finite-capacity reservation bucket identified by
// (service, date, shift). CurrentQuantity counts live reservations and is
// only ever changed through the conditional updates in the repository.
type Slot struct {
	ID              uuid.UUID
	ServiceID       uuid.UUID
	Date            time.Time // date only; normalized to midnight UTC
	Shift           Shift
	MaxQuantity     int
	CurrentQuantity int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Remaining reports free capacity as of the last read. Advisory only; a
// reservation must go through IncrementSlotUsage.
func (s *Slot) Remaining() int {
	return s.MaxQuantity - s.CurrentQuantity
}

// Booking is the cart/order header. It owns its details; deleting a booking
// cascades them.
type Booking struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Status    BookingStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PatientInfo identifies the person a detail is booked for. The patient is
// not required to be the account holder.
type PatientInfo struct {
	Name   string
	DOB    time.Time
	Phone  string
	Gender string
}

// BookingDetail is one line item: a service booked for one patient, holding
// at most one slot reservation. A detail with a non-nil SlotID has
// incremented that slot exactly once; removal or expiry decrements exactly
// once.
type BookingDetail struct {
	ID        uuid.UUID
	BookingID uuid.UUID
	ServiceID uuid.UUID
	SlotID    *uuid.UUID
	Patient   PatientInfo
	Status    DetailStatus
	Price     int64 // snapshot of the service price at add time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Payment records a successful gateway callback. Immutable once written;
// TransactionID is unique so a repeated callback cannot write a second row.
type Payment struct {
	ID            uuid.UUID
	BookingID     uuid.UUID
	TransactionID string
	Amount        int64
	CreatedAt     time.Time
}

// GatewayOutcome is the structured result of a payment gateway callback.
// The redirect/signature mechanics happen upstream; only the outcome is
// consumed here.
type GatewayOutcome struct {
	BookingID     uuid.UUID
	TransactionID string
	Amount        int64
	Success       bool
}

// EventLog is an append-only audit row. Writes are best effort and never
// fail the operation that produced them.
type EventLog struct {
	ID        int64
	EventType string
	BookingID *uuid.UUID
	Payload   []byte
	CreatedAt time.Time
}
