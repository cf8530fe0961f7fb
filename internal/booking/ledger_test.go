package booking

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type ledgerFixture struct {
	repo    *MemoryRepository
	slots   *SlotService
	ledger  *Ledger
	account *Account
	service *MedicalService
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	repo := NewMemoryRepository()
	log := zap.NewNop()
	slots := NewSlotService(repo, log)
	return &ledgerFixture{
		repo:    repo,
		slots:   slots,
		ledger:  NewLedger(repo, slots, log),
		account: repo.AddAccount(Account{Name: "Ann"}),
		service: repo.AddService(MedicalService{Name: "Blood Panel", Price: 480_000}),
	}
}

func (f *ledgerFixture) key(d time.Time, shift Shift) SlotKey {
	return SlotKey{ServiceID: f.service.ID, Date: d, Shift: shift}
}

var somePatient = PatientInfo{
	Name:   "Bao Tran",
	DOB:    time.Date(1990, 4, 2, 0, 0, 0, 0, time.UTC),
	Phone:  "0912345678",
	Gender: "female",
}

func TestCreateBooking(t *testing.T) {
	f := newLedgerFixture(t)

	b, err := f.ledger.CreateBooking(context.Background(), f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, BookingUnpaid, b.Status)
	assert.Equal(t, f.account.ID, b.AccountID)
}

func TestCreateBookingUnknownAccount(t *testing.T) {
	f := newLedgerFixture(t)

	_, err := f.ledger.CreateBooking(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestAddDetailReservesCapacity(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	b, err := f.ledger.CreateBooking(ctx, f.account.ID)
	require.NoError(t, err)

	detail, err := f.ledger.AddDetail(ctx, b.ID, f.key(day(2024, 6, 10), ShiftAM), somePatient)
	require.NoError(t, err)

	assert.Equal(t, DetailUnpaid, detail.Status)
	assert.Equal(t, f.service.Price, detail.Price, "price is snapshotted from the catalog")
	require.NotNil(t, detail.SlotID)

	slot, err := f.slots.Get(ctx, *detail.SlotID)
	require.NoError(t, err)
	assert.Equal(t, 1, slot.CurrentQuantity)
}

func TestAddDetailDeniedWhenFull(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	slot, err := f.slots.FindOrCreate(ctx, f.key(day(2024, 6, 10), ShiftAM))
	require.NoError(t, err)
	for i := 0; i < DefaultSlotCapacity; i++ {
		ok, err := f.slots.Increment(ctx, slot.ID)
		require.NoError(t, err)
		require.True(t, ok)
	}

	b, err := f.ledger.CreateBooking(ctx, f.account.ID)
	require.NoError(t, err)

	_, err = f.ledger.AddDetail(ctx, b.ID, f.key(day(2024, 6, 10), ShiftAM), somePatient)
	assert.ErrorIs(t, err, ErrCapacityExhausted)

	details, err := f.repo.ListDetailsByBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, details, "no detail may be persisted on capacity denial")

	after, err := f.slots.Get(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, DefaultSlotCapacity, after.CurrentQuantity, "denied add must not change the counter")
}

func TestAddDetailToNonOpenBooking(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	b, err := f.ledger.CreateBooking(ctx, f.account.ID)
	require.NoError(t, err)
	_, err = f.repo.UpdateBookingStatus(ctx, b.ID, BookingUnpaid, BookingPaid)
	require.NoError(t, err)

	_, err = f.ledger.AddDetail(ctx, b.ID, f.key(day(2024, 6, 10), ShiftAM), somePatient)
	assert.ErrorIs(t, err, ErrBookingNotOpen)
}

func TestRemoveDetailReleasesReservationAndDeletesEmptyBooking(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	b, err := f.ledger.CreateBooking(ctx, f.account.ID)
	require.NoError(t, err)

	key := f.key(day(2024, 6, 10), ShiftAM)

	// Three prior reservations on the same slot from other carts.
	slot, err := f.slots.FindOrCreate(ctx, key)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		ok, err := f.slots.Increment(ctx, slot.ID)
		require.NoError(t, err)
		require.True(t, ok)
	}

	detail, err := f.ledger.AddDetail(ctx, b.ID, key, somePatient)
	require.NoError(t, err)

	before, err := f.slots.Get(ctx, slot.ID)
	require.NoError(t, err)
	require.Equal(t, 3, before.CurrentQuantity)

	require.NoError(t, f.ledger.RemoveDetail(ctx, detail.ID))

	after, err := f.slots.Get(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, after.CurrentQuantity)

	_, err = f.ledger.GetBooking(ctx, b.ID)
	assert.ErrorIs(t, err, ErrBookingNotFound, "emptied booking is deleted")
}

func TestRemoveOneOfTwoDetailsKeepsBooking(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	b, err := f.ledger.CreateBooking(ctx, f.account.ID)
	require.NoError(t, err)

	d1, err := f.ledger.AddDetail(ctx, b.ID, f.key(day(2024, 6, 10), ShiftAM), somePatient)
	require.NoError(t, err)
	_, err = f.ledger.AddDetail(ctx, b.ID, f.key(day(2024, 6, 11), ShiftPM), somePatient)
	require.NoError(t, err)

	require.NoError(t, f.ledger.RemoveDetail(ctx, d1.ID))

	_, err = f.ledger.GetBooking(ctx, b.ID)
	assert.NoError(t, err)

	remaining, err := f.repo.CountDetailsByBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, remaining)
}

func TestCancelBookingReleasesEverything(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	b, err := f.ledger.CreateBooking(ctx, f.account.ID)
	require.NoError(t, err)

	d1, err := f.ledger.AddDetail(ctx, b.ID, f.key(day(2024, 6, 10), ShiftAM), somePatient)
	require.NoError(t, err)
	d2, err := f.ledger.AddDetail(ctx, b.ID, f.key(day(2024, 6, 11), ShiftPM), somePatient)
	require.NoError(t, err)

	require.NoError(t, f.ledger.CancelBooking(ctx, b.ID))

	for _, slotID := range []uuid.UUID{*d1.SlotID, *d2.SlotID} {
		slot, err := f.slots.Get(ctx, slotID)
		require.NoError(t, err)
		assert.Equal(t, 0, slot.CurrentQuantity)
	}

	_, err = f.ledger.GetBooking(ctx, b.ID)
	assert.ErrorIs(t, err, ErrBookingNotFound)
}

func TestCancelPaidBookingRefused(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	b, err := f.ledger.CreateBooking(ctx, f.account.ID)
	require.NoError(t, err)
	_, err = f.repo.UpdateBookingStatus(ctx, b.ID, BookingUnpaid, BookingPaid)
	require.NoError(t, err)

	err = f.ledger.CancelBooking(ctx, b.ID)
	assert.ErrorIs(t, err, ErrBookingNotOpen)
}

func TestCancelDetailReleasesReservation(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	b, err := f.ledger.CreateBooking(ctx, f.account.ID)
	require.NoError(t, err)
	detail, err := f.ledger.AddDetail(ctx, b.ID, f.key(day(2024, 6, 10), ShiftAM), somePatient)
	require.NoError(t, err)

	updated, err := f.ledger.SetDetailStatus(ctx, detail.ID, DetailCancelled)
	require.NoError(t, err)
	assert.Equal(t, DetailCancelled, updated.Status)

	slot, err := f.slots.Get(ctx, *detail.SlotID)
	require.NoError(t, err)
	assert.Equal(t, 0, slot.CurrentQuantity, "cancelling in place must release the unit")

	// Removing the already-cancelled detail must not release a second time.
	require.NoError(t, f.ledger.RemoveDetail(ctx, detail.ID))
	slot, err = f.slots.Get(ctx, *detail.SlotID)
	require.NoError(t, err)
	assert.Equal(t, 0, slot.CurrentQuantity)
}

func TestRemovePaidDetailReleasesReservation(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	b, err := f.ledger.CreateBooking(ctx, f.account.ID)
	require.NoError(t, err)
	d1, err := f.ledger.AddDetail(ctx, b.ID, f.key(day(2024, 6, 10), ShiftAM), somePatient)
	require.NoError(t, err)
	d2, err := f.ledger.AddDetail(ctx, b.ID, f.key(day(2024, 6, 11), ShiftPM), somePatient)
	require.NoError(t, err)

	require.NoError(t, f.ledger.SetStatusByBooking(ctx, b.ID, BookingUnpaid, BookingPaid))

	require.NoError(t, f.ledger.RemoveDetail(ctx, d1.ID))

	slot, err := f.slots.Get(ctx, *d1.SlotID)
	require.NoError(t, err)
	assert.Equal(t, 0, slot.CurrentQuantity, "a removed paid detail gives its unit back")

	// The sibling detail's reservation is untouched.
	slot, err = f.slots.Get(ctx, *d2.SlotID)
	require.NoError(t, err)
	assert.Equal(t, 1, slot.CurrentQuantity)
}

func TestRemoveExpiredDetailDoesNotDoubleRelease(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	b, err := f.ledger.CreateBooking(ctx, f.account.ID)
	require.NoError(t, err)
	detail, err := f.ledger.AddDetail(ctx, b.ID, f.key(day(2024, 6, 10), ShiftAM), somePatient)
	require.NoError(t, err)

	res, err := f.repo.ExpireBooking(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, res.Claimed)
	require.Equal(t, 1, res.SlotsReleased)

	require.NoError(t, f.ledger.RemoveDetail(ctx, detail.ID))

	slot, err := f.slots.Get(ctx, *detail.SlotID)
	require.NoError(t, err)
	assert.Equal(t, 0, slot.CurrentQuantity, "expiry already released the unit")
}

func TestSetDetailStatusValidatesTransitions(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	b, err := f.ledger.CreateBooking(ctx, f.account.ID)
	require.NoError(t, err)
	detail, err := f.ledger.AddDetail(ctx, b.ID, f.key(day(2024, 6, 10), ShiftAM), somePatient)
	require.NoError(t, err)

	// unpaid -> confirmed skips paid and must be rejected.
	_, err = f.ledger.SetDetailStatus(ctx, detail.ID, DetailConfirmed)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := f.repo.GetDetailByID(ctx, detail.ID)
	require.NoError(t, err)
	assert.Equal(t, DetailUnpaid, got.Status, "rejected transition must not overwrite")

	// Walk the legal chain.
	for _, next := range []DetailStatus{DetailPaid, DetailConfirmed, DetailTested, DetailHasResult} {
		updated, err := f.ledger.SetDetailStatus(ctx, detail.ID, next)
		require.NoError(t, err)
		assert.Equal(t, next, updated.Status)
	}
}

func TestSetStatusByBooking(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	b, err := f.ledger.CreateBooking(ctx, f.account.ID)
	require.NoError(t, err)
	_, err = f.ledger.AddDetail(ctx, b.ID, f.key(day(2024, 6, 10), ShiftAM), somePatient)
	require.NoError(t, err)
	_, err = f.ledger.AddDetail(ctx, b.ID, f.key(day(2024, 6, 10), ShiftPM), somePatient)
	require.NoError(t, err)

	require.NoError(t, f.ledger.SetStatusByBooking(ctx, b.ID, BookingUnpaid, BookingPaid))

	got, err := f.ledger.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, BookingPaid, got.Status)

	details, err := f.repo.ListDetailsByBooking(ctx, b.ID)
	require.NoError(t, err)
	for _, d := range details {
		assert.Equal(t, DetailPaid, d.Status)
	}
}

func TestSetStatusByBookingCancelledReleasesReservations(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	b, err := f.ledger.CreateBooking(ctx, f.account.ID)
	require.NoError(t, err)
	d1, err := f.ledger.AddDetail(ctx, b.ID, f.key(day(2024, 6, 10), ShiftAM), somePatient)
	require.NoError(t, err)
	d2, err := f.ledger.AddDetail(ctx, b.ID, f.key(day(2024, 6, 11), ShiftPM), somePatient)
	require.NoError(t, err)

	require.NoError(t, f.ledger.SetStatusByBooking(ctx, b.ID, BookingUnpaid, BookingCancelled))

	for _, slotID := range []uuid.UUID{*d1.SlotID, *d2.SlotID} {
		slot, err := f.slots.Get(ctx, slotID)
		require.NoError(t, err)
		assert.Equal(t, 0, slot.CurrentQuantity)
	}
}
