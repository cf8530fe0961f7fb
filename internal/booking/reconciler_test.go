package booking

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type reconcilerFixture struct {
	repo       *MemoryRepository
	slots      *SlotService
	ledger     *Ledger
	reconciler *Reconciler
	account    *Account
	service    *MedicalService
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	repo := NewMemoryRepository()
	log := zap.NewNop()
	slots := NewSlotService(repo, log)
	return &reconcilerFixture{
		repo:       repo,
		slots:      slots,
		ledger:     NewLedger(repo, slots, log),
		reconciler: NewReconciler(repo, log),
		account:    repo.AddAccount(Account{Name: "Ann"}),
		service:    repo.AddService(MedicalService{Name: "Ultrasound", Price: 620_000}),
	}
}

func (f *reconcilerFixture) bookWithDetail(t *testing.T) (*Booking, *BookingDetail) {
	t.Helper()
	ctx := context.Background()
	b, err := f.ledger.CreateBooking(ctx, f.account.ID)
	require.NoError(t, err)
	d, err := f.ledger.AddDetail(ctx, b.ID,
		SlotKey{ServiceID: f.service.ID, Date: day(2024, 6, 10), Shift: ShiftAM}, somePatient)
	require.NoError(t, err)
	return b, d
}

func TestReconcileSuccess(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	b, d := f.bookWithDetail(t)

	err := f.reconciler.Reconcile(ctx, GatewayOutcome{
		BookingID:     b.ID,
		TransactionID: "txn-001",
		Amount:        620_000,
		Success:       true,
	})
	require.NoError(t, err)

	got, err := f.repo.GetBookingByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, BookingPaid, got.Status)

	detail, err := f.repo.GetDetailByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, DetailPaid, detail.Status)

	payment, err := f.repo.GetPaymentByBookingID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "txn-001", payment.TransactionID)

	// The committed reservation stays committed.
	slot, err := f.slots.Get(ctx, *d.SlotID)
	require.NoError(t, err)
	assert.Equal(t, 1, slot.CurrentQuantity)
}

func TestReconcileDuplicateCallbackIsNoOp(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	b, d := f.bookWithDetail(t)

	outcome := GatewayOutcome{
		BookingID:     b.ID,
		TransactionID: "txn-dup",
		Amount:        620_000,
		Success:       true,
	}

	require.NoError(t, f.reconciler.Reconcile(ctx, outcome))
	require.NoError(t, f.reconciler.Reconcile(ctx, outcome), "second callback must be a no-op success")

	payment, err := f.repo.GetPaymentByBookingID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "txn-dup", payment.TransactionID)

	slot, err := f.slots.Get(ctx, *d.SlotID)
	require.NoError(t, err)
	assert.Equal(t, 1, slot.CurrentQuantity, "duplicate must not touch the counter")
}

func TestReconcileSecondTransactionIDIsNoOp(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	b, d := f.bookWithDetail(t)

	require.NoError(t, f.reconciler.Reconcile(ctx, GatewayOutcome{
		BookingID: b.ID, TransactionID: "txn-first", Amount: 620_000, Success: true,
	}))

	// A second gateway attempt arrives with a fresh transaction id.
	require.NoError(t, f.reconciler.Reconcile(ctx, GatewayOutcome{
		BookingID: b.ID, TransactionID: "txn-second", Amount: 620_000, Success: true,
	}))

	assert.Len(t, f.repo.payments, 1, "a booking captures at most one payment")

	payment, err := f.repo.GetPaymentByBookingID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "txn-first", payment.TransactionID)

	slot, err := f.slots.Get(ctx, *d.SlotID)
	require.NoError(t, err)
	assert.Equal(t, 1, slot.CurrentQuantity)
}

func TestReconcileRetryCompletesAfterPartialFlip(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	b, d := f.bookWithDetail(t)

	// Callback captured the payment but died before the status flip.
	created, err := f.repo.InsertPaymentIfAbsent(ctx, &Payment{
		BookingID: b.ID, TransactionID: "txn-crash", Amount: 620_000,
	})
	require.NoError(t, err)
	require.True(t, created)

	err = f.reconciler.Reconcile(ctx, GatewayOutcome{
		BookingID: b.ID, TransactionID: "txn-crash", Amount: 620_000, Success: true,
	})
	require.NoError(t, err)

	got, err := f.repo.GetBookingByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, BookingPaid, got.Status, "retry must finish the flip")

	detail, err := f.repo.GetDetailByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, DetailPaid, detail.Status)
	assert.Len(t, f.repo.payments, 1)
}

func TestReconcileFailureLeavesBookingUnpaid(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	b, d := f.bookWithDetail(t)

	err := f.reconciler.Reconcile(ctx, GatewayOutcome{
		BookingID:     b.ID,
		TransactionID: "txn-fail",
		Amount:        620_000,
		Success:       false,
	})
	require.NoError(t, err)

	got, err := f.repo.GetBookingByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, BookingUnpaid, got.Status)

	_, err = f.repo.GetPaymentByBookingID(ctx, b.ID)
	assert.ErrorIs(t, err, ErrPaymentNotFound, "failed outcome must not write a payment")

	slot, err := f.slots.Get(ctx, *d.SlotID)
	require.NoError(t, err)
	assert.Equal(t, 1, slot.CurrentQuantity, "reservation persists for a retry or the sweeper")
}

func TestReconcileExpiredBookingRefused(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	b, _ := f.bookWithDetail(t)

	_, err := f.repo.ExpireBooking(ctx, b.ID)
	require.NoError(t, err)

	err = f.reconciler.Reconcile(ctx, GatewayOutcome{
		BookingID:     b.ID,
		TransactionID: "txn-late",
		Amount:        620_000,
		Success:       true,
	})
	assert.ErrorIs(t, err, ErrBookingNotPayable)

	_, err = f.repo.GetPaymentByBookingID(ctx, b.ID)
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestReconcileUnknownBooking(t *testing.T) {
	f := newReconcilerFixture(t)

	err := f.reconciler.Reconcile(context.Background(), GatewayOutcome{
		BookingID:     uuid.New(),
		TransactionID: "txn-x",
		Success:       true,
	})
	assert.ErrorIs(t, err, ErrBookingNotFound)
}
