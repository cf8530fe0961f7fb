package booking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	redisclient "github.com/medisched/clinic-booking/internal/redis"
)

// fakeLocker satisfies redisclient.Locker without a Redis server.
type fakeLocker struct {
	held  bool // simulate another replica holding the lock
	calls int
}

func (l *fakeLocker) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	l.calls++
	if l.held {
		return redisclient.ErrLockNotAcquired
	}
	return fn(ctx)
}

type sweeperFixture struct {
	repo    *MemoryRepository
	slots   *SlotService
	ledger  *Ledger
	locker  *fakeLocker
	sweeper *Sweeper
	account *Account
	service *MedicalService
}

func newSweeperFixture(t *testing.T, grace time.Duration) *sweeperFixture {
	t.Helper()
	repo := NewMemoryRepository()
	log := zap.NewNop()
	slots := NewSlotService(repo, log)
	locker := &fakeLocker{}
	return &sweeperFixture{
		repo:    repo,
		slots:   slots,
		ledger:  NewLedger(repo, slots, log),
		locker:  locker,
		sweeper: NewSweeper(repo, locker, log, grace),
		account: repo.AddAccount(Account{Name: "Bea"}),
		service: repo.AddService(MedicalService{Name: "Blood Panel", Price: 180_000}),
	}
}

func (f *sweeperFixture) agedBooking(t *testing.T, age time.Duration, details int) *Booking {
	t.Helper()
	ctx := context.Background()
	b, err := f.ledger.CreateBooking(ctx, f.account.ID)
	require.NoError(t, err)
	for i := 0; i < details; i++ {
		_, err := f.ledger.AddDetail(ctx, b.ID,
			SlotKey{ServiceID: f.service.ID, Date: day(2024, 6, 10+i), Shift: ShiftAM}, somePatient)
		require.NoError(t, err)
	}
	f.repo.SetBookingCreatedAt(b.ID, time.Now().Add(-age))
	return b
}

func (f *sweeperFixture) slotUsage(t *testing.T, date time.Time) int {
	t.Helper()
	slot, err := f.repo.FindSlotByKey(context.Background(),
		SlotKey{ServiceID: f.service.ID, Date: date, Shift: ShiftAM})
	require.NoError(t, err)
	return slot.CurrentQuantity
}

func TestSweepExpiresOverdueBooking(t *testing.T) {
	f := newSweeperFixture(t, 30*time.Minute)
	ctx := context.Background()
	b := f.agedBooking(t, time.Hour, 2)

	stats, err := f.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Candidates)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, 2, stats.SlotsReleased)
	assert.Equal(t, 0, stats.Failures)

	got, err := f.repo.GetBookingByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, BookingExpired, got.Status)

	details, err := f.repo.ListDetailsByBooking(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, details, 2)
	for _, d := range details {
		assert.Equal(t, DetailExpired, d.Status)
	}

	assert.Equal(t, 0, f.slotUsage(t, day(2024, 6, 10)))
	assert.Equal(t, 0, f.slotUsage(t, day(2024, 6, 11)))
}

func TestSweepLeavesFreshBookingAlone(t *testing.T) {
	f := newSweeperFixture(t, 30*time.Minute)
	ctx := context.Background()
	b := f.agedBooking(t, 5*time.Minute, 1)

	stats, err := f.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Candidates)

	got, err := f.repo.GetBookingByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, BookingUnpaid, got.Status)
	assert.Equal(t, 1, f.slotUsage(t, day(2024, 6, 10)))
}

func TestSweepSkipsPaidBooking(t *testing.T) {
	f := newSweeperFixture(t, 30*time.Minute)
	ctx := context.Background()
	b := f.agedBooking(t, time.Hour, 1)

	reconciler := NewReconciler(f.repo, zap.NewNop())
	require.NoError(t, reconciler.Reconcile(ctx, GatewayOutcome{
		BookingID:     b.ID,
		TransactionID: "txn-paid",
		Amount:        180_000,
		Success:       true,
	}))

	stats, err := f.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Expired)
	assert.Equal(t, 1, f.slotUsage(t, day(2024, 6, 10)), "paid reservation must survive the sweep")
}

func TestSweepSkipsBookingWithCapturedPayment(t *testing.T) {
	f := newSweeperFixture(t, 30*time.Minute)
	ctx := context.Background()
	b := f.agedBooking(t, time.Hour, 1)

	// Payment captured but the callback died before flipping the status.
	// The reservation is sold; the sweeper must not reclaim it.
	created, err := f.repo.InsertPaymentIfAbsent(ctx, &Payment{
		BookingID: b.ID, TransactionID: "txn-captured", Amount: 180_000,
	})
	require.NoError(t, err)
	require.True(t, created)

	stats, err := f.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Candidates)
	assert.Equal(t, 0, stats.Expired)

	got, err := f.repo.GetBookingByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, BookingUnpaid, got.Status)
	assert.Equal(t, 1, f.slotUsage(t, day(2024, 6, 10)))

	// The gateway retry then completes the booking.
	reconciler := NewReconciler(f.repo, zap.NewNop())
	require.NoError(t, reconciler.Reconcile(ctx, GatewayOutcome{
		BookingID: b.ID, TransactionID: "txn-captured", Amount: 180_000, Success: true,
	}))
	got, err = f.repo.GetBookingByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, BookingPaid, got.Status)
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newSweeperFixture(t, 30*time.Minute)
	ctx := context.Background()
	f.agedBooking(t, time.Hour, 1)

	stats, err := f.sweeper.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Expired)

	// The second pass finds no unpaid candidates and releases nothing.
	stats, err = f.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Candidates)
	assert.Equal(t, 0, stats.SlotsReleased)
	assert.Equal(t, 0, f.slotUsage(t, day(2024, 6, 10)))
}

func TestSweepFakeClockDrivesCutoff(t *testing.T) {
	f := newSweeperFixture(t, 30*time.Minute)
	ctx := context.Background()
	b := f.agedBooking(t, 0, 1)

	stats, err := f.sweeper.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Candidates)

	// Jump the clock past the grace period instead of backdating the row.
	f.sweeper.now = func() time.Time { return time.Now().Add(time.Hour) }

	stats, err = f.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)

	got, err := f.repo.GetBookingByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, BookingExpired, got.Status)
}

func TestSweepIsolatesPerBookingFailures(t *testing.T) {
	f := newSweeperFixture(t, 30*time.Minute)
	ctx := context.Background()
	bad := f.agedBooking(t, time.Hour, 1)
	good := f.agedBooking(t, time.Hour, 1)

	f.repo.ExpireBookingErr = func(bookingID uuid.UUID) error {
		if bookingID == bad.ID {
			return errors.New("connection reset")
		}
		return nil
	}

	stats, err := f.sweeper.Run(ctx)
	require.NoError(t, err, "one bad booking must not fail the pass")
	assert.Equal(t, 2, stats.Candidates)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, 1, stats.Failures)

	got, err := f.repo.GetBookingByID(ctx, good.ID)
	require.NoError(t, err)
	assert.Equal(t, BookingExpired, got.Status)

	still, err := f.repo.GetBookingByID(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, BookingUnpaid, still.Status, "failed booking is retried next pass")
}

func TestRunSkipsWhenLockHeld(t *testing.T) {
	f := newSweeperFixture(t, 30*time.Minute)
	f.agedBooking(t, time.Hour, 1)
	f.locker.held = true

	stats, err := f.sweeper.Run(context.Background())
	require.NoError(t, err, "a held lock is not an error")
	assert.Equal(t, 0, stats.Candidates)
	assert.Equal(t, 1, f.locker.calls)

	got := f.slotUsage(t, day(2024, 6, 10))
	assert.Equal(t, 1, got, "nothing swept while another replica holds the lock")
}
