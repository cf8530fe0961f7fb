package booking

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	redisclient "github.com/medisched/clinic-booking/internal/redis"
)

// SweepLockName is the Redis lock key shared by all sweeper replicas.
const SweepLockName = "booking-sweep"

// Sweeper reclaims bookings left unpaid past the grace period: each such
// booking has its slot reservations released and is marked expired. One
// booking's failure never aborts the pass for the rest.
type Sweeper struct {
	repo   Repository
	locker redisclient.Locker
	log    *zap.Logger
	grace  time.Duration

	// now is swappable so tests can drive the cutoff directly.
	now func() time.Time
}

func NewSweeper(repo Repository, locker redisclient.Locker, log *zap.Logger, grace time.Duration) *Sweeper {
	return &Sweeper{
		repo:   repo,
		locker: locker,
		log:    log,
		grace:  grace,
		now:    time.Now,
	}
}

// SweepStats summarizes one pass.
type SweepStats struct {
	Candidates    int
	Expired       int
	SlotsReleased int
	Failures      int
}

// Run executes one pass under the shared lock. When another replica holds
// the lock the pass is skipped, it will be retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	err := s.locker.WithLock(ctx, SweepLockName, func(lockCtx context.Context) error {
		var sweepErr error
		stats, sweepErr = s.Sweep(lockCtx)
		return sweepErr
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		s.log.Debug("sweep skipped, another instance holds the lock")
		return stats, nil
	}
	return stats, err
}

// Sweep reclaims every booking unpaid for longer than the grace period.
// Each booking is expired in its own claim-then-process transaction, so a
// crashed or concurrent pass can rerun over the same candidates without
// double-releasing any reservation.
func (s *Sweeper) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	cutoff := s.now().Add(-s.grace)
	candidates, err := s.repo.FindUnpaidBookingsBefore(ctx, cutoff)
	if err != nil {
		return stats, err
	}
	stats.Candidates = len(candidates)

	for _, b := range candidates {
		res, err := s.repo.ExpireBooking(ctx, b.ID)
		if err != nil {
			stats.Failures++
			s.log.Error("failed to expire booking, continuing sweep",
				zap.String("booking_id", b.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if !res.Claimed {
			// Paid or already expired since the candidate query ran.
			continue
		}

		stats.Expired++
		stats.SlotsReleased += res.SlotsReleased

		logEvent(ctx, s.repo, s.log, b.ID, EventBookingExpired, map[string]any{
			"details_marked": res.DetailsMarked,
			"slots_released": res.SlotsReleased,
			"cutoff":         cutoff,
		})
	}

	if stats.Candidates > 0 {
		s.log.Info("sweep pass complete",
			zap.Int("candidates", stats.Candidates),
			zap.Int("expired", stats.Expired),
			zap.Int("slots_released", stats.SlotsReleased),
			zap.Int("failures", stats.Failures),
		)
	}

	return stats, nil
}
