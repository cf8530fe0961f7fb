package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrCapacityExhausted = errors.New("slot has no remaining capacity")
	ErrSlotInUse         = errors.New("slot is referenced by existing bookings")
	ErrInvalidShift      = errors.New("shift must be AM or PM")
)

// SlotService owns slot lifecycle and is the single entry point for
// capacity reservation and release.
type SlotService struct {
	repo Repository
	log  *zap.Logger

	// now is swappable so slot generation can be pinned in tests.
	now func() time.Time
}

func NewSlotService(repo Repository, log *zap.Logger) *SlotService {
	return &SlotService{repo: repo, log: log, now: time.Now}
}

// normalizeDate strips the time-of-day so the (service, date, shift) key is
// stable regardless of how callers build the time value.
func normalizeDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// nextMonday returns the Monday strictly after the week containing now.
func nextMonday(now time.Time) time.Time {
	d := normalizeDate(now)
	offset := (8 - int(d.Weekday())) % 7
	if offset == 0 {
		offset = 7
	}
	return d.AddDate(0, 0, offset)
}

// FindOrCreate returns the slot for the triple, creating it with the default
// capacity on first use. Concurrent callers for the same triple are
// serialized by the unique constraint; losing the insert race is fine, the
// follow-up read sees the winner's row.
func (s *SlotService) FindOrCreate(ctx context.Context, key SlotKey) (*Slot, error) {
	if !key.Shift.Valid() {
		return nil, ErrInvalidShift
	}
	key.Date = normalizeDate(key.Date)

	slot, err := s.repo.FindSlotByKey(ctx, key)
	if err == nil {
		return slot, nil
	}
	if !errors.Is(err, ErrSlotNotFound) {
		return nil, fmt.Errorf("find slot: %w", err)
	}

	if _, err := s.repo.InsertSlotIfAbsent(ctx, key, DefaultSlotCapacity); err != nil {
		return nil, err
	}

	slot, err = s.repo.FindSlotByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reload slot after create: %w", err)
	}
	return slot, nil
}

// GenerateForUpcomingWeeks pre-creates AM/PM slots for the next `weeks`
// calendar weeks of business days (Mon–Sat), starting at the next Monday.
// Existing slots are skipped, so re-running over a populated range is a
// no-op. Returns the number of slots actually created.
func (s *SlotService) GenerateForUpcomingWeeks(ctx context.Context, serviceID uuid.UUID, weeks, maxQuantity int) (int, error) {
	if weeks <= 0 {
		return 0, errors.New("weeks must be positive")
	}
	if maxQuantity <= 0 {
		maxQuantity = DefaultSlotCapacity
	}

	if _, err := s.repo.GetServiceByID(ctx, serviceID); err != nil {
		return 0, err
	}

	start := nextMonday(s.now())
	created := 0

	for w := 0; w < weeks; w++ {
		for day := 0; day < 6; day++ { // Mon–Sat
			date := start.AddDate(0, 0, w*7+day)
			for _, shift := range Shifts {
				key := SlotKey{ServiceID: serviceID, Date: date, Shift: shift}
				ok, err := s.repo.InsertSlotIfAbsent(ctx, key, maxQuantity)
				if err != nil {
					return created, fmt.Errorf("generate slot %s %s: %w", date.Format("2006-01-02"), shift, err)
				}
				if ok {
					created++
				}
			}
		}
	}

	s.log.Info("slot generation complete",
		zap.String("service_id", serviceID.String()),
		zap.Int("weeks", weeks),
		zap.Int("created", created),
	)

	return created, nil
}

// Get returns the slot by id.
func (s *SlotService) Get(ctx context.Context, slotID uuid.UUID) (*Slot, error) {
	return s.repo.GetSlotByID(ctx, slotID)
}

// Delete removes a slot that no booking detail references. Referenced slots
// are refused with ErrSlotInUse and left untouched.
func (s *SlotService) Delete(ctx context.Context, slotID uuid.UUID) error {
	if _, err := s.repo.GetSlotByID(ctx, slotID); err != nil {
		return err
	}

	count, err := s.repo.CountDetailsForSlot(ctx, slotID)
	if err != nil {
		return fmt.Errorf("count slot references: %w", err)
	}
	if count > 0 {
		return ErrSlotInUse
	}

	return s.repo.DeleteSlot(ctx, slotID)
}

// Increment reserves one unit of the slot's capacity. A false return means
// the slot is full; nothing was changed and the caller must not persist a
// reservation.
func (s *SlotService) Increment(ctx context.Context, slotID uuid.UUID) (bool, error) {
	ok, err := s.repo.IncrementSlotUsage(ctx, slotID)
	if err != nil {
		return false, err
	}
	if !ok {
		// Distinguish "full" from "missing" for the caller.
		if _, getErr := s.repo.GetSlotByID(ctx, slotID); getErr != nil {
			return false, getErr
		}
	}
	return ok, nil
}

// Decrement releases one unit. A false return means the counter was already
// at zero; the double release is swallowed, not an error.
func (s *SlotService) Decrement(ctx context.Context, slotID uuid.UUID) (bool, error) {
	ok, err := s.repo.DecrementSlotUsage(ctx, slotID)
	if err != nil {
		return false, err
	}
	if !ok {
		s.log.Warn("decrement on empty slot ignored", zap.String("slot_id", slotID.String()))
	}
	return ok, nil
}

// HasCapacity is an advisory read. It must not be used as a reservation;
// only Increment actually claims capacity.
func (s *SlotService) HasCapacity(ctx context.Context, slotID uuid.UUID) (bool, error) {
	slot, err := s.repo.GetSlotByID(ctx, slotID)
	if err != nil {
		return false, err
	}
	return slot.CurrentQuantity < slot.MaxQuantity, nil
}
