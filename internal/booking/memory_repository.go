package booking

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository with the same conditional
// update semantics as the Postgres implementation. It backs the test suites;
// the mutex stands in for the row-level atomicity the database provides.
type MemoryRepository struct {
	mu sync.Mutex

	accounts map[uuid.UUID]*Account
	services map[uuid.UUID]*MedicalService
	slots    map[uuid.UUID]*Slot
	slotKeys map[SlotKey]uuid.UUID
	bookings map[uuid.UUID]*Booking
	details  map[uuid.UUID]*BookingDetail
	payments map[string]*Payment // by transaction id
	events   []EventLog

	// Hooks for fault injection in tests. Nil means no fault.
	ExpireBookingErr func(bookingID uuid.UUID) error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts: make(map[uuid.UUID]*Account),
		services: make(map[uuid.UUID]*MedicalService),
		slots:    make(map[uuid.UUID]*Slot),
		slotKeys: make(map[SlotKey]uuid.UUID),
		bookings: make(map[uuid.UUID]*Booking),
		details:  make(map[uuid.UUID]*BookingDetail),
		payments: make(map[string]*Payment),
	}
}

// Seed helpers

func (m *MemoryRepository) AddAccount(a Account) *Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	m.accounts[a.ID] = &a
	return &a
}

func (m *MemoryRepository) AddService(s MedicalService) *MedicalService {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	m.services[s.ID] = &s
	return &s
}

// SetBookingCreatedAt backdates a booking so sweeper tests can age it.
func (m *MemoryRepository) SetBookingCreatedAt(id uuid.UUID, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bookings[id]; ok {
		b.CreatedAt = t
	}
}

// Events returns a copy of the logged events.
func (m *MemoryRepository) Events() []EventLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EventLog, len(m.events))
	copy(out, m.events)
	return out
}

// Repository implementation

func (m *MemoryRepository) GetAccountByID(_ context.Context, id uuid.UUID) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryRepository) GetServiceByID(_ context.Context, id uuid.UUID) (*MedicalService, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.services[id]
	if !ok {
		return nil, ErrServiceNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryRepository) GetSlotByID(_ context.Context, id uuid.UUID) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryRepository) FindSlotByKey(_ context.Context, key SlotKey) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.slotKeys[key]
	if !ok {
		return nil, ErrSlotNotFound
	}
	cp := *m.slots[id]
	return &cp, nil
}

func (m *MemoryRepository) InsertSlotIfAbsent(_ context.Context, key SlotKey, maxQuantity int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.slotKeys[key]; exists {
		return false, nil
	}
	now := time.Now()
	s := &Slot{
		ID:          uuid.New(),
		ServiceID:   key.ServiceID,
		Date:        key.Date,
		Shift:       key.Shift,
		MaxQuantity: maxQuantity,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.slots[s.ID] = s
	m.slotKeys[key] = s.ID
	return true, nil
}

func (m *MemoryRepository) DeleteSlot(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return ErrSlotNotFound
	}
	delete(m.slotKeys, SlotKey{ServiceID: s.ServiceID, Date: s.Date, Shift: s.Shift})
	delete(m.slots, id)
	return nil
}

func (m *MemoryRepository) CountDetailsForSlot(_ context.Context, slotID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, d := range m.details {
		if d.SlotID != nil && *d.SlotID == slotID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) IncrementSlotUsage(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok || s.CurrentQuantity >= s.MaxQuantity {
		return false, nil
	}
	s.CurrentQuantity++
	s.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryRepository) DecrementSlotUsage(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok || s.CurrentQuantity <= 0 {
		return false, nil
	}
	s.CurrentQuantity--
	s.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryRepository) CreateBooking(_ context.Context, accountID uuid.UUID) (*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	b := &Booking{
		ID:        uuid.New(),
		AccountID: accountID,
		Status:    BookingUnpaid,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.bookings[b.ID] = b
	cp := *b
	return &cp, nil
}

func (m *MemoryRepository) GetBookingByID(_ context.Context, id uuid.UUID) (*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryRepository) DeleteBooking(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[id]; !ok {
		return ErrBookingNotFound
	}
	delete(m.bookings, id)
	for detailID, d := range m.details {
		if d.BookingID == id {
			delete(m.details, detailID)
		}
	}
	return nil
}

func (m *MemoryRepository) UpdateBookingStatus(_ context.Context, id uuid.UUID, from, to BookingStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok || b.Status != from {
		return false, nil
	}
	b.Status = to
	b.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryRepository) CreateDetail(_ context.Context, d *BookingDetail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := time.Now()
	d.CreatedAt = now
	d.UpdatedAt = now
	cp := *d
	m.details[d.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetDetailByID(_ context.Context, id uuid.UUID) (*BookingDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.details[id]
	if !ok {
		return nil, ErrDetailNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryRepository) ListDetailsByBooking(_ context.Context, bookingID uuid.UUID) ([]BookingDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BookingDetail
	for _, d := range m.details {
		if d.BookingID == bookingID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (m *MemoryRepository) DeleteDetail(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.details[id]; !ok {
		return ErrDetailNotFound
	}
	delete(m.details, id)
	return nil
}

func (m *MemoryRepository) CountDetailsByBooking(_ context.Context, bookingID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, d := range m.details {
		if d.BookingID == bookingID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) UpdateDetailStatus(_ context.Context, id uuid.UUID, from, to DetailStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.details[id]
	if !ok || d.Status != from {
		return false, nil
	}
	d.Status = to
	d.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryRepository) UpdateDetailStatusByBooking(_ context.Context, bookingID uuid.UUID, from, to DetailStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, d := range m.details {
		if d.BookingID == bookingID && d.Status == from {
			d.Status = to
			d.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) InsertPaymentIfAbsent(_ context.Context, p *Payment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.payments[p.TransactionID]; exists {
		return false, nil
	}
	// booking_id is unique too; one captured payment per booking.
	for _, q := range m.payments {
		if q.BookingID == p.BookingID {
			return false, nil
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now()
	cp := *p
	m.payments[p.TransactionID] = &cp
	return true, nil
}

func (m *MemoryRepository) GetPaymentByBookingID(_ context.Context, bookingID uuid.UUID) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.BookingID == bookingID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (m *MemoryRepository) FindUnpaidBookingsBefore(_ context.Context, cutoff time.Time) ([]Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Booking
	for _, b := range m.bookings {
		if b.Status != BookingUnpaid || b.CreatedAt.After(cutoff) {
			continue
		}
		// A captured payment excludes the booking from sweeping.
		if m.bookingHasPaymentLocked(b.ID) {
			continue
		}
		out = append(out, *b)
	}
	return out, nil
}

func (m *MemoryRepository) bookingHasPaymentLocked(bookingID uuid.UUID) bool {
	for _, p := range m.payments {
		if p.BookingID == bookingID {
			return true
		}
	}
	return false
}

func (m *MemoryRepository) ExpireBooking(_ context.Context, bookingID uuid.UUID) (ExpireResult, error) {
	if m.ExpireBookingErr != nil {
		if err := m.ExpireBookingErr(bookingID); err != nil {
			return ExpireResult{}, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var res ExpireResult
	b, ok := m.bookings[bookingID]
	if !ok || b.Status != BookingUnpaid {
		return res, nil
	}
	b.Status = BookingExpired
	b.UpdatedAt = time.Now()
	res.Claimed = true

	for _, d := range m.details {
		if d.BookingID != bookingID || d.Status != DetailUnpaid {
			continue
		}
		if d.SlotID != nil {
			if s, ok := m.slots[*d.SlotID]; ok && s.CurrentQuantity > 0 {
				s.CurrentQuantity--
				res.SlotsReleased++
			}
		}
		d.Status = DetailExpired
		d.UpdatedAt = time.Now()
		res.DetailsMarked++
	}

	return res, nil
}

func (m *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return nil
}
