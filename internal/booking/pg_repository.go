package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	var email *string

	err := row.Scan(
		&a.ID,
		&a.Name,
		&email,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	a.Email = email
	return &a, nil
}

func scanService(row pgx.Row) (*MedicalService, error) {
	var s MedicalService

	err := row.Scan(
		&s.ID,
		&s.Name,
		&s.Price,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrServiceNotFound
		}
		return nil, err
	}

	return &s, nil
}

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot

	err := row.Scan(
		&s.ID,
		&s.ServiceID,
		&s.Date,
		&s.Shift,
		&s.MaxQuantity,
		&s.CurrentQuantity,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}

	return &s, nil
}

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking

	err := row.Scan(
		&b.ID,
		&b.AccountID,
		&b.Status,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}

	return &b, nil
}

func scanDetail(row pgx.Row) (*BookingDetail, error) {
	var d BookingDetail
	var slotID *uuid.UUID

	err := row.Scan(
		&d.ID,
		&d.BookingID,
		&d.ServiceID,
		&slotID,
		&d.Patient.Name,
		&d.Patient.DOB,
		&d.Patient.Phone,
		&d.Patient.Gender,
		&d.Status,
		&d.Price,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDetailNotFound
		}
		return nil, err
	}

	d.SlotID = slotID
	return &d, nil
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment

	err := row.Scan(
		&p.ID,
		&p.BookingID,
		&p.TransactionID,
		&p.Amount,
		&p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}

	return &p, nil
}

// Interface methods

func (r *PgRepository) GetAccountByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`, id)
	return scanAccount(row)
}

func (r *PgRepository) GetServiceByID(ctx context.Context, id uuid.UUID) (*MedicalService, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, price, created_at, updated_at
		FROM medical_services
		WHERE id = $1
	`, id)
	return scanService(row)
}

func (r *PgRepository) GetSlotByID(ctx context.Context, id uuid.UUID) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, service_id, slot_date, shift, max_quantity, current_quantity, created_at, updated_at
		FROM slots
		WHERE id = $1
	`, id)
	return scanSlot(row)
}

func (r *PgRepository) FindSlotByKey(ctx context.Context, key SlotKey) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, service_id, slot_date, shift, max_quantity, current_quantity, created_at, updated_at
		FROM slots
		WHERE service_id = $1 AND slot_date = $2 AND shift = $3
	`, key.ServiceID, key.Date, key.Shift)
	return scanSlot(row)
}

func (r *PgRepository) InsertSlotIfAbsent(ctx context.Context, key SlotKey, maxQuantity int) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO slots (id, service_id, slot_date, shift, max_quantity, current_quantity, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, now(), now())
		ON CONFLICT (service_id, slot_date, shift) DO NOTHING
	`, uuid.New(), key.ServiceID, key.Date, key.Shift, maxQuantity)
	if err != nil {
		return false, fmt.Errorf("insert slot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) DeleteSlot(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM slots
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("delete slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

func (r *PgRepository) CountDetailsForSlot(ctx context.Context, slotID uuid.UUID) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM booking_details
		WHERE slot_id = $1
	`, slotID).Scan(&count)
	return count, err
}

// IncrementSlotUsage reserves one unit of capacity. The predicate makes the
// check-and-increment a single atomic statement; two racing callers cannot
// both take the last unit.
func (r *PgRepository) IncrementSlotUsage(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE slots
		SET current_quantity = current_quantity + 1,
		    updated_at = now()
		WHERE id = $1
		  AND current_quantity < max_quantity
	`, id)
	if err != nil {
		return false, fmt.Errorf("increment slot usage: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DecrementSlotUsage releases one unit. The floor-at-zero predicate makes a
// double release a no-op.
func (r *PgRepository) DecrementSlotUsage(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE slots
		SET current_quantity = current_quantity - 1,
		    updated_at = now()
		WHERE id = $1
		  AND current_quantity > 0
	`, id)
	if err != nil {
		return false, fmt.Errorf("decrement slot usage: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) CreateBooking(ctx context.Context, accountID uuid.UUID) (*Booking, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO bookings (id, account_id, status, created_at, updated_at)
		VALUES ($1, $2, 'unpaid', now(), now())
		RETURNING id, account_id, status, created_at, updated_at
	`, uuid.New(), accountID)
	return scanBooking(row)
}

func (r *PgRepository) GetBookingByID(ctx context.Context, id uuid.UUID) (*Booking, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, account_id, status, created_at, updated_at
		FROM bookings
		WHERE id = $1
	`, id)
	return scanBooking(row)
}

func (r *PgRepository) DeleteBooking(ctx context.Context, id uuid.UUID) error {
	// booking_details has ON DELETE CASCADE on booking_id
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM bookings
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("delete booking: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBookingNotFound
	}
	return nil
}

func (r *PgRepository) UpdateBookingStatus(ctx context.Context, id uuid.UUID, from, to BookingStatus) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE bookings
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
	`, id, to, from)
	if err != nil {
		return false, fmt.Errorf("update booking status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) CreateDetail(ctx context.Context, d *BookingDetail) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO booking_details
			(id, booking_id, service_id, slot_id, patient_name, patient_dob, patient_phone, patient_gender, status, price, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		RETURNING created_at, updated_at
	`, d.ID, d.BookingID, d.ServiceID, d.SlotID,
		d.Patient.Name, d.Patient.DOB, d.Patient.Phone, d.Patient.Gender,
		d.Status, d.Price)

	if err := row.Scan(&d.CreatedAt, &d.UpdatedAt); err != nil {
		return fmt.Errorf("create booking detail: %w", err)
	}
	return nil
}

func (r *PgRepository) GetDetailByID(ctx context.Context, id uuid.UUID) (*BookingDetail, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, booking_id, service_id, slot_id, patient_name, patient_dob, patient_phone, patient_gender, status, price, created_at, updated_at
		FROM booking_details
		WHERE id = $1
	`, id)
	return scanDetail(row)
}

func (r *PgRepository) ListDetailsByBooking(ctx context.Context, bookingID uuid.UUID) ([]BookingDetail, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, booking_id, service_id, slot_id, patient_name, patient_dob, patient_phone, patient_gender, status, price, created_at, updated_at
		FROM booking_details
		WHERE booking_id = $1
		ORDER BY created_at
	`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []BookingDetail
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) DeleteDetail(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM booking_details
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("delete booking detail: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDetailNotFound
	}
	return nil
}

func (r *PgRepository) CountDetailsByBooking(ctx context.Context, bookingID uuid.UUID) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM booking_details
		WHERE booking_id = $1
	`, bookingID).Scan(&count)
	return count, err
}

func (r *PgRepository) UpdateDetailStatus(ctx context.Context, id uuid.UUID, from, to DetailStatus) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE booking_details
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
	`, id, to, from)
	if err != nil {
		return false, fmt.Errorf("update detail status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) UpdateDetailStatusByBooking(ctx context.Context, bookingID uuid.UUID, from, to DetailStatus) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE booking_details
		SET status = $2,
		    updated_at = now()
		WHERE booking_id = $1
		  AND status = $3
	`, bookingID, to, from)
	if err != nil {
		return 0, fmt.Errorf("update detail status by booking: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PgRepository) InsertPaymentIfAbsent(ctx context.Context, p *Payment) (bool, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}

	// Bare DO NOTHING covers both uniques: transaction_id (retried callback)
	// and booking_id (second attempt with a fresh transaction id).
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO payments (id, booking_id, transaction_id, amount, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT DO NOTHING
	`, p.ID, p.BookingID, p.TransactionID, p.Amount)
	if err != nil {
		return false, fmt.Errorf("insert payment: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) GetPaymentByBookingID(ctx context.Context, bookingID uuid.UUID) (*Payment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, booking_id, transaction_id, amount, created_at
		FROM payments
		WHERE booking_id = $1
	`, bookingID)
	return scanPayment(row)
}

func (r *PgRepository) FindUnpaidBookingsBefore(ctx context.Context, cutoff time.Time) ([]Booking, error) {
	// A booking with a captured payment is never a sweep candidate even if
	// its status flip has not landed yet; the reconciler finishes it on the
	// gateway's retry instead.
	rows, err := r.pool.Query(ctx, `
		SELECT b.id, b.account_id, b.status, b.created_at, b.updated_at
		FROM bookings b
		WHERE b.status = 'unpaid'
		  AND b.created_at <= $1
		  AND NOT EXISTS (
		      SELECT 1 FROM payments p WHERE p.booking_id = b.id
		  )
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *b)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// ExpireBooking claims and reclaims one unpaid booking in a single
// transaction. The claim is the CAS on the booking row; once a row is
// expired no later run can claim it again, so the slot releases happen at
// most once even if the sweeper crashes and retries.
func (r *PgRepository) ExpireBooking(ctx context.Context, bookingID uuid.UUID) (ExpireResult, error) {
	var res ExpireResult

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin expire tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE bookings
		SET status = 'expired',
		    updated_at = now()
		WHERE id = $1
		  AND status = 'unpaid'
	`, bookingID)
	if err != nil {
		return res, fmt.Errorf("claim booking for expiry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already expired, paid or deleted; nothing to do.
		return res, nil
	}
	res.Claimed = true

	rows, err := tx.Query(ctx, `
		SELECT slot_id
		FROM booking_details
		WHERE booking_id = $1
		  AND status = 'unpaid'
		  AND slot_id IS NOT NULL
	`, bookingID)
	if err != nil {
		return ExpireResult{}, fmt.Errorf("list reserved slots: %w", err)
	}

	var slotIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return ExpireResult{}, err
		}
		slotIDs = append(slotIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ExpireResult{}, err
	}

	tag, err = tx.Exec(ctx, `
		UPDATE booking_details
		SET status = 'expired',
		    updated_at = now()
		WHERE booking_id = $1
		  AND status = 'unpaid'
	`, bookingID)
	if err != nil {
		return ExpireResult{}, fmt.Errorf("expire booking details: %w", err)
	}
	res.DetailsMarked = tag.RowsAffected()

	for _, slotID := range slotIDs {
		tag, err := tx.Exec(ctx, `
			UPDATE slots
			SET current_quantity = current_quantity - 1,
			    updated_at = now()
			WHERE id = $1
			  AND current_quantity > 0
		`, slotID)
		if err != nil {
			return ExpireResult{}, fmt.Errorf("release slot %s: %w", slotID, err)
		}
		if tag.RowsAffected() == 1 {
			res.SlotsReleased++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ExpireResult{}, fmt.Errorf("commit expire tx: %w", err)
	}

	return res, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, booking_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.BookingID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
