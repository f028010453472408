package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/consulere/booking/libs/db"
	"github.com/consulere/booking/services/booking-service/internal/availability"
	"github.com/consulere/booking/services/booking-service/internal/model"
	"github.com/consulere/booking/services/booking-service/internal/outbox"
)

// Ledger is the single writer of appointment state. Every transition runs in
// one transaction together with the outbox event describing it, so state and
// event stream cannot diverge. Overlap protection is the appointments
// exclusion constraint; a violation surfaces as model.ErrSlotConflict.
type Ledger struct {
	pool   *db.Pool
	outbox *outbox.Repository
	now    func() time.Time
}

func NewLedger(pool *db.Pool, ob *outbox.Repository, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{pool: pool, outbox: ob, now: now}
}

const apptColumns = `id, expert_id, COALESCE(client_id::text, ''), client_name, client_email, COALESCE(client_notes, ''),
		scheduled_at, timezone, duration_minutes, status,
		total_amount_cents, platform_fee_cents, expert_earnings_cents, currency,
		COALESCE(payment_ref, ''), COALESCE(refund_ref, ''), COALESCE(refund_status, ''),
		cancelled_at, COALESCE(cancelled_by, ''), COALESCE(cancellation_reason, ''),
		expires_at, created_at, updated_at`

type ReserveParams struct {
	ExpertID       string
	ClientID       string
	ClientName     string
	ClientEmail    string
	ClientNotes    string
	ScheduledAt    time.Time
	Timezone       string
	DurationMins   int
	IdempotencyKey string
	HoldFor        time.Duration
}

// Reserve inserts a pending hold for the interval, priced from the expert's
// current rate. When the params carry an idempotency key already bound to an
// appointment, that appointment is returned with replayed=true and nothing
// is written.
func (l *Ledger) Reserve(ctx context.Context, p ReserveParams) (model.Appointment, bool, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return model.Appointment{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if p.IdempotencyKey != "" {
		apptID, err := l.lockIdempotencyKey(ctx, tx, p.ExpertID, p.IdempotencyKey)
		if err != nil {
			return model.Appointment{}, false, err
		}
		if apptID != "" {
			appt, err := l.getForUpdate(ctx, tx, apptID)
			if err != nil {
				return model.Appointment{}, false, err
			}
			return appt, true, tx.Commit(ctx)
		}
	}

	rate, err := l.rateForUpdate(ctx, tx, p.ExpertID)
	if err != nil {
		return model.Appointment{}, false, err
	}
	total := model.PriceFor(rate.HourlyRate, p.DurationMins)
	fee, earnings := model.SplitFee(total)
	expiresAt := l.now().UTC().Add(p.HoldFor)

	appt := model.Appointment{
		ExpertID:      p.ExpertID,
		ClientID:      p.ClientID,
		ClientName:    p.ClientName,
		ClientEmail:   p.ClientEmail,
		ClientNotes:   p.ClientNotes,
		ScheduledAt:   p.ScheduledAt.UTC(),
		Timezone:      p.Timezone,
		DurationMins:  p.DurationMins,
		Status:        model.StatusPending,
		TotalAmount:   total,
		PlatformFee:   fee,
		ExpertEarning: earnings,
		Currency:      rate.Currency,
		ExpiresAt:     &expiresAt,
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO appointments
			(expert_id, client_id, client_name, client_email, client_notes, scheduled_at, timezone, duration_minutes,
			 status, total_amount_cents, platform_fee_cents, expert_earnings_cents, currency, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at
	`, appt.ExpertID, nullIfEmpty(appt.ClientID), appt.ClientName, appt.ClientEmail, appt.ClientNotes,
		appt.ScheduledAt, appt.Timezone, appt.DurationMins, appt.Status,
		appt.TotalAmount, appt.PlatformFee, appt.ExpertEarning, appt.Currency, expiresAt,
	).Scan(&appt.ID, &appt.CreatedAt, &appt.UpdatedAt)
	if err != nil {
		if IsConflict(err) {
			return model.Appointment{}, false, model.ErrSlotConflict
		}
		return model.Appointment{}, false, err
	}

	if p.IdempotencyKey != "" {
		if err := l.bindIdempotencyKey(ctx, tx, p.ExpertID, p.IdempotencyKey, appt.ID); err != nil {
			return model.Appointment{}, false, err
		}
	}
	if err := l.insertEvent(ctx, tx, outbox.EventAppointmentBooked, appt, nil); err != nil {
		return model.Appointment{}, false, err
	}
	return appt, false, tx.Commit(ctx)
}

// FindByIdempotencyKey returns the appointment a reserve key is already
// bound to, without taking locks. A key inserted by an in-flight request is
// not yet visible here; Reserve still serializes that race.
func (l *Ledger) FindByIdempotencyKey(ctx context.Context, expertID, key string) (model.Appointment, bool, error) {
	var apptID string
	err := l.pool.QueryRow(ctx, `
		SELECT COALESCE(appointment_id::text, '')
		FROM booking_idempotency_keys
		WHERE expert_id = $1 AND idempotency_key = $2
	`, expertID, key).Scan(&apptID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Appointment{}, false, nil
		}
		return model.Appointment{}, false, err
	}
	if apptID == "" {
		return model.Appointment{}, false, nil
	}
	appt, err := l.Get(ctx, apptID)
	if err != nil {
		return model.Appointment{}, false, err
	}
	return appt, true, nil
}

// AttachPaymentRef records the gateway reference on a pending hold.
func (l *Ledger) AttachPaymentRef(ctx context.Context, id, paymentRef string) error {
	tag, err := l.pool.Exec(ctx, `
		UPDATE appointments
		SET payment_ref = $2, updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id, paymentRef)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// Confirm moves a pending hold to confirmed once payment succeeded. An
// expired hold cannot be confirmed; a hold already confirmed with the same
// payment reference is returned as-is.
func (l *Ledger) Confirm(ctx context.Context, id, paymentRef string) (model.Appointment, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err := l.getForUpdate(ctx, tx, id)
	if err != nil {
		return model.Appointment{}, err
	}

	switch appt.Status {
	case model.StatusConfirmed:
		if appt.PaymentRef == paymentRef {
			return appt, tx.Commit(ctx)
		}
		return model.Appointment{}, fmt.Errorf("appointment %s confirmed with a different payment: %w", id, model.ErrInvalidTransition)
	case model.StatusPending:
		// fall through
	default:
		return model.Appointment{}, fmt.Errorf("appointment %s is %s: %w", id, appt.Status, model.ErrInvalidTransition)
	}

	if appt.ExpiresAt != nil && !l.now().UTC().Before(*appt.ExpiresAt) {
		return model.Appointment{}, model.ErrReservationExpired
	}
	if appt.PlatformFee+appt.ExpertEarning != appt.TotalAmount {
		return model.Appointment{}, fmt.Errorf("appointment %s fee split %d+%d != total %d: %w",
			id, appt.PlatformFee, appt.ExpertEarning, appt.TotalAmount, model.ErrInvariantViolation)
	}

	err = tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'confirmed', payment_ref = $2, expires_at = NULL, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, id, paymentRef).Scan(&appt.UpdatedAt)
	if err != nil {
		return model.Appointment{}, err
	}
	appt.Status = model.StatusConfirmed
	appt.PaymentRef = paymentRef
	appt.ExpiresAt = nil

	if err := l.insertEvent(ctx, tx, outbox.EventAppointmentConfirmed, appt, nil); err != nil {
		return model.Appointment{}, err
	}
	return appt, tx.Commit(ctx)
}

// Release drops a pending hold, freeing its interval. Cancelled rows are
// returned unchanged so retries and sweeper races stay quiet.
func (l *Ledger) Release(ctx context.Context, id, reason string) (model.Appointment, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err := l.getForUpdate(ctx, tx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	if appt.Status == model.StatusCancelled {
		return appt, tx.Commit(ctx)
	}
	if appt.Status != model.StatusPending {
		return model.Appointment{}, fmt.Errorf("appointment %s is %s: %w", id, appt.Status, model.ErrInvalidTransition)
	}

	appt, err = l.cancelRow(ctx, tx, appt, model.CancelledBySystem, reason)
	if err != nil {
		return model.Appointment{}, err
	}
	if err := l.insertEvent(ctx, tx, outbox.EventAppointmentReleased, appt, map[string]any{"reason": reason}); err != nil {
		return model.Appointment{}, err
	}
	return appt, tx.Commit(ctx)
}

// Cancel ends a pending or confirmed appointment. The returned prior status
// tells the caller whether a refund is owed; the refund itself is not this
// method's business. Cancelling twice is a no-op.
func (l *Ledger) Cancel(ctx context.Context, id, actor, reason string) (model.Appointment, string, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return model.Appointment{}, "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err := l.getForUpdate(ctx, tx, id)
	if err != nil {
		return model.Appointment{}, "", err
	}
	prior := appt.Status

	switch prior {
	case model.StatusCancelled:
		return appt, prior, tx.Commit(ctx)
	case model.StatusPending, model.StatusConfirmed:
		// cancellable
	default:
		return model.Appointment{}, "", fmt.Errorf("appointment %s is %s: %w", id, prior, model.ErrInvalidTransition)
	}

	appt, err = l.cancelRow(ctx, tx, appt, actor, reason)
	if err != nil {
		return model.Appointment{}, "", err
	}
	extra := map[string]any{
		"cancelled_by":   actor,
		"reason":         reason,
		"refund_pending": prior == model.StatusConfirmed && appt.PaymentRef != "",
	}
	if err := l.insertEvent(ctx, tx, outbox.EventAppointmentCancelled, appt, extra); err != nil {
		return model.Appointment{}, "", err
	}
	return appt, prior, tx.Commit(ctx)
}

// AttachRefund records the refund outcome after the cancellation already
// committed. Refunds never change appointment status.
func (l *Ledger) AttachRefund(ctx context.Context, id, refundRef, refundStatus string) error {
	tag, err := l.pool.Exec(ctx, `
		UPDATE appointments
		SET refund_ref = $2, refund_status = $3, updated_at = now()
		WHERE id = $1
	`, id, nullIfEmpty(refundRef), refundStatus)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// MarkNoShow records that the client never turned up. Expert-initiated and
// only meaningful once the start time has passed.
func (l *Ledger) MarkNoShow(ctx context.Context, id, expertID string) (model.Appointment, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err := l.getForUpdate(ctx, tx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	if appt.ExpertID != expertID {
		return model.Appointment{}, model.ErrNotFound
	}
	if appt.Status == model.StatusNoShow {
		return appt, tx.Commit(ctx)
	}
	if appt.Status != model.StatusConfirmed {
		return model.Appointment{}, fmt.Errorf("appointment %s is %s: %w", id, appt.Status, model.ErrInvalidTransition)
	}
	if l.now().UTC().Before(appt.ScheduledAt) {
		return model.Appointment{}, fmt.Errorf("appointment %s has not started yet: %w", id, model.ErrInvalidTransition)
	}

	err = tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'no_show', updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, id).Scan(&appt.UpdatedAt)
	if err != nil {
		return model.Appointment{}, err
	}
	appt.Status = model.StatusNoShow

	if err := l.insertEvent(ctx, tx, outbox.EventAppointmentNoShow, appt, nil); err != nil {
		return model.Appointment{}, err
	}
	return appt, tx.Commit(ctx)
}

// ExpireBatch releases pending holds whose deadline passed. SKIP LOCKED
// keeps concurrent sweepers and an in-flight Confirm from colliding.
func (l *Ledger) ExpireBatch(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE status = 'pending' AND expires_at <= now()
		ORDER BY expires_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return 0, err
	}
	expired, err := collectAppointments(rows)
	if err != nil {
		return 0, err
	}

	for i, appt := range expired {
		appt, err = l.cancelRow(ctx, tx, appt, model.CancelledBySystem, "reservation expired")
		if err != nil {
			return 0, err
		}
		expired[i] = appt
		if err := l.insertEvent(ctx, tx, outbox.EventAppointmentReleased, appt, map[string]any{"reason": "reservation expired"}); err != nil {
			return 0, err
		}
	}
	return len(expired), tx.Commit(ctx)
}

// CompleteBatch moves confirmed appointments whose end passed to completed.
func (l *Ledger) CompleteBatch(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE status = 'confirmed'
		  AND scheduled_at + make_interval(mins => duration_minutes) <= now()
		ORDER BY scheduled_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return 0, err
	}
	due, err := collectAppointments(rows)
	if err != nil {
		return 0, err
	}

	for i, appt := range due {
		err = tx.QueryRow(ctx, `
			UPDATE appointments
			SET status = 'completed', updated_at = now()
			WHERE id = $1
			RETURNING updated_at
		`, appt.ID).Scan(&appt.UpdatedAt)
		if err != nil {
			return 0, err
		}
		appt.Status = model.StatusCompleted
		due[i] = appt
		if err := l.insertEvent(ctx, tx, outbox.EventAppointmentCompleted, appt, nil); err != nil {
			return 0, err
		}
	}
	return len(due), tx.Commit(ctx)
}

// ListBookedIntervals returns the busy intervals that block new bookings for
// an expert, i.e. pending and confirmed rows overlapping [from, to).
func (l *Ledger) ListBookedIntervals(ctx context.Context, expertID string, from, to time.Time) ([]availability.Interval, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT scheduled_at, duration_minutes
		FROM appointments
		WHERE expert_id = $1
		  AND status IN ('pending', 'confirmed')
		  AND scheduled_at < $3
		  AND scheduled_at + make_interval(mins => duration_minutes) > $2
		ORDER BY scheduled_at
	`, expertID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []availability.Interval
	for rows.Next() {
		var start time.Time
		var mins int
		if err := rows.Scan(&start, &mins); err != nil {
			return nil, err
		}
		out = append(out, availability.Interval{
			Start: start.UTC(),
			End:   start.UTC().Add(time.Duration(mins) * time.Minute),
		})
	}
	return out, rows.Err()
}

func (l *Ledger) Get(ctx context.Context, id string) (model.Appointment, error) {
	row := l.pool.QueryRow(ctx, `SELECT `+apptColumns+` FROM appointments WHERE id = $1`, id)
	appt, err := scanAppointment(row)
	if err != nil {
		if IsNotFound(err) {
			return model.Appointment{}, model.ErrNotFound
		}
		return model.Appointment{}, err
	}
	return appt, nil
}

func (l *Ledger) ListByExpert(ctx context.Context, expertID string, limit int) ([]model.Appointment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.pool.Query(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE expert_id = $1
		ORDER BY scheduled_at DESC
		LIMIT $2
	`, expertID, limit)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (l *Ledger) ListByClient(ctx context.Context, clientID, clientEmail string, limit int) ([]model.Appointment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.pool.Query(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE (client_id::text = NULLIF($1, '') OR client_email = NULLIF($2, ''))
		ORDER BY scheduled_at DESC
		LIMIT $3
	`, clientID, clientEmail, limit)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (l *Ledger) getForUpdate(ctx context.Context, tx pgx.Tx, id string) (model.Appointment, error) {
	row := tx.QueryRow(ctx, `SELECT `+apptColumns+` FROM appointments WHERE id = $1 FOR UPDATE`, id)
	appt, err := scanAppointment(row)
	if err != nil {
		if IsNotFound(err) {
			return model.Appointment{}, model.ErrNotFound
		}
		return model.Appointment{}, err
	}
	return appt, nil
}

func (l *Ledger) cancelRow(ctx context.Context, tx pgx.Tx, appt model.Appointment, actor, reason string) (model.Appointment, error) {
	var cancelledAt time.Time
	err := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
			cancelled_at = now(),
			cancelled_by = $2,
			cancellation_reason = $3,
			expires_at = NULL,
			updated_at = now()
		WHERE id = $1
		RETURNING cancelled_at, updated_at
	`, appt.ID, actor, reason).Scan(&cancelledAt, &appt.UpdatedAt)
	if err != nil {
		return model.Appointment{}, err
	}
	appt.Status = model.StatusCancelled
	appt.CancelledAt = &cancelledAt
	appt.CancelledBy = actor
	appt.CancelReason = reason
	appt.ExpiresAt = nil
	return appt, nil
}

func (l *Ledger) lockIdempotencyKey(ctx context.Context, tx pgx.Tx, expertID, key string) (string, error) {
	apptID, err := selectIdempotencyForUpdate(ctx, tx, expertID, key)
	if err == nil {
		return apptID, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO booking_idempotency_keys (expert_id, idempotency_key)
		VALUES ($1, $2)
		ON CONFLICT (expert_id, idempotency_key) DO NOTHING
	`, expertID, key)
	if err != nil {
		return "", err
	}
	// Re-select locks the row, serializing concurrent requests that carry
	// the same key.
	return selectIdempotencyForUpdate(ctx, tx, expertID, key)
}

func (l *Ledger) bindIdempotencyKey(ctx context.Context, tx pgx.Tx, expertID, key, appointmentID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE booking_idempotency_keys
		SET appointment_id = $3, updated_at = now()
		WHERE expert_id = $1 AND idempotency_key = $2
	`, expertID, key, appointmentID)
	return err
}

func selectIdempotencyForUpdate(ctx context.Context, tx pgx.Tx, expertID, key string) (string, error) {
	var apptID string
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(appointment_id::text, '')
		FROM booking_idempotency_keys
		WHERE expert_id = $1 AND idempotency_key = $2
		FOR UPDATE
	`, expertID, key).Scan(&apptID)
	return apptID, err
}

func (l *Ledger) insertEvent(ctx context.Context, tx pgx.Tx, eventType string, appt model.Appointment, extra map[string]any) error {
	payload := map[string]any{
		"appointment_id":        appt.ID,
		"expert_id":             appt.ExpertID,
		"client_id":             appt.ClientID,
		"client_name":           appt.ClientName,
		"client_email":          appt.ClientEmail,
		"scheduled_at":          appt.ScheduledAt.UTC().Format(time.RFC3339),
		"timezone":              appt.Timezone,
		"duration_minutes":      appt.DurationMins,
		"status":                appt.Status,
		"total_amount_cents":    appt.TotalAmount,
		"platform_fee_cents":    appt.PlatformFee,
		"expert_earnings_cents": appt.ExpertEarning,
		"currency":              appt.Currency,
		"payment_ref":           appt.PaymentRef,
	}
	if appt.ExpiresAt != nil {
		payload["expires_at"] = appt.ExpiresAt.UTC().Format(time.RFC3339)
	}
	for k, v := range extra {
		payload[k] = v
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return l.outbox.Insert(ctx, tx, outbox.Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID,
		EventType:     eventType,
		Payload:       body,
	})
}

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var appt model.Appointment
	err := row.Scan(
		&appt.ID,
		&appt.ExpertID,
		&appt.ClientID,
		&appt.ClientName,
		&appt.ClientEmail,
		&appt.ClientNotes,
		&appt.ScheduledAt,
		&appt.Timezone,
		&appt.DurationMins,
		&appt.Status,
		&appt.TotalAmount,
		&appt.PlatformFee,
		&appt.ExpertEarning,
		&appt.Currency,
		&appt.PaymentRef,
		&appt.RefundRef,
		&appt.RefundStatus,
		&appt.CancelledAt,
		&appt.CancelledBy,
		&appt.CancelReason,
		&appt.ExpiresAt,
		&appt.CreatedAt,
		&appt.UpdatedAt,
	)
	if err != nil {
		return model.Appointment{}, err
	}
	appt.ScheduledAt = appt.ScheduledAt.UTC()
	return appt, nil
}

func collectAppointments(rows pgx.Rows) ([]model.Appointment, error) {
	defer rows.Close()
	var out []model.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, appt)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// IsConflict matches the exclusion constraint violation raised when two
// holds contend for overlapping intervals (SQLSTATE 23P01).
func IsConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23P01"
}

// IsDuplicate matches unique violations (SQLSTATE 23505).
func IsDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
