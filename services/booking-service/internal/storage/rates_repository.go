package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/consulere/booking/libs/db"
	"github.com/consulere/booking/services/booking-service/internal/model"
)

// RatesRepository stores the hourly rate each expert charges. Appointment
// totals are derived from the rate at reservation time and frozen on the
// appointment row, so later rate changes never touch existing bookings.
type RatesRepository struct {
	pool *db.Pool
}

func NewRatesRepository(pool *db.Pool) *RatesRepository {
	return &RatesRepository{pool: pool}
}

func (r *RatesRepository) Upsert(ctx context.Context, rate model.Rate) error {
	if rate.HourlyRate <= 0 {
		return fmt.Errorf("hourly rate must be positive, got %d", rate.HourlyRate)
	}
	if rate.Currency == "" {
		rate.Currency = "usd"
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO expert_rates (expert_id, hourly_rate_cents, currency)
		VALUES ($1, $2, $3)
		ON CONFLICT (expert_id)
		DO UPDATE SET hourly_rate_cents = EXCLUDED.hourly_rate_cents,
		              currency = EXCLUDED.currency,
		              updated_at = now()
	`, rate.ExpertID, rate.HourlyRate, rate.Currency)
	return err
}

func (r *RatesRepository) Get(ctx context.Context, expertID string) (model.Rate, error) {
	var rate model.Rate
	err := r.pool.QueryRow(ctx, `
		SELECT expert_id::text, hourly_rate_cents, currency, updated_at
		FROM expert_rates
		WHERE expert_id = $1
	`, expertID).Scan(&rate.ExpertID, &rate.HourlyRate, &rate.Currency, &rate.UpdatedAt)
	if err != nil {
		if IsNotFound(err) {
			return model.Rate{}, model.ErrRateNotSet
		}
		return model.Rate{}, err
	}
	return rate, nil
}

// rateForUpdate reads the rate inside a reservation transaction. FOR SHARE
// keeps a concurrent rate change from landing between pricing and insert.
func (l *Ledger) rateForUpdate(ctx context.Context, tx pgx.Tx, expertID string) (model.Rate, error) {
	var rate model.Rate
	err := tx.QueryRow(ctx, `
		SELECT expert_id::text, hourly_rate_cents, currency, updated_at
		FROM expert_rates
		WHERE expert_id = $1
		FOR SHARE
	`, expertID).Scan(&rate.ExpertID, &rate.HourlyRate, &rate.Currency, &rate.UpdatedAt)
	if err != nil {
		if IsNotFound(err) {
			return model.Rate{}, model.ErrRateNotSet
		}
		return model.Rate{}, err
	}
	return rate, nil
}
