package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/consulere/booking/libs/db"
	"github.com/consulere/booking/services/booking-service/internal/availability"
	"github.com/consulere/booking/services/booking-service/internal/model"
)

// AvailabilityRepository stores the recurring weekly windows and the blocked
// slots that carve time out of them. Rows are rules, not materialized time;
// expansion happens in the availability package.
type AvailabilityRepository struct {
	pool *db.Pool
}

func NewAvailabilityRepository(pool *db.Pool) *AvailabilityRepository {
	return &AvailabilityRepository{pool: pool}
}

func (r *AvailabilityRepository) ListWindows(ctx context.Context, expertID string) ([]model.Window, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, expert_id::text, weekday, start_minute, end_minute, timezone, active, created_at, updated_at
		FROM availability_windows
		WHERE expert_id = $1 AND active
		ORDER BY weekday, start_minute
	`, expertID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Window
	for rows.Next() {
		var w model.Window
		if err := rows.Scan(&w.ID, &w.ExpertID, &w.Weekday, &w.StartMinute, &w.EndMinute, &w.Timezone, &w.Active, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// ReplaceWindows swaps the expert's whole weekly schedule in one
// transaction. Validation happens before anything is deleted.
func (r *AvailabilityRepository) ReplaceWindows(ctx context.Context, expertID string, windows []model.Window) ([]model.Window, error) {
	for i := range windows {
		windows[i].ExpertID = expertID
		windows[i].Active = true
		if err := availability.ValidateWindow(windows[i]); err != nil {
			return nil, err
		}
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM availability_windows WHERE expert_id = $1`, expertID); err != nil {
		return nil, err
	}
	for i := range windows {
		windows[i].ID = uuid.NewString()
		err := tx.QueryRow(ctx, `
			INSERT INTO availability_windows (id, expert_id, weekday, start_minute, end_minute, timezone, active)
			VALUES ($1, $2, $3, $4, $5, $6, true)
			RETURNING created_at, updated_at
		`, windows[i].ID, expertID, windows[i].Weekday, windows[i].StartMinute, windows[i].EndMinute, windows[i].Timezone,
		).Scan(&windows[i].CreatedAt, &windows[i].UpdatedAt)
		if err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return windows, nil
}

func (r *AvailabilityRepository) DeactivateWindow(ctx context.Context, expertID, windowID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE availability_windows
		SET active = false, updated_at = now()
		WHERE id = $1 AND expert_id = $2
	`, windowID, expertID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *AvailabilityRepository) CreateBlock(ctx context.Context, block model.BlockedSlot) (model.BlockedSlot, error) {
	if err := availability.ValidateBlock(block); err != nil {
		return model.BlockedSlot{}, err
	}
	block.ID = uuid.NewString()
	err := r.pool.QueryRow(ctx, `
		INSERT INTO blocked_slots (id, expert_id, start_at, end_at, all_day, recurring, recurrence_rule, timezone, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`, block.ID, block.ExpertID, block.StartAt, block.EndAt, block.AllDay, block.Recurring,
		nullIfEmpty(block.RecurrenceRule), nullIfEmpty(block.Timezone), block.Reason,
	).Scan(&block.CreatedAt)
	if err != nil {
		return model.BlockedSlot{}, err
	}
	return block, nil
}

// ListBlocks returns blocks that can affect [from, to): one-off rows near
// the range plus every recurring row. The day of slack covers all-day rows
// whose local-day span reaches past their raw timestamps; expansion clips
// the rest.
func (r *AvailabilityRepository) ListBlocks(ctx context.Context, expertID string, from, to time.Time) ([]model.BlockedSlot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, expert_id::text, start_at, end_at, all_day, recurring,
			COALESCE(recurrence_rule, ''), COALESCE(timezone, ''), reason, created_at
		FROM blocked_slots
		WHERE expert_id = $1
		  AND (recurring OR (end_at > $2 - interval '1 day' AND start_at < $3 + interval '1 day'))
		ORDER BY start_at
	`, expertID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BlockedSlot
	for rows.Next() {
		var b model.BlockedSlot
		if err := rows.Scan(&b.ID, &b.ExpertID, &b.StartAt, &b.EndAt, &b.AllDay, &b.Recurring,
			&b.RecurrenceRule, &b.Timezone, &b.Reason, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (r *AvailabilityRepository) DeleteBlock(ctx context.Context, expertID, blockID string) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM blocked_slots
		WHERE id = $1 AND expert_id = $2
	`, blockID, expertID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
