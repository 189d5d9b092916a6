package scheduling

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RepoPG is the PostgreSQL implementation of Repository.
type RepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) *RepoPG {
	return &RepoPG{pool: pool}
}

const apptCols = `id, user_id, provider_id, title, notes, location, starts_at, ends_at, status, created_at, updated_at`

func (r *RepoPG) Create(ctx context.Context, appt *Appointment) error {
	const q = `INSERT INTO appointments
	(id, user_id, provider_id, title, notes, location, starts_at, ends_at, status, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.pool.Exec(ctx, q,
		appt.ID, appt.UserID, appt.ProviderID, appt.Title, appt.Notes, appt.Location,
		appt.StartsAt, appt.EndsAt, appt.Status, appt.CreatedAt, appt.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (r *RepoPG) GetForUser(ctx context.Context, userID, id uuid.UUID) (*Appointment, error) {
	q := fmt.Sprintf(`SELECT %s FROM appointments WHERE user_id = $1 AND id = $2`, apptCols)

	var a Appointment
	err := r.pool.QueryRow(ctx, q, userID, id).Scan(
		&a.ID, &a.UserID, &a.ProviderID, &a.Title, &a.Notes, &a.Location,
		&a.StartsAt, &a.EndsAt, &a.Status, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return &a, nil
}

func (r *RepoPG) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM appointments WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count appointments: %w", err)
	}

	q := fmt.Sprintf(`SELECT %s FROM appointments WHERE user_id = $1 ORDER BY starts_at LIMIT $2 OFFSET $3`, apptCols)
	rows, err := r.pool.Query(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query appointments: %w", err)
	}
	defer rows.Close()

	var appts []*Appointment
	for rows.Next() {
		var a Appointment
		if err := rows.Scan(&a.ID, &a.UserID, &a.ProviderID, &a.Title, &a.Notes, &a.Location,
			&a.StartsAt, &a.EndsAt, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan appointment: %w", err)
		}
		appts = append(appts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate appointments: %w", err)
	}
	return appts, total, nil
}

func (r *RepoPG) Update(ctx context.Context, appt *Appointment) error {
	const q = `UPDATE appointments
	SET provider_id = $3, title = $4, notes = $5, location = $6, starts_at = $7, ends_at = $8, updated_at = now()
	WHERE user_id = $1 AND id = $2`

	tag, err := r.pool.Exec(ctx, q,
		appt.UserID, appt.ID, appt.ProviderID, appt.Title, appt.Notes, appt.Location,
		appt.StartsAt, appt.EndsAt,
	)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RepoPG) SetStatus(ctx context.Context, userID, id uuid.UUID, status AppointmentStatus) error {
	const q = `UPDATE appointments SET status = $3, updated_at = now() WHERE user_id = $1 AND id = $2`

	tag, err := r.pool.Exec(ctx, q, userID, id, status)
	if err != nil {
		return fmt.Errorf("set appointment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
