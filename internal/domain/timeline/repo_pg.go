package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RepoPG is the PostgreSQL implementation of Repository.
type RepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) *RepoPG {
	return &RepoPG{pool: pool}
}

func (r *RepoPG) Upsert(ctx context.Context, entry *Entry) error {
	var payload []byte
	if entry.Payload != nil {
		var err error
		payload, err = json.Marshal(entry.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}

	const q = `INSERT INTO timeline_entries
	(id, user_id, provider_id, category, effective_at, title, summary, source_id, payload, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (provider_id, source_id) DO UPDATE SET
		category = EXCLUDED.category,
		effective_at = EXCLUDED.effective_at,
		title = EXCLUDED.title,
		summary = EXCLUDED.summary,
		payload = EXCLUDED.payload,
		updated_at = now()`

	_, err := r.pool.Exec(ctx, q,
		entry.ID, entry.UserID, entry.ProviderID, entry.Category, entry.EffectiveAt,
		entry.Title, entry.Summary, entry.SourceID, payload,
		entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert timeline entry: %w", err)
	}
	return nil
}

func (r *RepoPG) Query(ctx context.Context, q Query) ([]*Entry, int, error) {
	where := []string{"user_id = $1"}
	args := []any{q.UserID}

	if q.Category != "" {
		args = append(args, q.Category)
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	if q.ProviderID != uuid.Nil {
		args = append(args, q.ProviderID)
		where = append(where, fmt.Sprintf("provider_id = $%d", len(args)))
	}
	if !q.Since.IsZero() {
		args = append(args, q.Since)
		where = append(where, fmt.Sprintf("effective_at >= $%d", len(args)))
	}
	if q.Search != "" {
		args = append(args, "%"+q.Search+"%")
		where = append(where, fmt.Sprintf("(title ILIKE $%d OR summary ILIKE $%d)", len(args), len(args)))
	}

	clause := strings.Join(where, " AND ")

	var total int
	countQ := fmt.Sprintf("SELECT COUNT(*) FROM timeline_entries WHERE %s", clause)
	if err := r.pool.QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count timeline entries: %w", err)
	}

	args = append(args, q.Limit, q.Offset)
	listQ := fmt.Sprintf(`SELECT id, user_id, provider_id, category, effective_at, title, summary, source_id, payload, created_at, updated_at
	FROM timeline_entries WHERE %s
	ORDER BY effective_at DESC, id
	LIMIT $%d OFFSET $%d`, clause, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, listQ, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query timeline entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var payload []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.ProviderID, &e.Category, &e.EffectiveAt,
			&e.Title, &e.Summary, &e.SourceID, &payload, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan timeline entry: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, 0, fmt.Errorf("unmarshal payload: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate timeline entries: %w", err)
	}
	return entries, total, nil
}

func (r *RepoPG) DeleteByProvider(ctx context.Context, providerID uuid.UUID) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM timeline_entries WHERE provider_id = $1`, providerID)
	if err != nil {
		return 0, fmt.Errorf("delete timeline entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *RepoPG) CountByCategory(ctx context.Context, userID uuid.UUID) (map[Category]int, error) {
	const q = `SELECT category, COUNT(*) FROM timeline_entries WHERE user_id = $1 GROUP BY category`

	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("count by category: %w", err)
	}
	defer rows.Close()

	counts := make(map[Category]int)
	for rows.Next() {
		var cat Category
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, fmt.Errorf("scan category count: %w", err)
		}
		counts[cat] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate category counts: %w", err)
	}
	return counts, nil
}
