package timeline

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists timeline entries.
type Repository interface {
	// Upsert inserts the entry or, when an entry with the same
	// (provider_id, source_id) already exists, updates it in place.
	// Re-syncing is therefore idempotent.
	Upsert(ctx context.Context, entry *Entry) error

	// Query returns entries matching q ordered by effective time descending,
	// plus the total match count before limit/offset.
	Query(ctx context.Context, q Query) ([]*Entry, int, error)

	// DeleteByProvider removes every entry sourced from one provider. Used
	// when a provider link is revoked.
	DeleteByProvider(ctx context.Context, providerID uuid.UUID) (int64, error)

	// CountByCategory returns per-category entry counts for a user.
	CountByCategory(ctx context.Context, userID uuid.UUID) (map[Category]int, error)
}

// ProviderSummary is the slice of provider state the timeline view needs.
type ProviderSummary struct {
	ID      uuid.UUID `json:"id"`
	OrgName string    `json:"org_name"`
}

// ProviderLister reports a user's linked providers for timeline attribution.
// Implemented by an adapter over the provider store to keep this package free
// of a dependency on it.
type ProviderLister interface {
	ActiveProviders(ctx context.Context, userID uuid.UUID) ([]ProviderSummary, error)
}
