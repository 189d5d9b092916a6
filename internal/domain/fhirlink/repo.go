package fhirlink

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ProviderRepository persists pending linking sessions and linked providers.
type ProviderRepository interface {
	// CreatePending stores a new linking session. Each initiation creates an
	// independent session; correlation happens by state nonce.
	CreatePending(ctx context.Context, link *PendingLink) error

	// ConsumePending atomically removes and returns the unexpired pending
	// session matching (userID, state). Returns (nil, nil) when no session
	// matches — the state nonce is single-use.
	ConsumePending(ctx context.Context, userID uuid.UUID, state string) (*PendingLink, error)

	// DeleteExpiredPending removes abandoned linking sessions.
	DeleteExpiredPending(ctx context.Context) (int64, error)

	Create(ctx context.Context, provider *LinkedProvider) error
	GetForUser(ctx context.Context, userID, id uuid.UUID) (*LinkedProvider, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*LinkedProvider, error)

	// ListSyncable returns the user's active, sync-enabled providers.
	ListSyncable(ctx context.Context, userID uuid.UUID) ([]*LinkedProvider, error)

	// UpdateTokens replaces the encrypted token bundle after a refresh. A
	// nil expiresAt clears the stored deadline; the response carried none.
	UpdateTokens(ctx context.Context, id uuid.UUID, encrypted string, expiresAt *time.Time) error

	SetStatus(ctx context.Context, id uuid.UUID, status LinkStatus) error
	MarkSynced(ctx context.Context, id uuid.UUID, at time.Time) error

	// Revoke sets status revoked and scrubs all token material. A revoked
	// record never retains tokens, not even marked-inactive ones.
	Revoke(ctx context.Context, id uuid.UUID) error
}

// AuditRepository is the append-only store of linking and sync events.
// Entries are never updated or deleted.
type AuditRepository interface {
	Append(ctx context.Context, entry *AuditEntry) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*AuditEntry, int, error)
}
