package fhirlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProviderRepoPG is the PostgreSQL implementation of ProviderRepository.
type ProviderRepoPG struct {
	pool *pgxpool.Pool
}

func NewProviderRepoPG(pool *pgxpool.Pool) *ProviderRepoPG {
	return &ProviderRepoPG{pool: pool}
}

func (r *ProviderRepoPG) CreatePending(ctx context.Context, link *PendingLink) error {
	config, err := json.Marshal(link.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	const q = `INSERT INTO fhir_pending_links
	(id, user_id, org_name, base_url, config, state, code_verifier, requested_scopes, created_at, expires_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = r.pool.Exec(ctx, q,
		link.ID, link.UserID, link.OrgName, link.BaseURL, config,
		link.State, link.CodeVerifier, link.RequestedScopes,
		link.CreatedAt, link.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert pending link: %w", err)
	}
	return nil
}

func (r *ProviderRepoPG) ConsumePending(ctx context.Context, userID uuid.UUID, state string) (*PendingLink, error) {
	// DELETE ... RETURNING makes the state nonce single-use: a replayed
	// callback finds no row.
	const q = `DELETE FROM fhir_pending_links
	WHERE user_id = $1 AND state = $2 AND expires_at > now()
	RETURNING id, user_id, org_name, base_url, config, state, code_verifier, requested_scopes, created_at, expires_at`

	var link PendingLink
	var config []byte
	err := r.pool.QueryRow(ctx, q, userID, state).Scan(
		&link.ID, &link.UserID, &link.OrgName, &link.BaseURL, &config,
		&link.State, &link.CodeVerifier, &link.RequestedScopes,
		&link.CreatedAt, &link.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("consume pending link: %w", err)
	}

	if err := json.Unmarshal(config, &link.Config); err != nil {
		return nil, fmt.Errorf("unmarshal pending config: %w", err)
	}
	return &link, nil
}

func (r *ProviderRepoPG) DeleteExpiredPending(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM fhir_pending_links WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired pending links: %w", err)
	}
	return tag.RowsAffected(), nil
}

const providerCols = `id, user_id, org_name, base_url, config, status, encrypted_tokens, token_expires_at,
	capabilities, patient_ids, audit_enabled, encryption_verified, consent_verified, retention_days,
	sync_enabled, last_sync_at, created_at, updated_at`

type providerRow interface {
	Scan(dest ...any) error
}

func scanProvider(row providerRow) (*LinkedProvider, error) {
	var p LinkedProvider
	var config, capabilities, patientIDs []byte

	err := row.Scan(
		&p.ID, &p.UserID, &p.OrgName, &p.BaseURL, &config, &p.Status, &p.EncryptedTokens, &p.TokenExpiresAt,
		&capabilities, &patientIDs, &p.AuditEnabled, &p.EncryptionVerified, &p.ConsentVerified, &p.RetentionDays,
		&p.SyncEnabled, &p.LastSyncAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(config, &p.Config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := json.Unmarshal(capabilities, &p.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	if len(patientIDs) > 0 {
		if err := json.Unmarshal(patientIDs, &p.PatientIDs); err != nil {
			return nil, fmt.Errorf("unmarshal patient ids: %w", err)
		}
	}
	return &p, nil
}

func (r *ProviderRepoPG) Create(ctx context.Context, p *LinkedProvider) error {
	config, err := json.Marshal(p.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	capabilities, err := json.Marshal(p.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	patientIDs, err := json.Marshal(p.PatientIDs)
	if err != nil {
		return fmt.Errorf("marshal patient ids: %w", err)
	}

	const q = `INSERT INTO linked_providers
	(id, user_id, org_name, base_url, config, status, encrypted_tokens, token_expires_at,
	 capabilities, patient_ids, audit_enabled, encryption_verified, consent_verified, retention_days,
	 sync_enabled, last_sync_at, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err = r.pool.Exec(ctx, q,
		p.ID, p.UserID, p.OrgName, p.BaseURL, config, p.Status, p.EncryptedTokens, p.TokenExpiresAt,
		capabilities, patientIDs, p.AuditEnabled, p.EncryptionVerified, p.ConsentVerified, p.RetentionDays,
		p.SyncEnabled, p.LastSyncAt, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert linked provider: %w", err)
	}
	return nil
}

func (r *ProviderRepoPG) GetForUser(ctx context.Context, userID, id uuid.UUID) (*LinkedProvider, error) {
	q := fmt.Sprintf(`SELECT %s FROM linked_providers WHERE user_id = $1 AND id = $2`, providerCols)
	p, err := scanProvider(r.pool.QueryRow(ctx, q, userID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get linked provider: %w", err)
	}
	return p, nil
}

func (r *ProviderRepoPG) ListByUser(ctx context.Context, userID uuid.UUID) ([]*LinkedProvider, error) {
	q := fmt.Sprintf(`SELECT %s FROM linked_providers WHERE user_id = $1 AND status <> 'revoked' ORDER BY created_at`, providerCols)
	return r.queryProviders(ctx, q, userID)
}

func (r *ProviderRepoPG) ListSyncable(ctx context.Context, userID uuid.UUID) ([]*LinkedProvider, error) {
	q := fmt.Sprintf(`SELECT %s FROM linked_providers
	WHERE user_id = $1 AND status = 'active' AND sync_enabled ORDER BY created_at`, providerCols)
	return r.queryProviders(ctx, q, userID)
}

func (r *ProviderRepoPG) queryProviders(ctx context.Context, q string, args ...any) ([]*LinkedProvider, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query linked providers: %w", err)
	}
	defer rows.Close()

	var providers []*LinkedProvider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scan linked provider: %w", err)
		}
		providers = append(providers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate linked providers: %w", err)
	}
	return providers, nil
}

func (r *ProviderRepoPG) UpdateTokens(ctx context.Context, id uuid.UUID, encrypted string, expiresAt *time.Time) error {
	const q = `UPDATE linked_providers
	SET encrypted_tokens = $2, token_expires_at = $3, updated_at = now()
	WHERE id = $1`

	if _, err := r.pool.Exec(ctx, q, id, encrypted, expiresAt); err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	return nil
}

func (r *ProviderRepoPG) SetStatus(ctx context.Context, id uuid.UUID, status LinkStatus) error {
	const q = `UPDATE linked_providers SET status = $2, updated_at = now() WHERE id = $1`
	if _, err := r.pool.Exec(ctx, q, id, status); err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return nil
}

func (r *ProviderRepoPG) MarkSynced(ctx context.Context, id uuid.UUID, at time.Time) error {
	const q = `UPDATE linked_providers SET last_sync_at = $2, updated_at = now() WHERE id = $1`
	if _, err := r.pool.Exec(ctx, q, id, at); err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return nil
}

func (r *ProviderRepoPG) Revoke(ctx context.Context, id uuid.UUID) error {
	// Tokens are scrubbed, not merely marked inactive: a revoked record
	// must hold no credential material.
	const q = `UPDATE linked_providers
	SET status = 'revoked', encrypted_tokens = '', token_expires_at = NULL, sync_enabled = FALSE, updated_at = now()
	WHERE id = $1`

	if _, err := r.pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("revoke provider: %w", err)
	}
	return nil
}

// AuditRepoPG is the PostgreSQL implementation of AuditRepository.
type AuditRepoPG struct {
	pool *pgxpool.Pool
}

func NewAuditRepoPG(pool *pgxpool.Pool) *AuditRepoPG {
	return &AuditRepoPG{pool: pool}
}

func (r *AuditRepoPG) Append(ctx context.Context, entry *AuditEntry) error {
	var metadata []byte
	if entry.Metadata != nil {
		var err error
		metadata, err = json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	const q = `INSERT INTO fhir_audit_log
	(id, provider_id, user_id, action, success, error_message, metadata, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.pool.Exec(ctx, q,
		entry.ID, entry.ProviderID, entry.UserID, entry.Action,
		entry.Success, entry.ErrorMessage, metadata, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (r *AuditRepoPG) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*AuditEntry, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM fhir_audit_log WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}

	const q = `SELECT id, provider_id, user_id, action, success, error_message, metadata, created_at
	FROM fhir_audit_log WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`

	rows, err := r.pool.Query(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.ProviderID, &e.UserID, &e.Action, &e.Success, &e.ErrorMessage, &metadata, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan audit entry: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, 0, fmt.Errorf("unmarshal audit metadata: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, total, nil
}
