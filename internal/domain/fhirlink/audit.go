package fhirlink

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Audit actions recorded for provider lifecycle and sync events.
const (
	AuditLinkCreated   = "link_created"
	AuditLinkFailed    = "link_failed"
	AuditLinkRevoked   = "link_revoked"
	AuditSyncStarted   = "sync_started"
	AuditSyncCompleted = "sync_completed"
	AuditSyncFailed    = "sync_failed"
)

// AuditEntry is one append-only record of a lifecycle event.
type AuditEntry struct {
	ID           uuid.UUID              `json:"id"`
	ProviderID   *uuid.UUID             `json:"provider_id,omitempty"`
	UserID       uuid.UUID              `json:"user_id"`
	Action       string                 `json:"action"`
	Success      bool                   `json:"success"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// AuditRecorder appends lifecycle events. Failures to write an audit entry
// are logged but never abort the operation being audited: the full error
// detail belongs in the log, while the caller still gets its own outcome.
type AuditRecorder struct {
	repo   AuditRepository
	logger zerolog.Logger
}

// NewAuditRecorder creates a recorder writing to repo.
func NewAuditRecorder(repo AuditRepository, logger zerolog.Logger) *AuditRecorder {
	return &AuditRecorder{repo: repo, logger: logger}
}

// Record appends an audit entry.
func (r *AuditRecorder) Record(ctx context.Context, userID uuid.UUID, providerID *uuid.UUID, action string, success bool, errMsg string, metadata map[string]interface{}) {
	entry := &AuditEntry{
		ID:           uuid.New(),
		ProviderID:   providerID,
		UserID:       userID,
		Action:       action,
		Success:      success,
		ErrorMessage: errMsg,
		Metadata:     metadata,
		CreatedAt:    time.Now().UTC(),
	}

	if err := r.repo.Append(ctx, entry); err != nil {
		r.logger.Error().Err(err).
			Str("action", action).
			Str("user_id", userID.String()).
			Msg("failed to append audit entry")
	}
}
