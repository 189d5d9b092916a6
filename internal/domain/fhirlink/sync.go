package fhirlink

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/remedara/remedara/internal/domain/timeline"
)

// Locker serializes syncs per provider. Implemented by the Postgres advisory
// lock store.
type Locker interface {
	TryAcquire(ctx context.Context, providerID string) (release func(), ok bool, err error)
}

// SyncOptions narrows one sync run. The zero value means a full sync of
// every resource type the granted scope allows.
type SyncOptions struct {
	// Since restricts fetches to resources updated after this instant.
	Since time.Time

	// ResourceTypes restricts the run to this subset. The effective set is
	// always the intersection with the granted capabilities; a requested
	// type outside the grant is silently skipped, never fetched.
	ResourceTypes []string
}

// filterTypes intersects the capability-granted types with the requested
// subset, preserving the engine's fetch order.
func (o SyncOptions) filterTypes(granted []string) []string {
	if len(o.ResourceTypes) == 0 {
		return granted
	}
	requested := make(map[string]bool, len(o.ResourceTypes))
	for _, rt := range o.ResourceTypes {
		requested[rt] = true
	}

	var types []string
	for _, rt := range granted {
		if requested[rt] {
			types = append(types, rt)
		}
	}
	return types
}

// SyncStatus summarizes how a provider sync ended.
type SyncStatus string

const (
	SyncCompleted SyncStatus = "completed"
	SyncPartial   SyncStatus = "partial"
	SyncFailed    SyncStatus = "failed"
)

// SyncResult reports one provider's sync outcome. A multi-provider sync
// yields one result per provider regardless of individual failures.
type SyncResult struct {
	ProviderID uuid.UUID      `json:"provider_id"`
	OrgName    string         `json:"org_name"`
	Status     SyncStatus     `json:"status"`
	Counts     map[string]int `json:"counts,omitempty"`
	Entries    int            `json:"entries"`
	Errors     []string       `json:"errors,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Engine pulls clinical data from linked providers into the unified timeline.
// Within a provider, each resource type is fetched independently and a
// failure in one never aborts the rest; the per-type errors are accumulated
// on the result instead.
type Engine struct {
	repo        ProviderRepository
	client      *Client
	entries     timeline.Repository
	locker      Locker
	audit       *AuditRecorder
	logger      zerolog.Logger
	concurrency int
}

func NewEngine(
	repo ProviderRepository,
	client *Client,
	entries timeline.Repository,
	locker Locker,
	audit *AuditRecorder,
	logger zerolog.Logger,
	concurrency int,
) *Engine {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Engine{
		repo:        repo,
		client:      client,
		entries:     entries,
		locker:      locker,
		audit:       audit,
		logger:      logger,
		concurrency: concurrency,
	}
}

// SyncProvider syncs one provider. Returns ErrSyncInProgress when another
// sync of the same provider holds the lock.
func (e *Engine) SyncProvider(ctx context.Context, userID, providerID uuid.UUID, opts SyncOptions) (*SyncResult, error) {
	provider, err := e.repo.GetForUser(ctx, userID, providerID)
	if err != nil {
		return nil, err
	}
	if provider == nil {
		return nil, ErrProviderNotFound
	}

	release, ok, err := e.locker.TryAcquire(ctx, provider.ID.String())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSyncInProgress
	}
	defer release()

	return e.syncLocked(ctx, provider, opts), nil
}

// SyncAll syncs every active, sync-enabled provider of the user with bounded
// concurrency. One failing provider never blocks the others; each provider
// gets its own result.
func (e *Engine) SyncAll(ctx context.Context, userID uuid.UUID, opts SyncOptions) ([]*SyncResult, error) {
	providers, err := e.repo.ListSyncable(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(providers) == 0 {
		return nil, nil
	}

	results := make([]*SyncResult, len(providers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for i, provider := range providers {
		i, provider := i, provider
		g.Go(func() error {
			release, ok, err := e.locker.TryAcquire(gctx, provider.ID.String())
			if err != nil || !ok {
				msg := ErrSyncInProgress.Error()
				if err != nil {
					msg = err.Error()
				}
				results[i] = &SyncResult{
					ProviderID: provider.ID,
					OrgName:    provider.OrgName,
					Status:     SyncFailed,
					Errors:     []string{msg},
					StartedAt:  time.Now().UTC(),
					FinishedAt: time.Now().UTC(),
				}
				return nil
			}
			defer release()

			results[i] = e.syncLocked(gctx, provider, opts)
			return nil
		})
	}
	g.Wait()

	return results, nil
}

// syncLocked runs the per-provider sync with the provider lock held.
func (e *Engine) syncLocked(ctx context.Context, provider *LinkedProvider, opts SyncOptions) *SyncResult {
	result := &SyncResult{
		ProviderID: provider.ID,
		OrgName:    provider.OrgName,
		Counts:     make(map[string]int),
		StartedAt:  time.Now().UTC(),
	}

	e.audit.Record(ctx, provider.UserID, &provider.ID, AuditSyncStarted, true, "", nil)

	types := opts.filterTypes(provider.Capabilities.SyncableTypes())
	var succeeded int
	for _, resourceType := range types {
		n, err := e.syncResourceType(ctx, provider, resourceType, opts.Since)
		if err != nil {
			syncErr := &SyncError{ResourceType: resourceType, Err: err}
			result.Errors = append(result.Errors, syncErr.Error())
			e.logger.Warn().Err(err).
				Str("provider_id", provider.ID.String()).
				Str("resource_type", resourceType).
				Msg("resource type sync failed")
			continue
		}
		succeeded++
		result.Counts[resourceType] = n
		result.Entries += n
	}

	result.FinishedAt = time.Now().UTC()
	switch {
	case len(types) == 0 || succeeded == len(types):
		result.Status = SyncCompleted
	case succeeded > 0:
		result.Status = SyncPartial
	default:
		result.Status = SyncFailed
	}

	if succeeded > 0 || len(types) == 0 {
		if err := e.repo.MarkSynced(ctx, provider.ID, result.FinishedAt); err != nil {
			e.logger.Error().Err(err).
				Str("provider_id", provider.ID.String()).
				Msg("failed to record sync time")
		}
	}

	meta := map[string]interface{}{"entries": result.Entries, "status": string(result.Status)}
	if result.Status == SyncFailed {
		e.audit.Record(ctx, provider.UserID, &provider.ID, AuditSyncFailed, false, joinErrors(result.Errors), meta)
	} else {
		e.audit.Record(ctx, provider.UserID, &provider.ID, AuditSyncCompleted, true, joinErrors(result.Errors), meta)
	}

	return result
}

func (e *Engine) syncResourceType(ctx context.Context, provider *LinkedProvider, resourceType string, since time.Time) (int, error) {
	normalize, ok := normalizers[resourceType]
	if !ok {
		return 0, nil
	}

	resources, err := e.client.SearchPatientResources(ctx, provider, resourceType, since)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	var stored int
	for _, resource := range resources {
		id, _ := resource["id"].(string)
		if id == "" {
			continue
		}

		norm, ok := normalize(resource)
		if !ok {
			continue
		}

		entry := &timeline.Entry{
			ID:          uuid.New(),
			UserID:      provider.UserID,
			ProviderID:  provider.ID,
			Category:    norm.Category,
			EffectiveAt: norm.EffectiveAt,
			Title:       norm.Title,
			Summary:     norm.Summary,
			SourceID:    resourceType + "/" + id,
			Payload:     resource,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.entries.Upsert(ctx, entry); err != nil {
			return stored, err
		}
		stored++
	}
	return stored, nil
}

func joinErrors(errs []string) string {
	if len(errs) == 0 {
		return ""
	}
	out := errs[0]
	for _, e := range errs[1:] {
		out += "; " + e
	}
	return out
}
