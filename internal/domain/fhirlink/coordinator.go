package fhirlink

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/remedara/remedara/internal/platform/secrets"
)

// TimelineScrubber removes a provider's synced data when the link is revoked.
// Implemented by the timeline store.
type TimelineScrubber interface {
	DeleteByProvider(ctx context.Context, providerID uuid.UUID) (int64, error)
}

// CoordinatorConfig carries the OAuth client registration and flow settings.
type CoordinatorConfig struct {
	ClientID    string
	RedirectURI string

	// Scopes is the space-separated scope string requested during
	// authorization. Capabilities are always derived from what is granted,
	// never from this.
	Scopes string

	// PendingTTL bounds how long an initiated handshake stays redeemable.
	PendingTTL time.Duration

	// RetentionDays is recorded on each new link's compliance block.
	RetentionDays int
}

// Coordinator drives the provider-linking lifecycle: initiating the
// authorization handshake, completing it on callback, and listing or revoking
// established links.
type Coordinator struct {
	cfg      CoordinatorConfig
	repo     ProviderRepository
	resolver *Resolver
	registry *Registry
	client   *Client
	secrets  *secrets.Service
	timeline TimelineScrubber
	audit    *AuditRecorder
	logger   zerolog.Logger
}

func NewCoordinator(
	cfg CoordinatorConfig,
	repo ProviderRepository,
	resolver *Resolver,
	registry *Registry,
	client *Client,
	secretsSvc *secrets.Service,
	timeline TimelineScrubber,
	audit *AuditRecorder,
	logger zerolog.Logger,
) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		repo:     repo,
		resolver: resolver,
		registry: registry,
		client:   client,
		secrets:  secretsSvc,
		timeline: timeline,
		audit:    audit,
		logger:   logger,
	}
}

// InitiateRequest selects the organization to link, either by registry key or
// by explicit FHIR base URL.
type InitiateRequest struct {
	ProviderKey string `json:"provider_key,omitempty"`
	OrgName     string `json:"org_name,omitempty"`
	BaseURL     string `json:"base_url,omitempty"`
}

// InitiateResult is what the frontend needs to send the browser onward.
type InitiateResult struct {
	AuthorizeURL string    `json:"authorize_url"`
	State        string    `json:"state"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Initiate resolves the organization's SMART configuration, records a pending
// linking session, and returns the authorization redirect. Each call creates
// an independent session; concurrent initiations for the same organization
// simply race to the callback, where the state nonce picks the winner.
func (co *Coordinator) Initiate(ctx context.Context, userID uuid.UUID, req InitiateRequest) (*InitiateResult, error) {
	orgName := req.OrgName
	baseURL := req.BaseURL
	wellKnown := ""

	if req.ProviderKey != "" {
		known, ok := co.registry.Lookup(req.ProviderKey)
		if !ok {
			return nil, fmt.Errorf("unknown provider key %q", req.ProviderKey)
		}
		orgName = known.Name
		baseURL = known.BaseURL
		wellKnown = known.WellKnownURL
	}
	if baseURL == "" {
		return nil, fmt.Errorf("either provider_key or base_url is required")
	}
	if wellKnown == "" {
		wellKnown = WellKnownFor(baseURL)
	}
	if orgName == "" {
		orgName = baseURL
	}

	config, err := co.resolver.Resolve(ctx, wellKnown)
	if err != nil {
		return nil, err
	}

	pkce, err := secrets.GeneratePKCE()
	if err != nil {
		return nil, fmt.Errorf("generate pkce: %w", err)
	}
	state, err := secrets.GenerateState()
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}

	now := time.Now().UTC()
	pending := &PendingLink{
		ID:              uuid.New(),
		UserID:          userID,
		OrgName:         orgName,
		BaseURL:         baseURL,
		Config:          config,
		State:           state,
		CodeVerifier:    pkce.CodeVerifier,
		RequestedScopes: co.cfg.Scopes,
		CreatedAt:       now,
		ExpiresAt:       now.Add(co.cfg.PendingTTL),
	}
	if err := co.repo.CreatePending(ctx, pending); err != nil {
		return nil, err
	}

	return &InitiateResult{
		AuthorizeURL: buildAuthorizeURL(config.AuthorizationEndpoint, co.cfg.ClientID, co.cfg.RedirectURI, co.cfg.Scopes, state, baseURL, pkce),
		State:        state,
		ExpiresAt:    pending.ExpiresAt,
	}, nil
}

// CallbackParams is what the authorization server sent back on the redirect.
type CallbackParams struct {
	State            string
	Code             string
	Error            string
	ErrorDescription string
}

// Callback completes the handshake: it consumes the pending session matching
// the state nonce, exchanges the code, derives capabilities from the granted
// scope, encrypts the tokens, and persists the link. Every failure path is
// audited before returning.
func (co *Coordinator) Callback(ctx context.Context, userID uuid.UUID, params CallbackParams) (*LinkedProvider, error) {
	pending, err := co.repo.ConsumePending(ctx, userID, params.State)
	if err != nil {
		co.audit.Record(ctx, userID, nil, AuditLinkFailed, false, err.Error(), nil)
		return nil, err
	}
	if pending == nil {
		co.audit.Record(ctx, userID, nil, AuditLinkFailed, false, ErrInvalidState.Error(), nil)
		return nil, ErrInvalidState
	}

	meta := map[string]interface{}{"org_name": pending.OrgName, "base_url": pending.BaseURL}

	if params.Error != "" {
		denied := &AuthorizationDeniedError{Code: params.Error, Description: params.ErrorDescription}
		co.audit.Record(ctx, userID, nil, AuditLinkFailed, false, denied.Error(), meta)
		return nil, denied
	}

	tokens, err := exchangeCode(ctx, co.client.http, pending.Config.TokenEndpoint, co.cfg.ClientID, params.Code, co.cfg.RedirectURI, pending.CodeVerifier)
	if err != nil {
		co.audit.Record(ctx, userID, nil, AuditLinkFailed, false, err.Error(), meta)
		return nil, err
	}

	// Per RFC 6749 an omitted scope in the response means the request was
	// granted as asked.
	grantedScope := tokens.Scope
	if grantedScope == "" {
		grantedScope = pending.RequestedScopes
	}

	encrypted, err := encryptBundle(co.secrets, tokens)
	if err != nil {
		co.audit.Record(ctx, userID, nil, AuditLinkFailed, false, err.Error(), meta)
		return nil, err
	}

	now := time.Now().UTC()
	provider := &LinkedProvider{
		ID:              uuid.New(),
		UserID:          userID,
		OrgName:         pending.OrgName,
		BaseURL:         pending.BaseURL,
		Config:          pending.Config,
		Status:          StatusActive,
		EncryptedTokens: encrypted,
		Capabilities:    DeriveCapabilities(grantedScope),

		AuditEnabled:       true,
		EncryptionVerified: true,
		ConsentVerified:    true,
		RetentionDays:      co.cfg.RetentionDays,

		SyncEnabled: true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if tokens.ExpiresIn > 0 {
		expiresAt := now.Add(time.Duration(tokens.ExpiresIn) * time.Second)
		provider.TokenExpiresAt = &expiresAt
	}
	if tokens.PatientID != "" {
		provider.PatientIDs = []PatientIdentifier{{
			System: pending.BaseURL,
			Value:  tokens.PatientID,
			Hash:   co.secrets.HashPatientID(tokens.PatientID),
		}}
	}

	co.enrich(ctx, provider, tokens.PatientID)

	if err := co.repo.Create(ctx, provider); err != nil {
		persistErr := &PersistError{Err: err}
		co.audit.Record(ctx, userID, nil, AuditLinkFailed, false, persistErr.Error(), meta)
		return nil, persistErr
	}

	co.audit.Record(ctx, userID, &provider.ID, AuditLinkCreated, true, "", meta)
	co.logger.Info().
		Str("user_id", userID.String()).
		Str("provider_id", provider.ID.String()).
		Str("org", provider.OrgName).
		Msg("provider linked")

	return provider, nil
}

// enrich reads the linked Patient resource to fill in display details and
// harvest the patient identifiers the server reports (MRNs, national ids).
// Best effort: enrichment failures never fail the link.
func (co *Coordinator) enrich(ctx context.Context, provider *LinkedProvider, patientID string) {
	if patientID == "" {
		return
	}

	patient, err := co.client.FetchResource(ctx, provider, "Patient/"+patientID)
	if err != nil {
		co.logger.Warn().Err(err).
			Str("provider_id", provider.ID.String()).
			Msg("patient enrichment fetch failed")
		return
	}

	if org, ok := patient["managingOrganization"].(map[string]interface{}); ok {
		if display, ok := org["display"].(string); ok && display != "" && provider.OrgName == provider.BaseURL {
			provider.OrgName = display
		}
	}

	identifiers, _ := patient["identifier"].([]interface{})
	for _, raw := range identifiers {
		id, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		value, _ := id["value"].(string)
		if value == "" {
			continue
		}
		system, _ := id["system"].(string)
		provider.AddPatientIdentifier(PatientIdentifier{
			System: system,
			Value:  value,
			Hash:   co.secrets.HashPatientID(value),
		})
	}
}

// List returns the user's linked providers with derived freshness flags.
func (co *Coordinator) List(ctx context.Context, userID uuid.UUID) ([]*LinkedProvider, error) {
	return co.repo.ListByUser(ctx, userID)
}

// Get returns one of the user's linked providers, or nil when absent.
func (co *Coordinator) Get(ctx context.Context, userID, providerID uuid.UUID) (*LinkedProvider, error) {
	return co.repo.GetForUser(ctx, userID, providerID)
}

// Revoke severs a link: remote token revocation is attempted best effort,
// then the local record is scrubbed of token material and every timeline
// entry sourced from the provider is deleted.
func (co *Coordinator) Revoke(ctx context.Context, userID, providerID uuid.UUID) error {
	provider, err := co.repo.GetForUser(ctx, userID, providerID)
	if err != nil {
		return err
	}
	if provider == nil {
		return ErrProviderNotFound
	}

	co.client.Revoke(ctx, provider)

	if err := co.repo.Revoke(ctx, providerID); err != nil {
		co.audit.Record(ctx, userID, &providerID, AuditLinkRevoked, false, err.Error(), nil)
		return err
	}

	removed, err := co.timeline.DeleteByProvider(ctx, providerID)
	if err != nil {
		// The link is already severed; synced data cleanup failing is
		// reported but does not resurrect the link.
		co.logger.Error().Err(err).
			Str("provider_id", providerID.String()).
			Msg("failed to delete timeline entries for revoked provider")
	}

	co.audit.Record(ctx, userID, &providerID, AuditLinkRevoked, true, "", map[string]interface{}{
		"entries_removed": removed,
	})
	return nil
}
