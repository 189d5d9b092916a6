package fhirlink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/remedara/remedara/internal/domain/timeline"
)

type coordinatorFixture struct {
	coordinator *Coordinator
	repo        *memProviderRepo
	audit       *memAuditRepo
	timeline    *memTimelineRepo
	tokenSrv    *httptest.Server
	fhirSrv     *httptest.Server
	userID      uuid.UUID
}

func newCoordinatorFixture(t *testing.T, tokenHandler http.HandlerFunc) *coordinatorFixture {
	t.Helper()

	if tokenHandler == nil {
		tokenHandler = func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(OAuthTokens{
				AccessToken:  "at-123",
				RefreshToken: "rt-456",
				ExpiresIn:    3600,
				Scope:        "patient/Observation.read patient/AllergyIntolerance.read",
				PatientID:    "pat-9",
			})
		}
	}
	tokenSrv := httptest.NewServer(tokenHandler)
	t.Cleanup(tokenSrv.Close)

	fhirSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/Patient/") {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"resourceType": "Patient",
				"id":           "pat-9",
				"identifier": []interface{}{
					map[string]interface{}{"system": "http://hospital.example.org/mrn", "value": "MRN-0042"},
					map[string]interface{}{"system": "urn:oid:2.16.840.1.113883.4.1", "value": "999-55-1111"},
					map[string]interface{}{"system": "http://hospital.example.org/mrn", "value": "MRN-0042"},
				},
			})
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(fhirSrv.Close)

	repo := newMemProviderRepo()
	auditRepo := &memAuditRepo{}
	secretsSvc := testSecrets(t)
	httpClient := &http.Client{Timeout: 5 * time.Second}
	client := NewClient(httpClient, secretsSvc, repo, "client-1", zerolog.Nop())
	resolver := NewResolver(httpClient, time.Minute)
	t.Cleanup(resolver.Close)
	timelineRepo := newMemTimelineRepo()

	coordinator := NewCoordinator(
		CoordinatorConfig{
			ClientID:      "client-1",
			RedirectURI:   "https://app.example.com/api/fhir/callback",
			Scopes:        "launch/patient openid fhirUser offline_access patient/*.read",
			PendingTTL:    10 * time.Minute,
			RetentionDays: 2555,
		},
		repo,
		resolver,
		DefaultRegistry(),
		client,
		secretsSvc,
		timelineRepo,
		NewAuditRecorder(auditRepo, zerolog.Nop()),
		zerolog.Nop(),
	)

	return &coordinatorFixture{
		coordinator: coordinator,
		repo:        repo,
		audit:       auditRepo,
		timeline:    timelineRepo,
		tokenSrv:    tokenSrv,
		fhirSrv:     fhirSrv,
		userID:      uuid.New(),
	}
}

// seedPending plants a consumable pending session, as Initiate would.
func (f *coordinatorFixture) seedPending(t *testing.T, state string) *PendingLink {
	t.Helper()
	now := time.Now().UTC()
	pending := &PendingLink{
		ID:      uuid.New(),
		UserID:  f.userID,
		OrgName: "General Hospital",
		BaseURL: f.fhirSrv.URL,
		Config: SMARTConfiguration{
			AuthorizationEndpoint: "https://auth.example.com/authorize",
			TokenEndpoint:         f.tokenSrv.URL,
		},
		State:           state,
		CodeVerifier:    "verifier-xyz",
		RequestedScopes: "launch/patient openid patient/*.read",
		CreatedAt:       now,
		ExpiresAt:       now.Add(10 * time.Minute),
	}
	if err := f.repo.CreatePending(context.Background(), pending); err != nil {
		t.Fatalf("seed pending: %v", err)
	}
	return pending
}

func TestInitiateCreatesPendingSession(t *testing.T) {
	f := newCoordinatorFixture(t, nil)

	wellKnown := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/smart-configuration" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(SMARTConfiguration{
			AuthorizationEndpoint: "https://auth.example.com/authorize",
			TokenEndpoint:         f.tokenSrv.URL,
		})
	}))
	defer wellKnown.Close()

	result, err := f.coordinator.Initiate(context.Background(), f.userID, InitiateRequest{
		OrgName: "General Hospital",
		BaseURL: wellKnown.URL,
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	if !strings.HasPrefix(result.AuthorizeURL, "https://auth.example.com/authorize?") {
		t.Errorf("authorize url = %q", result.AuthorizeURL)
	}
	if !strings.Contains(result.AuthorizeURL, "code_challenge_method=S256") {
		t.Error("authorize url missing PKCE challenge method")
	}
	if result.State == "" {
		t.Fatal("state is empty")
	}

	pending, err := f.repo.ConsumePending(context.Background(), f.userID, result.State)
	if err != nil || pending == nil {
		t.Fatalf("pending session not consumable: %v %v", pending, err)
	}
	if pending.CodeVerifier == "" {
		t.Error("pending session has no code verifier")
	}
}

func TestInitiateUnknownProviderKey(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	_, err := f.coordinator.Initiate(context.Background(), f.userID, InitiateRequest{ProviderKey: "nonexistent"})
	if err == nil {
		t.Fatal("expected error for unknown provider key")
	}
}

func TestCallbackLinksProvider(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	f.seedPending(t, "state-7")

	provider, err := f.coordinator.Callback(context.Background(), f.userID, CallbackParams{
		State: "state-7",
		Code:  "code-abc",
	})
	if err != nil {
		t.Fatalf("Callback: %v", err)
	}

	if provider.Status != StatusActive {
		t.Errorf("status = %s, want active", provider.Status)
	}

	// Capabilities come from the granted subset, not the wildcard request.
	if !provider.Capabilities.CanAccessLabs || !provider.Capabilities.CanAccessAllergies {
		t.Errorf("granted capabilities missing: %+v", provider.Capabilities)
	}
	if provider.Capabilities.CanAccessMedications || provider.Capabilities.CanSchedule {
		t.Errorf("capabilities exceed granted scope: %+v", provider.Capabilities)
	}

	if provider.EncryptedTokens == "" || strings.Contains(provider.EncryptedTokens, "at-123") {
		t.Error("tokens not stored encrypted")
	}

	if len(provider.PatientIDs) == 0 {
		t.Fatal("no patient identifiers recorded")
	}
	if provider.PatientIDs[0].Hash == "" || provider.PatientIDs[0].Hash == "pat-9" {
		t.Errorf("patient hash = %q", provider.PatientIDs[0].Hash)
	}

	stored := f.repo.get(provider.ID)
	if stored == nil {
		t.Fatal("provider not persisted")
	}

	actions := f.audit.actions()
	if len(actions) != 1 || actions[0] != AuditLinkCreated {
		t.Errorf("audit actions = %v", actions)
	}
}

func TestCallbackHarvestsPatientIdentifiers(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	f.seedPending(t, "state-7")

	provider, err := f.coordinator.Callback(context.Background(), f.userID, CallbackParams{
		State: "state-7",
		Code:  "code-abc",
	})
	if err != nil {
		t.Fatalf("Callback: %v", err)
	}

	// The token-response id plus the two distinct identifiers on the Patient
	// resource; the duplicate MRN is recorded once.
	if len(provider.PatientIDs) != 3 {
		t.Fatalf("patient ids = %d, want 3", len(provider.PatientIDs))
	}

	byValue := make(map[string]PatientIdentifier, len(provider.PatientIDs))
	for _, id := range provider.PatientIDs {
		if id.Hash == "" || id.Hash == id.Value {
			t.Errorf("identifier %q has no one-way hash: %q", id.Value, id.Hash)
		}
		byValue[id.Value] = id
	}
	if _, ok := byValue["MRN-0042"]; !ok {
		t.Error("MRN identifier not harvested")
	}
	if id, ok := byValue["999-55-1111"]; !ok || id.System != "urn:oid:2.16.840.1.113883.4.1" {
		t.Errorf("national identifier not harvested: %+v", id)
	}
}

func TestCallbackInvalidState(t *testing.T) {
	f := newCoordinatorFixture(t, nil)

	_, err := f.coordinator.Callback(context.Background(), f.userID, CallbackParams{
		State: "never-issued",
		Code:  "code-abc",
	})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}

	actions := f.audit.actions()
	if len(actions) != 1 || actions[0] != AuditLinkFailed {
		t.Errorf("audit actions = %v", actions)
	}
}

func TestCallbackStateIsSingleUse(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	f.seedPending(t, "state-7")

	if _, err := f.coordinator.Callback(context.Background(), f.userID, CallbackParams{State: "state-7", Code: "code-abc"}); err != nil {
		t.Fatalf("first callback: %v", err)
	}

	_, err := f.coordinator.Callback(context.Background(), f.userID, CallbackParams{State: "state-7", Code: "code-abc"})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("replayed callback err = %v, want ErrInvalidState", err)
	}
}

func TestCallbackExpiredSessionRejected(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	f.seedPending(t, "state-7")
	f.repo.pending[0].ExpiresAt = time.Now().Add(-time.Minute)

	_, err := f.coordinator.Callback(context.Background(), f.userID, CallbackParams{State: "state-7", Code: "code-abc"})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
}

func TestCallbackAuthorizationDenied(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	f.seedPending(t, "state-7")

	_, err := f.coordinator.Callback(context.Background(), f.userID, CallbackParams{
		State:            "state-7",
		Error:            "access_denied",
		ErrorDescription: "user declined",
	})
	var denied *AuthorizationDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want AuthorizationDeniedError", err)
	}
	if denied.Code != "access_denied" {
		t.Errorf("code = %q", denied.Code)
	}
}

func TestCallbackTokenExchangeFailure(t *testing.T) {
	f := newCoordinatorFixture(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	})
	f.seedPending(t, "state-7")

	_, err := f.coordinator.Callback(context.Background(), f.userID, CallbackParams{State: "state-7", Code: "bad"})
	var exchange *TokenExchangeError
	if !errors.As(err, &exchange) {
		t.Fatalf("err = %v, want TokenExchangeError", err)
	}

	actions := f.audit.actions()
	if len(actions) != 1 || actions[0] != AuditLinkFailed {
		t.Errorf("audit actions = %v", actions)
	}
}

func TestRevokeScrubsTokensAndTimeline(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	f.seedPending(t, "state-7")

	provider, err := f.coordinator.Callback(context.Background(), f.userID, CallbackParams{State: "state-7", Code: "code-abc"})
	if err != nil {
		t.Fatalf("Callback: %v", err)
	}

	entry := &timeline.Entry{
		ID:          uuid.New(),
		UserID:      f.userID,
		ProviderID:  provider.ID,
		Category:    timeline.CategoryLab,
		EffectiveAt: time.Now(),
		Title:       "CBC panel",
		SourceID:    "Observation/1",
	}
	if err := f.timeline.Upsert(context.Background(), entry); err != nil {
		t.Fatalf("seed timeline: %v", err)
	}

	if err := f.coordinator.Revoke(context.Background(), f.userID, provider.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	stored := f.repo.get(provider.ID)
	if stored.Status != StatusRevoked {
		t.Errorf("status = %s, want revoked", stored.Status)
	}
	if stored.EncryptedTokens != "" {
		t.Error("revoked provider still holds token material")
	}
	if f.timeline.size() != 0 {
		t.Errorf("timeline entries remaining = %d, want 0", f.timeline.size())
	}

	listed, err := f.coordinator.List(context.Background(), f.userID)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listed) != 0 {
		t.Errorf("revoked provider still listed: %d", len(listed))
	}
}

func TestRevokeUnknownProvider(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	err := f.coordinator.Revoke(context.Background(), f.userID, uuid.New())
	if !errors.Is(err, ErrProviderNotFound) {
		t.Fatalf("err = %v, want ErrProviderNotFound", err)
	}
}
