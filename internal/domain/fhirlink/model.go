package fhirlink

import (
	"time"

	"github.com/google/uuid"
)

// LinkStatus is the lifecycle state of a linked provider.
type LinkStatus string

const (
	StatusActive  LinkStatus = "active"
	StatusExpired LinkStatus = "expired"
	StatusRevoked LinkStatus = "revoked"
)

// SMARTConfiguration holds the OAuth endpoints and advertised scopes
// discovered from an external FHIR server's well-known configuration.
type SMARTConfiguration struct {
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	RevocationEndpoint    string   `json:"revocation_endpoint,omitempty"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
}

// Capabilities describes what a link is permitted to do, derived from the
// scope string the authorization server actually granted.
type Capabilities struct {
	CanSchedule          bool     `json:"can_schedule"`
	CanMessage           bool     `json:"can_message"`
	CanAccessLabs        bool     `json:"can_access_labs"`
	CanAccessMedications bool     `json:"can_access_medications"`
	CanAccessAllergies   bool     `json:"can_access_allergies"`
	CanAccessVitals      bool     `json:"can_access_vitals"`
	ResourceTypes        []string `json:"resource_types,omitempty"`
}

// PatientIdentifier links the internal user to an external patient record.
// The hash is a keyed one-way digest so lookups never need the raw value.
type PatientIdentifier struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value"`
	Hash   string `json:"hash"`
}

// PendingLink is a linking session between Initiate and Callback. It holds
// only handshake state; token material exists solely on a LinkedProvider, so
// an unconsumed session can simply expire without leaving credentials behind.
type PendingLink struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	OrgName         string
	BaseURL         string
	Config          SMARTConfiguration
	State           string
	CodeVerifier    string
	RequestedScopes string
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

// LinkedProvider is one (user, external organization) link with completed
// authorization. Token material is stored encrypted and never serialized
// into API responses.
type LinkedProvider struct {
	ID              uuid.UUID          `json:"id"`
	UserID          uuid.UUID          `json:"user_id"`
	OrgName         string             `json:"org_name"`
	BaseURL         string             `json:"base_url"`
	Config          SMARTConfiguration `json:"config"`
	Status          LinkStatus         `json:"status"`
	EncryptedTokens string             `json:"-"`
	TokenExpiresAt  *time.Time         `json:"token_expires_at,omitempty"`
	Capabilities    Capabilities       `json:"capabilities"`
	PatientIDs      []PatientIdentifier `json:"patient_ids,omitempty"`

	// Compliance flags.
	AuditEnabled       bool `json:"audit_enabled"`
	EncryptionVerified bool `json:"encryption_verified"`
	ConsentVerified    bool `json:"consent_verified"`
	RetentionDays      int  `json:"retention_days"`

	SyncEnabled bool       `json:"sync_enabled"`
	LastSyncAt  *time.Time `json:"last_sync_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AddPatientIdentifier records id unless an identifier with the same system
// and value is already present.
func (p *LinkedProvider) AddPatientIdentifier(id PatientIdentifier) {
	for _, existing := range p.PatientIDs {
		if existing.System == id.System && existing.Value == id.Value {
			return
		}
	}
	p.PatientIDs = append(p.PatientIDs, id)
}

// TokenExpired reports whether the stored access token is past its expiry.
func (p *LinkedProvider) TokenExpired(now time.Time) bool {
	return p.TokenExpiresAt != nil && now.After(*p.TokenExpiresAt)
}

// StaleSync reports whether the link has not synced within the given window.
func (p *LinkedProvider) StaleSync(now time.Time, window time.Duration) bool {
	if p.LastSyncAt == nil {
		return true
	}
	return now.Sub(*p.LastSyncAt) > window
}

// OAuthTokens is a token-endpoint response. It only ever lives in memory;
// persistence goes through the encrypted bundle on LinkedProvider.
type OAuthTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
	PatientID    string `json:"patient,omitempty"`
}

// tokenBundle is the shape encrypted into LinkedProvider.EncryptedTokens.
type tokenBundle struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	PatientID    string `json:"patient_id,omitempty"`
}
