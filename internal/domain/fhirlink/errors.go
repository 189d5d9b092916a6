package fhirlink

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrInvalidState is returned when a callback presents a state value with no
// matching pending linking session. This is the CSRF and replay defense: a
// consumed, expired, or forged state all fail the same way.
var ErrInvalidState = errors.New("no pending linking session matches state")

// ErrProviderNotFound is returned when the user has no linked provider with
// the requested id.
var ErrProviderNotFound = errors.New("linked provider not found")

// ErrSyncInProgress is returned when a sync is requested for a provider that
// already has one in flight.
var ErrSyncInProgress = errors.New("a sync for this provider is already in progress")

// DiscoveryError indicates the well-known configuration document could not
// be fetched or parsed.
type DiscoveryError struct {
	URL string
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover smart configuration %s: %v", e.URL, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// InvalidConfigurationError indicates a discovered configuration is missing
// an endpoint every subsequent step depends on.
type InvalidConfigurationError struct {
	Missing string
}

func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("smart configuration missing %s", e.Missing)
}

// AuthorizationDeniedError indicates the external authorization server sent
// the user back with an error instead of a code, e.g. the user declined the
// consent screen.
type AuthorizationDeniedError struct {
	Code        string
	Description string
}

func (e *AuthorizationDeniedError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("authorization denied: %s (%s)", e.Code, e.Description)
	}
	return fmt.Sprintf("authorization denied: %s", e.Code)
}

// PersistError indicates the handshake succeeded but the resulting link could
// not be written. The external grant exists; only our record of it is lost.
type PersistError struct {
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist link: %v", e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// TokenExchangeError indicates the authorization-code or refresh-token
// exchange failed at the HTTP level or was rejected by the server.
type TokenExchangeError struct {
	StatusCode int
	Err        error
}

func (e *TokenExchangeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("token exchange failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("token exchange failed: %v", e.Err)
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

// InvalidTokenResponseError indicates the token endpoint answered 200 but
// the payload lacks a required field.
type InvalidTokenResponseError struct {
	Reason string
}

func (e *InvalidTokenResponseError) Error() string {
	return fmt.Sprintf("invalid token response: %s", e.Reason)
}

// TokenExpiredError indicates the access token expired and could not be
// refreshed; the link has been marked expired and needs relinking.
type TokenExpiredError struct {
	ProviderID uuid.UUID
}

func (e *TokenExpiredError) Error() string {
	return fmt.Sprintf("token for provider %s expired and refresh failed", e.ProviderID)
}

// SyncError is a per-resource-type failure captured inside a sync result.
// It never aborts sibling resource types.
type SyncError struct {
	ResourceType string
	Err          error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s: %v", e.ResourceType, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }
