package fhirlink

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Resolver discovers an external FHIR server's OAuth endpoints from its
// SMART well-known configuration document. Resolved documents are cached so
// repeated link attempts and token refreshes do not refetch the document.
type Resolver struct {
	client *http.Client
	cache  *ttlcache.Cache[string, SMARTConfiguration]
}

// NewResolver creates a resolver using the given HTTP client. Documents are
// cached for cacheTTL; the background expirer is stopped by Close.
func NewResolver(client *http.Client, cacheTTL time.Duration) *Resolver {
	cache := ttlcache.New[string, SMARTConfiguration](
		ttlcache.WithTTL[string, SMARTConfiguration](cacheTTL),
	)
	go cache.Start()

	return &Resolver{
		client: client,
		cache:  cache,
	}
}

// Close stops the cache's background expiration loop.
func (r *Resolver) Close() {
	r.cache.Stop()
}

// Resolve fetches and validates the well-known configuration document at
// wellKnownURL. A non-2xx status or unparseable body yields a
// DiscoveryError; a document without both an authorization and a token
// endpoint yields an InvalidConfigurationError, since every subsequent step
// of the handshake depends on them.
func (r *Resolver) Resolve(ctx context.Context, wellKnownURL string) (SMARTConfiguration, error) {
	if item := r.cache.Get(wellKnownURL); item != nil {
		return item.Value(), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnownURL, nil)
	if err != nil {
		return SMARTConfiguration{}, &DiscoveryError{URL: wellKnownURL, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return SMARTConfiguration{}, &DiscoveryError{URL: wellKnownURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return SMARTConfiguration{}, &DiscoveryError{
			URL: wellKnownURL,
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	var config SMARTConfiguration
	if err := json.NewDecoder(resp.Body).Decode(&config); err != nil {
		return SMARTConfiguration{}, &DiscoveryError{URL: wellKnownURL, Err: fmt.Errorf("decode body: %w", err)}
	}

	if config.AuthorizationEndpoint == "" {
		return SMARTConfiguration{}, &InvalidConfigurationError{Missing: "authorization_endpoint"}
	}
	if config.TokenEndpoint == "" {
		return SMARTConfiguration{}, &InvalidConfigurationError{Missing: "token_endpoint"}
	}

	r.cache.Set(wellKnownURL, config, ttlcache.DefaultTTL)
	return config, nil
}
