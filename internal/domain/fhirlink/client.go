package fhirlink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/remedara/remedara/internal/platform/secrets"
)

// maxBundlePages caps how many searchset pages one resource fetch follows.
const maxBundlePages = 10

// Client performs authenticated reads against an external FHIR server on
// behalf of one linked provider. It transparently refreshes an expired access
// token once per request; if the refresh fails the link is marked expired and
// the caller gets a TokenExpiredError.
type Client struct {
	http     *http.Client
	secrets  *secrets.Service
	repo     ProviderRepository
	clientID string
	logger   zerolog.Logger
}

func NewClient(httpClient *http.Client, secretsSvc *secrets.Service, repo ProviderRepository, clientID string, logger zerolog.Logger) *Client {
	return &Client{
		http:     httpClient,
		secrets:  secretsSvc,
		repo:     repo,
		clientID: clientID,
		logger:   logger,
	}
}

// SearchPatientResources fetches every resource of resourceType for the
// provider's linked patient, following searchset pagination links. A non-zero
// since narrows the search to resources updated after that instant.
func (c *Client) SearchPatientResources(ctx context.Context, provider *LinkedProvider, resourceType string, since time.Time) ([]map[string]interface{}, error) {
	bundle, err := c.tokens(ctx, provider)
	if err != nil {
		return nil, err
	}
	if bundle.PatientID == "" {
		return nil, fmt.Errorf("provider %s has no linked patient id", provider.ID)
	}

	query := url.Values{"patient": {bundle.PatientID}}
	if !since.IsZero() {
		query.Set("_lastUpdated", "gt"+since.UTC().Format(time.RFC3339))
	}
	searchURL := fmt.Sprintf("%s/%s?%s",
		strings.TrimRight(provider.BaseURL, "/"),
		resourceType,
		query.Encode(),
	)

	var resources []map[string]interface{}
	for page := 0; searchURL != "" && page < maxBundlePages; page++ {
		body, err := c.get(ctx, provider, bundle, searchURL)
		if err != nil {
			return nil, err
		}

		var result struct {
			Entry []struct {
				Resource map[string]interface{} `json:"resource"`
			} `json:"entry"`
			Link []struct {
				Relation string `json:"relation"`
				URL      string `json:"url"`
			} `json:"link"`
		}
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("decode %s bundle: %w", resourceType, err)
		}

		for _, entry := range result.Entry {
			if entry.Resource != nil {
				resources = append(resources, entry.Resource)
			}
		}

		searchURL = ""
		for _, link := range result.Link {
			if link.Relation == "next" {
				searchURL = link.URL
				break
			}
		}
	}
	return resources, nil
}

// FetchResource reads a single resource by reference, e.g. "Patient/123".
func (c *Client) FetchResource(ctx context.Context, provider *LinkedProvider, reference string) (map[string]interface{}, error) {
	bundle, err := c.tokens(ctx, provider)
	if err != nil {
		return nil, err
	}

	body, err := c.get(ctx, provider, bundle, strings.TrimRight(provider.BaseURL, "/")+"/"+reference)
	if err != nil {
		return nil, err
	}

	var resource map[string]interface{}
	if err := json.Unmarshal(body, &resource); err != nil {
		return nil, fmt.Errorf("decode %s: %w", reference, err)
	}
	return resource, nil
}

// PatientID returns the external patient id stored in the provider's token
// bundle.
func (c *Client) PatientID(provider *LinkedProvider) (string, error) {
	bundle, err := decryptBundle(c.secrets, provider.EncryptedTokens)
	if err != nil {
		return "", err
	}
	return bundle.PatientID, nil
}

// Revoke tells the authorization server to invalidate the provider's tokens.
// Best effort: a missing revocation endpoint or a server error is logged and
// swallowed, since local scrubbing is what actually severs the link.
func (c *Client) Revoke(ctx context.Context, provider *LinkedProvider) {
	if provider.Config.RevocationEndpoint == "" || provider.EncryptedTokens == "" {
		return
	}

	bundle, err := decryptBundle(c.secrets, provider.EncryptedTokens)
	if err != nil {
		c.logger.Warn().Err(err).Str("provider_id", provider.ID.String()).Msg("cannot decrypt tokens for revocation")
		return
	}

	token := bundle.RefreshToken
	if token == "" {
		token = bundle.AccessToken
	}
	if err := revokeToken(ctx, c.http, provider.Config.RevocationEndpoint, c.clientID, token); err != nil {
		c.logger.Warn().Err(err).Str("provider_id", provider.ID.String()).Msg("remote token revocation failed")
	}
}

// tokens returns a usable token bundle, refreshing proactively when the
// stored access token is already past its expiry.
func (c *Client) tokens(ctx context.Context, provider *LinkedProvider) (*tokenBundle, error) {
	bundle, err := decryptBundle(c.secrets, provider.EncryptedTokens)
	if err != nil {
		return nil, err
	}

	if provider.TokenExpired(time.Now()) {
		return c.refresh(ctx, provider, bundle)
	}
	return bundle, nil
}

// get performs one authenticated GET. A 401 triggers a single refresh and
// retry; a second 401 means the grant itself is dead.
func (c *Client) get(ctx context.Context, provider *LinkedProvider, bundle *tokenBundle, rawURL string) ([]byte, error) {
	body, status, err := c.doGet(ctx, rawURL, bundle.AccessToken)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		refreshed, err := c.refresh(ctx, provider, bundle)
		if err != nil {
			return nil, err
		}
		*bundle = *refreshed

		body, status, err = c.doGet(ctx, rawURL, bundle.AccessToken)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			c.markExpired(ctx, provider)
			return nil, &TokenExpiredError{ProviderID: provider.ID}
		}
	}
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("GET %s: unexpected status %d", rawURL, status)
	}
	return body, nil
}

func (c *Client) doGet(ctx context.Context, rawURL, accessToken string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

// refresh exchanges the refresh token, persists the re-encrypted bundle, and
// returns it. Without a refresh token, or when the exchange fails, the link
// is marked expired.
func (c *Client) refresh(ctx context.Context, provider *LinkedProvider, bundle *tokenBundle) (*tokenBundle, error) {
	if bundle.RefreshToken == "" {
		c.markExpired(ctx, provider)
		return nil, &TokenExpiredError{ProviderID: provider.ID}
	}

	tokens, err := refreshTokens(ctx, c.http, provider.Config.TokenEndpoint, c.clientID, bundle.RefreshToken)
	if err != nil {
		c.logger.Warn().Err(err).Str("provider_id", provider.ID.String()).Msg("token refresh failed")
		c.markExpired(ctx, provider)
		return nil, &TokenExpiredError{ProviderID: provider.ID}
	}

	// Servers may rotate the refresh token or omit it; keep the old one
	// when omitted. Patient context never changes across a refresh.
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = bundle.RefreshToken
	}
	if tokens.PatientID == "" {
		tokens.PatientID = bundle.PatientID
	}
	if tokens.Scope == "" {
		tokens.Scope = bundle.Scope
	}

	encrypted, err := encryptBundle(c.secrets, tokens)
	if err != nil {
		return nil, err
	}

	// A response without expires_in carries no deadline; recording one
	// anyway would force a refresh on every subsequent call.
	var expiresAt *time.Time
	if tokens.ExpiresIn > 0 {
		at := time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second)
		expiresAt = &at
	}
	if err := c.repo.UpdateTokens(ctx, provider.ID, encrypted, expiresAt); err != nil {
		return nil, err
	}
	provider.EncryptedTokens = encrypted
	provider.TokenExpiresAt = expiresAt

	return &tokenBundle{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		Scope:        tokens.Scope,
		PatientID:    tokens.PatientID,
	}, nil
}

func (c *Client) markExpired(ctx context.Context, provider *LinkedProvider) {
	if err := c.repo.SetStatus(ctx, provider.ID, StatusExpired); err != nil {
		c.logger.Error().Err(err).Str("provider_id", provider.ID.String()).Msg("failed to mark provider expired")
	}
	provider.Status = StatusExpired
}
