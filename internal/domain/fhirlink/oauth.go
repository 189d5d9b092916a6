package fhirlink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/remedara/remedara/internal/platform/secrets"
)

// exchangeCode redeems an authorization code at the token endpoint, proving
// possession of the PKCE code verifier.
func exchangeCode(ctx context.Context, client *http.Client, tokenEndpoint, clientID, code, redirectURI, codeVerifier string) (*OAuthTokens, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {clientID},
		"code_verifier": {codeVerifier},
	}
	return postTokenRequest(ctx, client, tokenEndpoint, form)
}

// refreshTokens redeems a refresh token for a new access token.
func refreshTokens(ctx context.Context, client *http.Client, tokenEndpoint, clientID, refreshToken string) (*OAuthTokens, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {clientID},
	}
	return postTokenRequest(ctx, client, tokenEndpoint, form)
}

func postTokenRequest(ctx context.Context, client *http.Client, tokenEndpoint string, form url.Values) (*OAuthTokens, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &TokenExchangeError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, &TokenExchangeError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &TokenExchangeError{StatusCode: resp.StatusCode}
	}

	var tokens OAuthTokens
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return nil, &InvalidTokenResponseError{Reason: fmt.Sprintf("decode body: %v", err)}
	}
	if tokens.AccessToken == "" {
		return nil, &InvalidTokenResponseError{Reason: "missing access_token"}
	}
	return &tokens, nil
}

// revokeToken notifies the authorization server that a token is no longer in
// use. Best effort: the server may not expose a revocation endpoint at all.
func revokeToken(ctx context.Context, client *http.Client, revocationEndpoint, clientID, token string) error {
	form := url.Values{
		"token":     {token},
		"client_id": {clientID},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, revocationEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("revocation endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// buildAuthorizeURL assembles the redirect that starts the handshake at the
// external authorization endpoint.
func buildAuthorizeURL(authEndpoint, clientID, redirectURI, scope, state, audience string, pkce *secrets.PKCE) string {
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"scope":                 {scope},
		"state":                 {state},
		"aud":                   {audience},
		"code_challenge":        {pkce.CodeChallenge},
		"code_challenge_method": {pkce.CodeChallengeMethod},
	}

	sep := "?"
	if strings.Contains(authEndpoint, "?") {
		sep = "&"
	}
	return authEndpoint + sep + q.Encode()
}

// encryptBundle serializes and encrypts the persistable subset of a token
// response.
func encryptBundle(svc *secrets.Service, tokens *OAuthTokens) (string, error) {
	bundle := tokenBundle{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		Scope:        tokens.Scope,
		PatientID:    tokens.PatientID,
	}
	raw, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("marshal token bundle: %w", err)
	}
	return svc.Encrypt(string(raw))
}

// decryptBundle reverses encryptBundle.
func decryptBundle(svc *secrets.Service, encrypted string) (*tokenBundle, error) {
	raw, err := svc.Decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt token bundle: %w", err)
	}
	var bundle tokenBundle
	if err := json.Unmarshal([]byte(raw), &bundle); err != nil {
		return nil, fmt.Errorf("unmarshal token bundle: %w", err)
	}
	return &bundle, nil
}
