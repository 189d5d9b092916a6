package fhirlink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func wellKnownServer(t *testing.T, config SMARTConfiguration, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(config)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveReturnsEndpoints(t *testing.T) {
	srv := wellKnownServer(t, SMARTConfiguration{
		AuthorizationEndpoint: "https://auth.example.com/authorize",
		TokenEndpoint:         "https://auth.example.com/token",
		ScopesSupported:       []string{"openid", "patient/*.read"},
	}, nil)

	resolver := NewResolver(srv.Client(), time.Minute)
	defer resolver.Close()

	config, err := resolver.Resolve(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if config.AuthorizationEndpoint != "https://auth.example.com/authorize" {
		t.Errorf("authorization endpoint = %q", config.AuthorizationEndpoint)
	}
	if config.TokenEndpoint != "https://auth.example.com/token" {
		t.Errorf("token endpoint = %q", config.TokenEndpoint)
	}
}

func TestResolveCachesDocument(t *testing.T) {
	var hits atomic.Int64
	srv := wellKnownServer(t, SMARTConfiguration{
		AuthorizationEndpoint: "https://auth.example.com/authorize",
		TokenEndpoint:         "https://auth.example.com/token",
	}, &hits)

	resolver := NewResolver(srv.Client(), time.Minute)
	defer resolver.Close()

	for i := 0; i < 3; i++ {
		if _, err := resolver.Resolve(context.Background(), srv.URL); err != nil {
			t.Fatalf("Resolve %d: %v", i, err)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("document fetched %d times, want 1", got)
	}
}

func TestResolveMissingEndpointIsInvalidConfiguration(t *testing.T) {
	srv := wellKnownServer(t, SMARTConfiguration{
		AuthorizationEndpoint: "https://auth.example.com/authorize",
	}, nil)

	resolver := NewResolver(srv.Client(), time.Minute)
	defer resolver.Close()

	_, err := resolver.Resolve(context.Background(), srv.URL)
	var invalid *InvalidConfigurationError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want InvalidConfigurationError", err)
	}
	if invalid.Missing != "token_endpoint" {
		t.Errorf("missing = %q, want token_endpoint", invalid.Missing)
	}
}

func TestResolveHTTPFailureIsDiscoveryError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not here", http.StatusNotFound)
	}))
	defer srv.Close()

	resolver := NewResolver(srv.Client(), time.Minute)
	defer resolver.Close()

	_, err := resolver.Resolve(context.Background(), srv.URL)
	var discovery *DiscoveryError
	if !errors.As(err, &discovery) {
		t.Fatalf("err = %v, want DiscoveryError", err)
	}
}

func TestResolveGarbageBodyIsDiscoveryError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>maintenance</html>"))
	}))
	defer srv.Close()

	resolver := NewResolver(srv.Client(), time.Minute)
	defer resolver.Close()

	_, err := resolver.Resolve(context.Background(), srv.URL)
	var discovery *DiscoveryError
	if !errors.As(err, &discovery) {
		t.Fatalf("err = %v, want DiscoveryError", err)
	}
}
