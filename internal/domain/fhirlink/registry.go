package fhirlink

import (
	"sort"
	"strings"
)

// wellKnownPath is the standard SMART discovery document location relative
// to a FHIR base URL.
const wellKnownPath = "/.well-known/smart-configuration"

// KnownProvider is a pre-registered external organization reachable by a
// short key. Arbitrary organizations are supported by supplying a FHIR base
// URL instead of a key.
type KnownProvider struct {
	Key          string `json:"key"`
	Name         string `json:"name"`
	BaseURL      string `json:"base_url"`
	WellKnownURL string `json:"well_known_url"`
}

// Registry maps short provider keys to known organizations. It is injected
// configuration data: adding an organization never touches coordinator logic.
type Registry struct {
	providers map[string]KnownProvider
}

// NewRegistry builds a registry from the given providers.
func NewRegistry(providers ...KnownProvider) *Registry {
	m := make(map[string]KnownProvider, len(providers))
	for _, p := range providers {
		if p.WellKnownURL == "" {
			p.WellKnownURL = WellKnownFor(p.BaseURL)
		}
		m[p.Key] = p
	}
	return &Registry{providers: m}
}

// DefaultRegistry returns the registry of organizations Remedara ships with.
func DefaultRegistry() *Registry {
	return NewRegistry(
		KnownProvider{
			Key:     "epic",
			Name:    "Epic Systems",
			BaseURL: "https://fhir.epic.com/interconnect-fhir-oauth/api/FHIR/R4",
		},
		KnownProvider{
			Key:     "cerner",
			Name:    "Oracle Cerner",
			BaseURL: "https://fhir-myrecord.cerner.com/r4/ec2458f2-1e24-41c8-b71b-0e701af7583d",
		},
		KnownProvider{
			Key:     "smart-sandbox",
			Name:    "SMART Health IT Sandbox",
			BaseURL: "https://launch.smarthealthit.org/v/r4/fhir",
		},
	)
}

// List returns every known provider, for the organization picker.
func (r *Registry) List() []KnownProvider {
	out := make([]KnownProvider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Lookup returns the known provider for a key.
func (r *Registry) Lookup(key string) (KnownProvider, bool) {
	p, ok := r.providers[key]
	return p, ok
}

// WellKnownFor derives the discovery document URL from a FHIR base URL.
func WellKnownFor(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + wellKnownPath
}
