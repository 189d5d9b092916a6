package fhirlink

import (
	"strings"
)

// capabilityRule maps a FHIR resource name appearing in a granted scope to
// the capability flags it unlocks. Capability derivation is pure data-driven
// matching over this table; no ad hoc string checks elsewhere.
type capabilityRule struct {
	resource string
	apply    func(*Capabilities)
}

var capabilityRules = []capabilityRule{
	{"Observation", func(c *Capabilities) { c.CanAccessLabs = true; c.CanAccessVitals = true }},
	{"DiagnosticReport", func(c *Capabilities) { c.CanAccessLabs = true }},
	{"MedicationRequest", func(c *Capabilities) { c.CanAccessMedications = true }},
	{"MedicationStatement", func(c *Capabilities) { c.CanAccessMedications = true }},
	{"AllergyIntolerance", func(c *Capabilities) { c.CanAccessAllergies = true }},
	{"Appointment", func(c *Capabilities) { c.CanSchedule = true }},
	{"Schedule", func(c *Capabilities) { c.CanSchedule = true }},
	{"Slot", func(c *Capabilities) { c.CanSchedule = true }},
	{"Communication", func(c *Capabilities) { c.CanMessage = true }},
	{"Immunization", func(c *Capabilities) {}},
	{"Procedure", func(c *Capabilities) {}},
	{"Encounter", func(c *Capabilities) {}},
	{"Patient", func(c *Capabilities) {}},
}

// syncableResources are the resource types the sync engine can pull, in the
// order they are fetched.
var syncableResources = []string{
	"Observation",
	"DiagnosticReport",
	"MedicationRequest",
	"AllergyIntolerance",
	"Immunization",
	"Procedure",
	"Encounter",
}

// DeriveCapabilities maps a granted OAuth scope string to a structured
// capability set. Only the scope actually returned by the token endpoint is
// consulted, never the scopes that were requested. A wildcard resource grant
// (patient/*.read) unlocks everything.
func DeriveCapabilities(grantedScope string) Capabilities {
	caps := Capabilities{}
	seen := make(map[string]bool)

	for _, scope := range strings.Fields(grantedScope) {
		resource := scopeResource(scope)
		if resource == "" {
			continue
		}

		if resource == "*" {
			for _, rule := range capabilityRules {
				rule.apply(&caps)
				if !seen[rule.resource] {
					seen[rule.resource] = true
					caps.ResourceTypes = append(caps.ResourceTypes, rule.resource)
				}
			}
			continue
		}

		for _, rule := range capabilityRules {
			if rule.resource != resource {
				continue
			}
			rule.apply(&caps)
			if !seen[rule.resource] {
				seen[rule.resource] = true
				caps.ResourceTypes = append(caps.ResourceTypes, rule.resource)
			}
		}
	}

	return caps
}

// SyncableTypes returns the resource types a sync may fetch for the given
// capabilities, preserving the engine's fetch order.
func (c Capabilities) SyncableTypes() []string {
	allowed := make(map[string]bool, len(c.ResourceTypes))
	for _, rt := range c.ResourceTypes {
		allowed[rt] = true
	}

	var types []string
	for _, rt := range syncableResources {
		if allowed[rt] {
			types = append(types, rt)
		}
	}
	return types
}

// scopeResource extracts the resource name from a SMART scope such as
// patient/Observation.read. Non-resource scopes (openid, launch, fhirUser)
// yield an empty string.
func scopeResource(scope string) string {
	slash := strings.Index(scope, "/")
	if slash < 0 {
		return ""
	}

	ctx := scope[:slash]
	if ctx != "patient" && ctx != "user" && ctx != "system" {
		return ""
	}

	remainder := scope[slash+1:]
	if dot := strings.LastIndex(remainder, "."); dot >= 0 {
		remainder = remainder[:dot]
	}
	return remainder
}
