package fhirlink

import (
	"fmt"
	"strings"
	"time"

	"github.com/remedara/remedara/internal/domain/timeline"
)

// normalized is the provider-independent shape extracted from one FHIR
// resource before it becomes a timeline entry.
type normalized struct {
	Category    timeline.Category
	EffectiveAt time.Time
	Title       string
	Summary     string
}

// normalizer extracts a normalized view from a raw resource. Returning false
// skips the resource; a resource we cannot date or title is dropped rather
// than synced as noise.
type normalizer func(resource map[string]interface{}) (normalized, bool)

// normalizers maps resource types to their extraction rules. Adding a
// resource type to the sync means adding a row here and to syncableResources.
var normalizers = map[string]normalizer{
	"Observation":        normalizeObservation,
	"DiagnosticReport":   normalizeDiagnosticReport,
	"MedicationRequest":  normalizeMedicationRequest,
	"AllergyIntolerance": normalizeAllergy,
	"Immunization":       normalizeImmunization,
	"Procedure":          normalizeProcedure,
	"Encounter":          normalizeEncounter,
}

func normalizeObservation(r map[string]interface{}) (normalized, bool) {
	at, ok := firstTime(r, "effectiveDateTime", "issued")
	if !ok {
		return normalized{}, false
	}
	title := conceptText(r["code"])
	if title == "" {
		return normalized{}, false
	}

	category := timeline.CategoryLab
	if hasCategoryCode(r, "vital-signs") {
		category = timeline.CategoryVital
	}

	return normalized{
		Category:    category,
		EffectiveAt: at,
		Title:       title,
		Summary:     quantitySummary(r["valueQuantity"]),
	}, true
}

func normalizeDiagnosticReport(r map[string]interface{}) (normalized, bool) {
	at, ok := firstTime(r, "effectiveDateTime", "issued")
	if !ok {
		return normalized{}, false
	}
	title := conceptText(r["code"])
	if title == "" {
		return normalized{}, false
	}
	return normalized{
		Category:    timeline.CategoryLab,
		EffectiveAt: at,
		Title:       title,
		Summary:     stringField(r, "conclusion"),
	}, true
}

func normalizeMedicationRequest(r map[string]interface{}) (normalized, bool) {
	at, ok := firstTime(r, "authoredOn")
	if !ok {
		return normalized{}, false
	}
	title := conceptText(r["medicationCodeableConcept"])
	if title == "" {
		return normalized{}, false
	}

	summary := stringField(r, "status")
	if instructions, ok := r["dosageInstruction"].([]interface{}); ok && len(instructions) > 0 {
		if first, ok := instructions[0].(map[string]interface{}); ok {
			if text := stringField(first, "text"); text != "" {
				summary = text
			}
		}
	}

	return normalized{
		Category:    timeline.CategoryMedication,
		EffectiveAt: at,
		Title:       title,
		Summary:     summary,
	}, true
}

func normalizeAllergy(r map[string]interface{}) (normalized, bool) {
	at, ok := firstTime(r, "recordedDate", "onsetDateTime")
	if !ok {
		return normalized{}, false
	}
	title := conceptText(r["code"])
	if title == "" {
		return normalized{}, false
	}

	var summary string
	if reactions, ok := r["reaction"].([]interface{}); ok && len(reactions) > 0 {
		if first, ok := reactions[0].(map[string]interface{}); ok {
			summary = stringField(first, "severity")
		}
	}

	return normalized{
		Category:    timeline.CategoryAllergy,
		EffectiveAt: at,
		Title:       title,
		Summary:     summary,
	}, true
}

func normalizeImmunization(r map[string]interface{}) (normalized, bool) {
	at, ok := firstTime(r, "occurrenceDateTime")
	if !ok {
		return normalized{}, false
	}
	title := conceptText(r["vaccineCode"])
	if title == "" {
		return normalized{}, false
	}
	return normalized{
		Category:    timeline.CategoryImmunization,
		EffectiveAt: at,
		Title:       title,
		Summary:     stringField(r, "status"),
	}, true
}

func normalizeProcedure(r map[string]interface{}) (normalized, bool) {
	at, ok := firstTime(r, "performedDateTime")
	if !ok {
		if period, isMap := r["performedPeriod"].(map[string]interface{}); isMap {
			at, ok = firstTime(period, "start")
		}
		if !ok {
			return normalized{}, false
		}
	}
	title := conceptText(r["code"])
	if title == "" {
		return normalized{}, false
	}
	return normalized{
		Category:    timeline.CategoryProcedure,
		EffectiveAt: at,
		Title:       title,
		Summary:     stringField(r, "status"),
	}, true
}

func normalizeEncounter(r map[string]interface{}) (normalized, bool) {
	period, _ := r["period"].(map[string]interface{})
	at, ok := firstTime(period, "start")
	if !ok {
		return normalized{}, false
	}

	title := ""
	if types, isList := r["type"].([]interface{}); isList && len(types) > 0 {
		title = conceptText(types[0])
	}
	if title == "" {
		title = "Encounter"
	}

	var summary string
	if sp, ok := r["serviceProvider"].(map[string]interface{}); ok {
		summary = stringField(sp, "display")
	}

	return normalized{
		Category:    timeline.CategoryEncounter,
		EffectiveAt: at,
		Title:       title,
		Summary:     summary,
	}, true
}

// conceptText renders a CodeableConcept as display text: the text field when
// present, otherwise the first coding's display.
func conceptText(v interface{}) string {
	concept, ok := v.(map[string]interface{})
	if !ok {
		return ""
	}
	if text := stringField(concept, "text"); text != "" {
		return text
	}
	if codings, ok := concept["coding"].([]interface{}); ok {
		for _, c := range codings {
			coding, ok := c.(map[string]interface{})
			if !ok {
				continue
			}
			if display := stringField(coding, "display"); display != "" {
				return display
			}
		}
	}
	return ""
}

// hasCategoryCode reports whether any category coding on the resource carries
// the given code.
func hasCategoryCode(r map[string]interface{}, code string) bool {
	categories, ok := r["category"].([]interface{})
	if !ok {
		return false
	}
	for _, c := range categories {
		concept, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		codings, ok := concept["coding"].([]interface{})
		if !ok {
			continue
		}
		for _, cd := range codings {
			coding, ok := cd.(map[string]interface{})
			if !ok {
				continue
			}
			if stringField(coding, "code") == code {
				return true
			}
		}
	}
	return false
}

func quantitySummary(v interface{}) string {
	q, ok := v.(map[string]interface{})
	if !ok {
		return ""
	}
	value, ok := q["value"].(float64)
	if !ok {
		return ""
	}
	unit := stringField(q, "unit")
	if unit == "" {
		unit = stringField(q, "code")
	}
	return strings.TrimSpace(fmt.Sprintf("%v %s", value, unit))
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// firstTime returns the first parseable timestamp among the named fields.
func firstTime(m map[string]interface{}, keys ...string) (time.Time, bool) {
	for _, key := range keys {
		raw := stringField(m, key)
		if raw == "" {
			continue
		}
		if at, err := parseFHIRTime(raw); err == nil {
			return at, true
		}
	}
	return time.Time{}, false
}

// parseFHIRTime parses FHIR date and dateTime values, which range from a bare
// year to a full zoned timestamp.
func parseFHIRTime(raw string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02",
		"2006-01",
		"2006",
	} {
		if at, err := time.Parse(layout, raw); err == nil {
			return at, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", raw)
}
