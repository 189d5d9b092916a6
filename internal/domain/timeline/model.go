package timeline

import (
	"time"

	"github.com/google/uuid"
)

// Category classifies a timeline entry by clinical kind.
type Category string

const (
	CategoryLab          Category = "lab"
	CategoryVital        Category = "vital"
	CategoryMedication   Category = "medication"
	CategoryAllergy      Category = "allergy"
	CategoryImmunization Category = "immunization"
	CategoryProcedure    Category = "procedure"
	CategoryEncounter    Category = "encounter"
)

// Categories lists every valid category, in display order.
var Categories = []Category{
	CategoryLab,
	CategoryVital,
	CategoryMedication,
	CategoryAllergy,
	CategoryImmunization,
	CategoryProcedure,
	CategoryEncounter,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Entry is one normalized clinical event on a user's unified timeline. The
// identity of an entry within a provider is its SourceID, so re-syncing the
// same external resource updates the entry in place instead of duplicating it.
type Entry struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	ProviderID uuid.UUID  `json:"provider_id"`
	Category   Category   `json:"category"`
	EffectiveAt time.Time `json:"effective_at"`
	Title      string     `json:"title"`
	Summary    string     `json:"summary,omitempty"`

	// SourceID is the external resource identity, e.g. "Observation/123".
	SourceID string `json:"source_id"`

	// Payload is the raw FHIR resource the entry was normalized from,
	// retained for detail views.
	Payload map[string]interface{} `json:"payload,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Query filters a timeline read. Zero values mean "no filter".
type Query struct {
	UserID     uuid.UUID
	Category   Category
	ProviderID uuid.UUID
	Since      time.Time
	Search     string
	Limit      int
	Offset     int
}

// DayGroup is all of a user's entries sharing a calendar date, newest date
// first, for the grouped timeline view.
type DayGroup struct {
	Date    string   `json:"date"`
	Entries []*Entry `json:"entries"`
}
