package terminology

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/patient-records/internal/platform/fhir"
)

// Code system URIs used by seeded concepts.
const (
	SystemSNOMED = "http://snomed.info/sct"
	SystemRxNorm = "http://www.nlm.nih.gov/research/umls/rxnorm"
	SystemCIEL   = "https://openconceptlab.org/orgs/CIEL/sources/CIEL"
)

// Concept classes relevant to allergy recording.
const (
	ClassDrug     = "Drug"
	ClassFood     = "Food"
	ClassMisc     = "Misc"
	ClassSymptom  = "Symptom"
	ClassSeverity = "Severity"
)

// PropOtherNonCodedConcept names the global property holding the id of the
// concept attached to free-text allergens.
const PropOtherNonCodedConcept = "allergy.concept.otherNonCoded"

var (
	ErrConceptNotFound  = errors.New("concept not found")
	ErrPropertyNotFound = errors.New("global property not found")
	// ErrOtherNonCodedNotConfigured means neither the global property nor the
	// configured fallback resolves to a concept.
	ErrOtherNonCodedNotConfigured = errors.New("other non-coded concept is not configured")
)

type Concept struct {
	ID      uuid.UUID `db:"id" json:"id"`
	Code    string    `db:"code" json:"code"`
	System  string    `db:"system" json:"system"`
	Display string    `db:"display" json:"display"`
	Class   string    `db:"class" json:"class,omitempty"`
	Retired bool      `db:"retired" json:"retired,omitempty"`
}

// SameAs compares concepts by identity. Two nil concepts are the same.
func (c *Concept) SameAs(o *Concept) bool {
	if c == nil || o == nil {
		return c == nil && o == nil
	}
	return c.ID == o.ID
}

// Clone returns a shallow copy; Concept has no reference fields.
func (c *Concept) Clone() *Concept {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

func (c *Concept) Coding() fhir.Coding {
	return fhir.Coding{System: c.System, Code: c.Code, Display: c.Display}
}

type GlobalProperty struct {
	Name        string    `db:"name" json:"name"`
	Value       string    `db:"value" json:"value"`
	Description string    `db:"description" json:"description,omitempty"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}
