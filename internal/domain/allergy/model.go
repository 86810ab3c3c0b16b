package allergy

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/patient-records/internal/domain/terminology"
)

type AllergenType string

const (
	AllergenDrug        AllergenType = "DRUG"
	AllergenFood        AllergenType = "FOOD"
	AllergenEnvironment AllergenType = "ENVIRONMENT"
	AllergenOther       AllergenType = "OTHER"
)

func (t AllergenType) Valid() bool {
	switch t {
	case AllergenDrug, AllergenFood, AllergenEnvironment, AllergenOther:
		return true
	}
	return false
}

// Status is the aggregate allergy status recorded on the patient.
type Status string

const (
	StatusUnknown          Status = "UNKNOWN"
	StatusSeeList          Status = "SEE_LIST"
	StatusNoKnownAllergies Status = "NO_KNOWN_ALLERGIES"
)

func (s Status) Valid() bool {
	switch s {
	case StatusUnknown, StatusSeeList, StatusNoKnownAllergies:
		return true
	}
	return false
}

var (
	ErrAllergyNotFound = errors.New("allergy not found")
	// ErrUnknownAllergy is returned when a desired allergy carries an id that
	// is not one of the patient's active allergies.
	ErrUnknownAllergy    = errors.New("allergy is not active for this patient")
	ErrAllergiesNotEmpty = errors.New("cannot confirm no known allergies on a non-empty list")
	ErrValidation        = errors.New("invalid allergy")
)

// Allergen identifies what the patient reacts to. A free-text allergen
// carries the configured other-non-coded concept in Coded once saved.
type Allergen struct {
	Type     AllergenType         `json:"type"`
	Coded    *terminology.Concept `json:"coded,omitempty"`
	NonCoded *string              `json:"non_coded,omitempty"`
}

// IsCoded reports whether the allergen references a real coded concept.
func (a *Allergen) IsCoded(otherNonCoded *terminology.Concept) bool {
	return a.Coded != nil && !a.Coded.SameAs(otherNonCoded)
}

func (a *Allergen) nonCodedText() string {
	if a.NonCoded == nil {
		return ""
	}
	return strings.TrimSpace(*a.NonCoded)
}

// IsSameAllergen reports whether both allergens name the same substance:
// the same coded concept, or equal free text ignoring case.
func (a *Allergen) IsSameAllergen(o *Allergen, otherNonCoded *terminology.Concept) bool {
	aCoded, oCoded := a.IsCoded(otherNonCoded), o.IsCoded(otherNonCoded)
	switch {
	case aCoded && oCoded:
		return a.Coded.SameAs(o.Coded)
	case !aCoded && !oCoded:
		at, ot := a.nonCodedText(), o.nonCodedText()
		return at != "" && strings.EqualFold(at, ot)
	}
	return false
}

// Display is the human-readable allergen name.
func (a *Allergen) Display() string {
	if t := a.nonCodedText(); t != "" {
		return t
	}
	if a.Coded != nil {
		return a.Coded.Display
	}
	return ""
}

func (a *Allergen) sameValues(o *Allergen) bool {
	return a.Type == o.Type && a.Coded.SameAs(o.Coded) && strEqual(a.NonCoded, o.NonCoded)
}

func (a Allergen) clone() Allergen {
	return Allergen{Type: a.Type, Coded: a.Coded.Clone(), NonCoded: cloneStr(a.NonCoded)}
}

type AllergyReaction struct {
	ID               uuid.UUID            `json:"id"`
	AllergyID        uuid.UUID            `json:"allergy_id"`
	Reaction         *terminology.Concept `json:"reaction,omitempty"`
	ReactionNonCoded *string              `json:"reaction_non_coded,omitempty"`
	Voided           bool                 `json:"voided,omitempty"`
}

func (r *AllergyReaction) Display() string {
	if r.ReactionNonCoded != nil && strings.TrimSpace(*r.ReactionNonCoded) != "" {
		return strings.TrimSpace(*r.ReactionNonCoded)
	}
	if r.Reaction != nil {
		return r.Reaction.Display
	}
	return ""
}

func (r *AllergyReaction) sameValues(o *AllergyReaction) bool {
	return r.Reaction.SameAs(o.Reaction) && strEqual(r.ReactionNonCoded, o.ReactionNonCoded)
}

func (r *AllergyReaction) Clone() *AllergyReaction {
	cp := *r
	cp.Reaction = r.Reaction.Clone()
	cp.ReactionNonCoded = cloneStr(r.ReactionNonCoded)
	return &cp
}

// Allergy maps to the allergy table. Records are never updated in place:
// removal and edits void the row.
type Allergy struct {
	ID         uuid.UUID            `json:"id"`
	PatientID  uuid.UUID            `json:"patient_id"`
	Allergen   Allergen             `json:"allergen"`
	Severity   *terminology.Concept `json:"severity,omitempty"`
	Comment    *string              `json:"comment,omitempty"`
	Reactions  []*AllergyReaction   `json:"reactions"`
	Voided     bool                 `json:"voided"`
	VoidedBy   *string              `json:"voided_by,omitempty"`
	DateVoided *time.Time           `json:"date_voided,omitempty"`
	VoidReason *string              `json:"void_reason,omitempty"`
	CreatedBy  *string              `json:"created_by,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

func (a *Allergy) AddReaction(r *AllergyReaction) {
	r.AllergyID = a.ID
	a.Reactions = append(a.Reactions, r)
}

// HasSameValues compares everything a clinician can edit. Reactions match
// by id; a reaction without an id is always a change.
func (a *Allergy) HasSameValues(o *Allergy) bool {
	if !a.Allergen.sameValues(&o.Allergen) ||
		!a.Severity.SameAs(o.Severity) ||
		!strEqual(a.Comment, o.Comment) ||
		len(a.Reactions) != len(o.Reactions) {
		return false
	}

	byID := make(map[uuid.UUID]*AllergyReaction, len(a.Reactions))
	for _, r := range a.Reactions {
		byID[r.ID] = r
	}
	for _, r := range o.Reactions {
		if r.ID == uuid.Nil {
			return false
		}
		cur, ok := byID[r.ID]
		if !ok || !cur.sameValues(r) {
			return false
		}
		delete(byID, r.ID)
	}
	return true
}

// Clone returns a deep copy.
func (a *Allergy) Clone() *Allergy {
	cp := *a
	cp.Allergen = a.Allergen.clone()
	cp.Severity = a.Severity.Clone()
	cp.Comment = cloneStr(a.Comment)
	cp.VoidedBy = cloneStr(a.VoidedBy)
	cp.VoidReason = cloneStr(a.VoidReason)
	cp.CreatedBy = cloneStr(a.CreatedBy)
	if a.DateVoided != nil {
		t := *a.DateVoided
		cp.DateVoided = &t
	}
	cp.Reactions = make([]*AllergyReaction, 0, len(a.Reactions))
	for _, r := range a.Reactions {
		cp.Reactions = append(cp.Reactions, r.Clone())
	}
	return &cp
}

// replacement copies the editable fields into a new, unsaved allergy.
func (a *Allergy) replacement() *Allergy {
	cp := &Allergy{
		PatientID: a.PatientID,
		Allergen:  a.Allergen.clone(),
		Severity:  a.Severity.Clone(),
		Comment:   cloneStr(a.Comment),
		Reactions: make([]*AllergyReaction, 0, len(a.Reactions)),
	}
	for _, r := range a.Reactions {
		cp.Reactions = append(cp.Reactions, &AllergyReaction{
			Reaction:         r.Reaction.Clone(),
			ReactionNonCoded: cloneStr(r.ReactionNonCoded),
		})
	}
	return cp
}

func (a *Allergy) ResourceType() string { return "AllergyIntolerance" }
func (a *Allergy) ResourceID() string   { return a.ID.String() }

// strEqual treats nil and the empty string as equal.
func strEqual(a, b *string) bool {
	var av, bv string
	if a != nil {
		av = *a
	}
	if b != nil {
		bv = *b
	}
	return av == bv
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
