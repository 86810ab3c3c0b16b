package allergy

import (
	"fmt"
	"strings"

	"github.com/ehr/patient-records/internal/domain/terminology"
)

// Validate checks a desired list before reconciliation. otherNonCoded may be
// nil when no such concept is configured.
func Validate(list *Allergies, otherNonCoded *terminology.Concept) error {
	if list == nil {
		return fmt.Errorf("%w: allergy list is required", ErrValidation)
	}
	if list.Status() == StatusNoKnownAllergies && list.Len() > 0 {
		return ErrAllergiesNotEmpty
	}

	for i, a := range list.list {
		if err := validateAllergy(a, otherNonCoded); err != nil {
			return fmt.Errorf("%w: allergies[%d].%s", ErrValidation, i, err.Error())
		}
		for j := 0; j < i; j++ {
			if list.list[j].Allergen.IsSameAllergen(&a.Allergen, otherNonCoded) {
				return fmt.Errorf("%w: allergies[%d]: duplicate allergen %q", ErrValidation, i, a.Allergen.Display())
			}
		}
	}
	return nil
}

func validateAllergy(a *Allergy, otherNonCoded *terminology.Concept) error {
	if a == nil {
		return fmt.Errorf("allergy is required")
	}
	al := &a.Allergen
	if !al.Type.Valid() {
		return fmt.Errorf("allergen.type: invalid allergen type %q", al.Type)
	}
	text := al.nonCodedText()
	if al.Coded == nil && text == "" {
		return fmt.Errorf("allergen: coded or non_coded is required")
	}
	if al.Coded != nil && al.Coded.SameAs(otherNonCoded) && text == "" {
		return fmt.Errorf("allergen.non_coded: required for the other non-coded concept")
	}
	if al.IsCoded(otherNonCoded) && text != "" {
		return fmt.Errorf("allergen: coded and non_coded are mutually exclusive; to replace a coded allergen with free text, drop coded and send non_coded alone")
	}
	for k, r := range a.Reactions {
		if r == nil {
			return fmt.Errorf("reactions[%d]: reaction is required", k)
		}
		if r.Reaction == nil && (r.ReactionNonCoded == nil || strings.TrimSpace(*r.ReactionNonCoded) == "") {
			return fmt.Errorf("reactions[%d]: reaction or reaction_non_coded is required", k)
		}
	}
	return nil
}
