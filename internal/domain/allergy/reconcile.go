package allergy

import (
	"fmt"

	"github.com/google/uuid"
)

const (
	VoidReasonRemoved = "Removed allergy"
	VoidReasonEdited  = "Edited allergy"
)

type Void struct {
	Allergy *Allergy
	Reason  string
}

// Plan is the set of writes that turns the stored list into the desired one.
type Plan struct {
	Voids []Void
	// Creates holds new allergies from the desired list and replacements
	// for edited ones, in desired order.
	Creates   []*Allergy
	Unchanged int
	Status    Status
}

// Empty reports whether the plan writes no allergy rows.
func (p *Plan) Empty() bool {
	return len(p.Voids) == 0 && len(p.Creates) == 0
}

func (p *Plan) count(reason string) int {
	n := 0
	for _, v := range p.Voids {
		if v.Reason == reason {
			n++
		}
	}
	return n
}

// Reconcile diffs current against desired. Allergies are matched by id;
// a desired allergy without an id is new. An edited allergy is voided and
// a copy of the desired values is created; the desired object keeps its id.
func Reconcile(current, desired *Allergies) (*Plan, error) {
	byID := make(map[uuid.UUID]*Allergy, current.Len())
	for _, a := range current.list {
		byID[a.ID] = a
	}

	plan := &Plan{}
	seen := make(map[uuid.UUID]bool, desired.Len())
	for i, d := range desired.list {
		if d.ID == uuid.Nil {
			plan.Creates = append(plan.Creates, d)
			continue
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("%w: allergies[%d]: allergy %s listed twice", ErrValidation, i, d.ID)
		}
		seen[d.ID] = true

		cur, ok := byID[d.ID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAllergy, d.ID)
		}
		if cur.HasSameValues(d) {
			plan.Unchanged++
			continue
		}
		plan.Voids = append(plan.Voids, Void{Allergy: cur, Reason: VoidReasonEdited})
		plan.Creates = append(plan.Creates, d.replacement())
	}

	for _, cur := range current.list {
		if !seen[cur.ID] {
			plan.Voids = append(plan.Voids, Void{Allergy: cur, Reason: VoidReasonRemoved})
		}
	}

	switch {
	case desired.Len() > 0:
		plan.Status = StatusSeeList
	case desired.Status() == StatusNoKnownAllergies:
		plan.Status = StatusNoKnownAllergies
	default:
		plan.Status = StatusUnknown
	}
	return plan, nil
}
