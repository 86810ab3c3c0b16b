package allergy

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Allergies is a patient's active allergy list together with its status.
// The zero value is an empty list with unknown status.
type Allergies struct {
	status Status
	list   []*Allergy
}

func NewAllergies(items ...*Allergy) *Allergies {
	a := &Allergies{status: StatusUnknown}
	for _, it := range items {
		a.Add(it)
	}
	return a
}

// restoreAllergies rebuilds the aggregate from persisted state. A stored
// status that disagrees with the list is corrected.
func restoreAllergies(status Status, items []*Allergy) *Allergies {
	a := &Allergies{status: StatusUnknown, list: items}
	switch {
	case len(items) > 0:
		a.status = StatusSeeList
	case status == StatusNoKnownAllergies:
		a.status = StatusNoKnownAllergies
	}
	return a
}

func (a *Allergies) Status() Status {
	if a.status == "" {
		return StatusUnknown
	}
	return a.status
}

func (a *Allergies) Len() int { return len(a.list) }

func (a *Allergies) Get(i int) *Allergy { return a.list[i] }

// List returns the allergies in order. The slice is a copy; the elements are not.
func (a *Allergies) List() []*Allergy {
	out := make([]*Allergy, len(a.list))
	copy(out, a.list)
	return out
}

func (a *Allergies) Add(al *Allergy) {
	a.list = append(a.list, al)
	a.status = StatusSeeList
}

func (a *Allergies) index(al *Allergy) int {
	for i, cur := range a.list {
		if cur == al || (al.ID != uuid.Nil && cur.ID == al.ID) {
			return i
		}
	}
	return -1
}

// Contains matches by id once assigned and by pointer otherwise.
func (a *Allergies) Contains(al *Allergy) bool {
	return al != nil && a.index(al) >= 0
}

func (a *Allergies) FindByID(id uuid.UUID) *Allergy {
	for _, cur := range a.list {
		if cur.ID == id {
			return cur
		}
	}
	return nil
}

func (a *Allergies) Remove(al *Allergy) bool {
	i := a.index(al)
	if i < 0 {
		return false
	}
	a.RemoveAt(i)
	return true
}

func (a *Allergies) RemoveAt(i int) *Allergy {
	al := a.list[i]
	a.list = append(a.list[:i], a.list[i+1:]...)
	if len(a.list) == 0 {
		a.status = StatusUnknown
	}
	return al
}

// ConfirmNoKnownAllergies records an explicit no-known-allergies statement.
func (a *Allergies) ConfirmNoKnownAllergies() error {
	if len(a.list) > 0 {
		return ErrAllergiesNotEmpty
	}
	a.status = StatusNoKnownAllergies
	return nil
}

// Clone returns a deep copy.
func (a *Allergies) Clone() *Allergies {
	cp := &Allergies{status: a.Status(), list: make([]*Allergy, 0, len(a.list))}
	for _, al := range a.list {
		cp.list = append(cp.list, al.Clone())
	}
	return cp
}

type allergiesJSON struct {
	Status    Status     `json:"status"`
	Allergies []*Allergy `json:"allergies"`
}

func (a *Allergies) MarshalJSON() ([]byte, error) {
	list := a.list
	if list == nil {
		list = []*Allergy{}
	}
	return json.Marshal(allergiesJSON{Status: a.Status(), Allergies: list})
}

func (a *Allergies) UnmarshalJSON(data []byte) error {
	var v allergiesJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v.Status != "" && !v.Status.Valid() {
		return fmt.Errorf("unknown allergy status %q", v.Status)
	}
	*a = *restoreAllergies(v.Status, v.Allergies)
	return nil
}
