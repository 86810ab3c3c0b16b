package patient

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/patient-records/internal/platform/fhir"
)

var ErrPatientNotFound = errors.New("patient not found")

// Patient maps to the patient table. AllergyStatus is owned by the allergy
// domain and persisted here so it survives an empty allergy list.
type Patient struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	FHIRID        string     `db:"fhir_id" json:"fhir_id"`
	MRN           string     `db:"mrn" json:"mrn"`
	FirstName     string     `db:"first_name" json:"first_name"`
	LastName      string     `db:"last_name" json:"last_name"`
	BirthDate     *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Gender        *string    `db:"gender" json:"gender,omitempty"`
	Active        bool       `db:"active" json:"active"`
	AllergyStatus string     `db:"allergy_status" json:"allergy_status"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

func (p *Patient) DisplayName() string {
	switch {
	case p.FirstName == "":
		return p.LastName
	case p.LastName == "":
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

// Reference is the FHIR reference used by resources that point at the patient.
func (p *Patient) Reference() fhir.Reference {
	return fhir.Reference{
		Reference: fhir.FormatReference("Patient", p.FHIRID),
		Type:      "Patient",
		Display:   p.DisplayName(),
	}
}
