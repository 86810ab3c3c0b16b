package allergy

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/patient-records/internal/domain/patient"
)

type Repository interface {
	// ListActive returns the patient's non-voided allergies with their
	// non-voided reactions, oldest first.
	ListActive(ctx context.Context, patientID uuid.UUID) ([]*Allergy, error)
	// GetByID includes voided allergies.
	GetByID(ctx context.Context, id uuid.UUID) (*Allergy, error)
	ListHistory(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Allergy, int, error)
	// Create inserts the allergy and its reactions, assigning ids.
	Create(ctx context.Context, a *Allergy) error
	// Void marks the allergy and its reactions voided.
	Void(ctx context.Context, id uuid.UUID, voidedBy, reason string) error
}

// PatientStore is the slice of the patient repository the allergy service needs.
type PatientStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
	UpdateAllergyStatus(ctx context.Context, id uuid.UUID, status string) error
}
