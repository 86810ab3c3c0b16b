package patient

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// CreatePatient registers a patient. New patients start with an unknown
// allergy status.
func (s *Service) CreatePatient(ctx context.Context, p *Patient) error {
	p.MRN = strings.TrimSpace(p.MRN)
	if p.MRN == "" {
		return fmt.Errorf("mrn is required")
	}
	if strings.TrimSpace(p.FirstName) == "" && strings.TrimSpace(p.LastName) == "" {
		return fmt.Errorf("first_name or last_name is required")
	}
	if p.Gender != nil {
		switch *p.Gender {
		case "male", "female", "other", "unknown":
		default:
			return fmt.Errorf("invalid gender: %s", *p.Gender)
		}
	}
	p.Active = true
	p.AllergyStatus = "UNKNOWN"
	return s.repo.Create(ctx, p)
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetPatientByFHIRID(ctx context.Context, fhirID string) (*Patient, error) {
	return s.repo.GetByFHIRID(ctx, fhirID)
}

func (s *Service) ListPatients(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.repo.List(ctx, limit, offset)
}
