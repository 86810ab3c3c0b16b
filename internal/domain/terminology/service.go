package terminology

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Service provides concept lookup and global property management.
type Service struct {
	concepts ConceptRepository
	props    GlobalPropertyRepository
	// otherNonCodedFallback is used when the global property is unset.
	otherNonCodedFallback string
}

func NewService(concepts ConceptRepository, props GlobalPropertyRepository, otherNonCodedFallback string) *Service {
	return &Service{concepts: concepts, props: props, otherNonCodedFallback: otherNonCodedFallback}
}

func (s *Service) SearchConcepts(ctx context.Context, query, class string, limit int) ([]*Concept, error) {
	if query == "" && class == "" {
		return nil, fmt.Errorf("query or class is required")
	}
	if limit <= 0 {
		limit = 20
	}
	return s.concepts.Search(ctx, query, class, limit)
}

func (s *Service) GetConcept(ctx context.Context, id uuid.UUID) (*Concept, error) {
	return s.concepts.GetByID(ctx, id)
}

// ResolveConcept accepts either a concept UUID or a "system|code" pair.
func (s *Service) ResolveConcept(ctx context.Context, ref string) (*Concept, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrConceptNotFound
	}
	if id, err := uuid.Parse(ref); err == nil {
		return s.concepts.GetByID(ctx, id)
	}
	system, code, ok := strings.Cut(ref, "|")
	if !ok || system == "" || code == "" {
		return nil, fmt.Errorf("concept reference %q must be a UUID or system|code", ref)
	}
	return s.concepts.GetByCode(ctx, system, code)
}

// OtherNonCodedConcept resolves the concept attached to free-text allergens:
// the global property first, then the configured fallback.
func (s *Service) OtherNonCodedConcept(ctx context.Context) (*Concept, error) {
	ref := ""
	prop, err := s.props.Get(ctx, PropOtherNonCodedConcept)
	switch {
	case err == nil:
		ref = prop.Value
	case !errors.Is(err, ErrPropertyNotFound):
		return nil, err
	}
	if strings.TrimSpace(ref) == "" {
		ref = s.otherNonCodedFallback
	}
	if strings.TrimSpace(ref) == "" {
		return nil, ErrOtherNonCodedNotConfigured
	}

	c, err := s.ResolveConcept(ctx, ref)
	if errors.Is(err, ErrConceptNotFound) {
		return nil, fmt.Errorf("%w: %s does not exist", ErrOtherNonCodedNotConfigured, ref)
	}
	return c, err
}

func (s *Service) GetProperty(ctx context.Context, name string) (*GlobalProperty, error) {
	if name == "" {
		return nil, fmt.Errorf("property name is required")
	}
	return s.props.Get(ctx, name)
}

func (s *Service) ListProperties(ctx context.Context) ([]*GlobalProperty, error) {
	return s.props.List(ctx)
}

// SetProperty upserts a global property. Concept-valued properties must
// reference an existing concept and are stored by its id.
func (s *Service) SetProperty(ctx context.Context, name, value, description string) (*GlobalProperty, error) {
	if name == "" {
		return nil, fmt.Errorf("property name is required")
	}
	if name == PropOtherNonCodedConcept {
		c, err := s.ResolveConcept(ctx, value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		value = c.ID.String()
	}
	p := &GlobalProperty{Name: name, Value: value, Description: description}
	if err := s.props.Set(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}
