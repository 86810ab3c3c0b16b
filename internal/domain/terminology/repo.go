package terminology

import (
	"context"

	"github.com/google/uuid"
)

type ConceptRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Concept, error)
	GetByCode(ctx context.Context, system, code string) (*Concept, error)
	Search(ctx context.Context, query, class string, limit int) ([]*Concept, error)
	Create(ctx context.Context, c *Concept) error
}

type GlobalPropertyRepository interface {
	Get(ctx context.Context, name string) (*GlobalProperty, error)
	Set(ctx context.Context, p *GlobalProperty) error
	List(ctx context.Context) ([]*GlobalProperty, error)
}
