package terminology

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/patient-records/internal/platform/db"
)

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// =========== Concept Repository ===========

type conceptRepoPG struct{ pool *pgxpool.Pool }

func NewConceptRepoPG(pool *pgxpool.Pool) ConceptRepository { return &conceptRepoPG{pool: pool} }

func (r *conceptRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const conceptCols = `id, code, system, display, COALESCE(class,''), retired`

func scanConcept(row pgx.Row) (*Concept, error) {
	var c Concept
	if err := row.Scan(&c.ID, &c.Code, &c.System, &c.Display, &c.Class, &c.Retired); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *conceptRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Concept, error) {
	c, err := scanConcept(r.conn(ctx).QueryRow(ctx,
		`SELECT `+conceptCols+` FROM concept WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConceptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("concept get: %w", err)
	}
	return c, nil
}

func (r *conceptRepoPG) GetByCode(ctx context.Context, system, code string) (*Concept, error) {
	c, err := scanConcept(r.conn(ctx).QueryRow(ctx,
		`SELECT `+conceptCols+` FROM concept WHERE system = $1 AND code = $2`, system, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConceptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("concept get by code: %w", err)
	}
	return c, nil
}

func (r *conceptRepoPG) Search(ctx context.Context, query, class string, limit int) ([]*Concept, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+conceptCols+` FROM concept
		 WHERE NOT retired
		   AND (code ILIKE $1 OR display ILIKE $1)
		   AND ($2 = '' OR class = $2)
		 ORDER BY display LIMIT $3`, "%"+query+"%", class, limit)
	if err != nil {
		return nil, fmt.Errorf("concept search: %w", err)
	}
	defer rows.Close()

	var results []*Concept
	for rows.Next() {
		c, err := scanConcept(rows)
		if err != nil {
			return nil, fmt.Errorf("scan concept: %w", err)
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

func (r *conceptRepoPG) Create(ctx context.Context, c *Concept) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO concept (id, code, system, display, class, retired)
		 VALUES ($1, $2, $3, $4, NULLIF($5,''), $6)`,
		c.ID, c.Code, c.System, c.Display, c.Class, c.Retired)
	if err != nil {
		return fmt.Errorf("concept create: %w", err)
	}
	return nil
}

// =========== Global Property Repository ===========

type globalPropertyRepoPG struct{ pool *pgxpool.Pool }

func NewGlobalPropertyRepoPG(pool *pgxpool.Pool) GlobalPropertyRepository {
	return &globalPropertyRepoPG{pool: pool}
}

func (r *globalPropertyRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *globalPropertyRepoPG) Get(ctx context.Context, name string) (*GlobalProperty, error) {
	var p GlobalProperty
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT name, value, COALESCE(description,''), updated_at FROM global_property WHERE name = $1`, name).
		Scan(&p.Name, &p.Value, &p.Description, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPropertyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("global property get: %w", err)
	}
	return &p, nil
}

func (r *globalPropertyRepoPG) Set(ctx context.Context, p *GlobalProperty) error {
	err := r.conn(ctx).QueryRow(ctx,
		`INSERT INTO global_property (name, value, description, updated_at)
		 VALUES ($1, $2, NULLIF($3,''), NOW())
		 ON CONFLICT (name) DO UPDATE
		   SET value = EXCLUDED.value,
		       description = COALESCE(EXCLUDED.description, global_property.description),
		       updated_at = NOW()
		 RETURNING updated_at`, p.Name, p.Value, p.Description).Scan(&p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("global property set: %w", err)
	}
	return nil
}

func (r *globalPropertyRepoPG) List(ctx context.Context) ([]*GlobalProperty, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT name, value, COALESCE(description,''), updated_at FROM global_property ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("global property list: %w", err)
	}
	defer rows.Close()

	var out []*GlobalProperty
	for rows.Next() {
		var p GlobalProperty
		if err := rows.Scan(&p.Name, &p.Value, &p.Description, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan global property: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
