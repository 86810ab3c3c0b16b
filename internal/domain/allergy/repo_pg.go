package allergy

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/patient-records/internal/domain/terminology"
	"github.com/ehr/patient-records/internal/platform/db"
)

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type allergyRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &allergyRepoPG{pool: pool}
}

func (r *allergyRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const allergySelect = `SELECT a.id, a.patient_id, a.allergen_type,
	ca.id, ca.code, ca.system, ca.display, ca.class,
	a.non_coded_allergen,
	cs.id, cs.code, cs.system, cs.display, cs.class,
	a.comment, a.voided, a.voided_by, a.date_voided, a.void_reason,
	a.created_by, a.created_at, a.updated_at
	FROM allergy a
	LEFT JOIN concept ca ON ca.id = a.coded_allergen_id
	LEFT JOIN concept cs ON cs.id = a.severity_id`

// conceptCols receives a LEFT JOINed concept that may be absent.
type conceptCols struct {
	id                           *uuid.UUID
	code, system, display, class *string
}

func (c *conceptCols) dest() []interface{} {
	return []interface{}{&c.id, &c.code, &c.system, &c.display, &c.class}
}

func (c *conceptCols) concept() *terminology.Concept {
	if c.id == nil {
		return nil
	}
	return &terminology.Concept{
		ID:      *c.id,
		Code:    deref(c.code),
		System:  deref(c.system),
		Display: deref(c.display),
		Class:   deref(c.class),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func scanAllergy(row pgx.Row) (*Allergy, error) {
	var a Allergy
	var coded, severity conceptCols
	dest := []interface{}{&a.ID, &a.PatientID, &a.Allergen.Type}
	dest = append(dest, coded.dest()...)
	dest = append(dest, &a.Allergen.NonCoded)
	dest = append(dest, severity.dest()...)
	dest = append(dest, &a.Comment, &a.Voided, &a.VoidedBy, &a.DateVoided, &a.VoidReason,
		&a.CreatedBy, &a.CreatedAt, &a.UpdatedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	a.Allergen.Coded = coded.concept()
	a.Severity = severity.concept()
	a.Reactions = []*AllergyReaction{}
	return &a, nil
}

func (r *allergyRepoPG) queryAllergies(ctx context.Context, sql string, args ...interface{}) ([]*Allergy, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Allergy
	for rows.Next() {
		a, err := scanAllergy(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

// attachReactions loads reactions for the given allergies in one query.
// Voided allergies get their voided reactions, active ones only active.
func (r *allergyRepoPG) attachReactions(ctx context.Context, items []*Allergy) error {
	if len(items) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*Allergy, len(items))
	ids := make([]string, 0, len(items))
	for _, a := range items {
		byID[a.ID] = a
		ids = append(ids, a.ID.String())
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT r.id, r.allergy_id, c.id, c.code, c.system, c.display, c.class, r.reaction_non_coded, r.voided
		FROM allergy_reaction r
		JOIN allergy a ON a.id = r.allergy_id
		LEFT JOIN concept c ON c.id = r.reaction_id
		WHERE r.allergy_id = ANY($1::uuid[]) AND (a.voided OR NOT r.voided)
		ORDER BY r.created_at, r.id`, ids)
	if err != nil {
		return fmt.Errorf("load reactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rx AllergyReaction
		var c conceptCols
		dest := []interface{}{&rx.ID, &rx.AllergyID}
		dest = append(dest, c.dest()...)
		dest = append(dest, &rx.ReactionNonCoded, &rx.Voided)
		if err := rows.Scan(dest...); err != nil {
			return fmt.Errorf("scan reaction: %w", err)
		}
		rx.Reaction = c.concept()
		if a, ok := byID[rx.AllergyID]; ok {
			a.Reactions = append(a.Reactions, &rx)
		}
	}
	return rows.Err()
}

func (r *allergyRepoPG) ListActive(ctx context.Context, patientID uuid.UUID) ([]*Allergy, error) {
	items, err := r.queryAllergies(ctx, allergySelect+`
		WHERE a.patient_id = $1 AND NOT a.voided
		ORDER BY a.created_at, a.id`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list allergies: %w", err)
	}
	if err := r.attachReactions(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *allergyRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Allergy, error) {
	a, err := scanAllergy(r.conn(ctx).QueryRow(ctx, allergySelect+` WHERE a.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAllergyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get allergy: %w", err)
	}
	if err := r.attachReactions(ctx, []*Allergy{a}); err != nil {
		return nil, err
	}
	return a, nil
}

func (r *allergyRepoPG) ListHistory(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Allergy, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM allergy WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count allergy history: %w", err)
	}
	items, err := r.queryAllergies(ctx, allergySelect+`
		WHERE a.patient_id = $1
		ORDER BY a.created_at DESC, a.id
		LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list allergy history: %w", err)
	}
	if err := r.attachReactions(ctx, items); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func conceptID(c *terminology.Concept) *uuid.UUID {
	if c == nil {
		return nil
	}
	id := c.ID
	return &id
}

func (r *allergyRepoPG) Create(ctx context.Context, a *Allergy) error {
	a.ID = uuid.New()
	q := r.conn(ctx)
	err := q.QueryRow(ctx, `
		INSERT INTO allergy (id, patient_id, allergen_type, coded_allergen_id, non_coded_allergen,
			severity_id, comment, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.Allergen.Type, conceptID(a.Allergen.Coded), a.Allergen.NonCoded,
		conceptID(a.Severity), a.Comment, a.CreatedBy,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create allergy: %w", err)
	}

	for _, rx := range a.Reactions {
		rx.ID = uuid.New()
		rx.AllergyID = a.ID
		if _, err := q.Exec(ctx, `
			INSERT INTO allergy_reaction (id, allergy_id, reaction_id, reaction_non_coded)
			VALUES ($1, $2, $3, $4)`,
			rx.ID, rx.AllergyID, conceptID(rx.Reaction), rx.ReactionNonCoded); err != nil {
			return fmt.Errorf("create allergy reaction: %w", err)
		}
	}
	return nil
}

func (r *allergyRepoPG) Void(ctx context.Context, id uuid.UUID, voidedBy, reason string) error {
	q := r.conn(ctx)
	tag, err := q.Exec(ctx, `
		UPDATE allergy SET voided = TRUE, voided_by = $2, date_voided = NOW(), void_reason = $3, updated_at = NOW()
		WHERE id = $1 AND NOT voided`, id, voidedBy, reason)
	if err != nil {
		return fmt.Errorf("void allergy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAllergyNotFound
	}
	if _, err := q.Exec(ctx, `
		UPDATE allergy_reaction SET voided = TRUE, voided_by = $2, date_voided = NOW(), void_reason = $3
		WHERE allergy_id = $1 AND NOT voided`, id, voidedBy, reason); err != nil {
		return fmt.Errorf("void allergy reactions: %w", err)
	}
	return nil
}
