package allergy

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/patient-records/internal/domain/patient"
	"github.com/ehr/patient-records/internal/domain/terminology"
	"github.com/ehr/patient-records/internal/platform/auth"
	"github.com/ehr/patient-records/internal/platform/db"
	"github.com/ehr/patient-records/internal/platform/events"
)

const EventAllergiesChanged = "allergies.changed"

// ConceptResolver is implemented by terminology.Service.
type ConceptResolver interface {
	ResolveConcept(ctx context.Context, ref string) (*terminology.Concept, error)
	OtherNonCodedConcept(ctx context.Context) (*terminology.Concept, error)
}

// Transactor runs fn in a single database transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Service struct {
	repo     Repository
	patients PatientStore
	concepts ConceptResolver
	tx       Transactor
	cache    ListCache
	events   events.Publisher
	metrics  *Metrics
	loads    singleflight.Group
	// writes counts local evictions; it is part of the singleflight key so a
	// read that starts after a save never joins a load begun before it.
	writes   atomic.Uint64
}

type Option func(*Service)

func WithCache(c ListCache) Option { return func(s *Service) { s.cache = c } }

func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.events = p } }

func WithMetrics(m *Metrics) Option { return func(s *Service) { s.metrics = m } }

func NewService(repo Repository, patients PatientStore, concepts ConceptResolver, tx Transactor, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		patients: patients,
		concepts: concepts,
		tx:       tx,
		cache:    NopListCache{},
		events:   events.NopPublisher{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	return s
}

// GetAllergies returns the patient's active allergies and status. The
// result is the caller's own copy and may be edited and passed back to
// SetAllergies.
func (s *Service) GetAllergies(ctx context.Context, patientID uuid.UUID) (*Allergies, error) {
	log := zerolog.Ctx(ctx)

	cached, ok, err := s.cache.Get(ctx, patientID)
	if err != nil {
		log.Warn().Err(err).Str("patient_id", patientID.String()).Msg("allergy cache read failed")
	}
	if ok {
		s.metrics.CacheLookups.WithLabelValues("hit").Inc()
		return cached, nil
	}
	s.metrics.CacheLookups.WithLabelValues("miss").Inc()

	flight := fmt.Sprintf("%s#%d", cacheKey(ctx, patientID), s.writes.Load())
	v, err, _ := s.loads.Do(flight, func() (interface{}, error) {
		gen, genErr := s.cache.Generation(ctx, patientID)
		if genErr != nil {
			log.Warn().Err(genErr).Str("patient_id", patientID.String()).Msg("allergy cache generation read failed")
		}
		list, err := s.load(ctx, patientID)
		if err != nil {
			return nil, err
		}
		if genErr != nil {
			return list, nil
		}
		stored, err := s.cache.Set(ctx, patientID, gen, list)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("patient_id", patientID.String()).Msg("allergy cache write failed")
		case !stored:
			log.Debug().Str("patient_id", patientID.String()).Msg("allergies changed during load, not cached")
		}
		return list, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Allergies).Clone(), nil
}

func (s *Service) load(ctx context.Context, patientID uuid.UUID) (*Allergies, error) {
	p, err := s.patients.GetByID(ctx, patientID)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.ListActive(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return restoreAllergies(Status(p.AllergyStatus), items), nil
}

// SetAllergies makes desired the patient's active allergy list. Removed
// allergies are voided, edited ones are voided and recreated, new ones are
// created. Free-text allergens get the other-non-coded concept attached,
// and new allergies in desired receive their ids.
func (s *Service) SetAllergies(ctx context.Context, patientID uuid.UUID, desired *Allergies) error {
	if desired == nil {
		return fmt.Errorf("%w: allergy list is required", ErrValidation)
	}
	start := time.Now()

	other, err := s.concepts.OtherNonCodedConcept(ctx)
	if err != nil && !errors.Is(err, terminology.ErrOtherNonCodedNotConfigured) {
		return err
	}
	if err := attachOtherNonCoded(desired, other); err != nil {
		s.metrics.Reconciliations.WithLabelValues("invalid").Inc()
		return err
	}
	if err := Validate(desired, other); err != nil {
		s.metrics.Reconciliations.WithLabelValues("invalid").Inc()
		return err
	}

	var fresh []*Allergy
	for _, a := range desired.list {
		if a.ID == uuid.Nil {
			fresh = append(fresh, a)
		}
	}

	actor := auth.UserIDFromContext(ctx)
	var plan *Plan
	var statusChanged bool
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.patients.GetByIDForUpdate(ctx, patientID)
		if err != nil {
			return err
		}
		items, err := s.repo.ListActive(ctx, patientID)
		if err != nil {
			return err
		}
		plan, err = Reconcile(restoreAllergies(Status(p.AllergyStatus), items), desired)
		if err != nil {
			return err
		}
		return s.apply(ctx, patientID, p, plan, actor, &statusChanged)
	})
	if err != nil {
		// The transaction rolled back; ids handed out during it do not exist.
		for _, a := range fresh {
			a.ID = uuid.Nil
			for _, r := range a.Reactions {
				r.ID, r.AllergyID = uuid.Nil, uuid.Nil
			}
		}
		outcome := "error"
		if errors.Is(err, ErrUnknownAllergy) || errors.Is(err, ErrValidation) {
			outcome = "invalid"
		}
		s.metrics.Reconciliations.WithLabelValues(outcome).Inc()
		return err
	}

	s.metrics.Duration.Observe(time.Since(start).Seconds())
	s.metrics.observePlan(plan)
	if plan.Empty() && !statusChanged {
		s.metrics.Reconciliations.WithLabelValues("noop").Inc()
		return nil
	}
	s.metrics.Reconciliations.WithLabelValues("applied").Inc()

	s.EvictAllergies(ctx, patientID)
	s.publish(ctx, patientID, plan)

	zerolog.Ctx(ctx).Debug().
		Str("patient_id", patientID.String()).
		Int("created", len(plan.Creates)).
		Int("voided", len(plan.Voids)).
		Int("unchanged", plan.Unchanged).
		Str("status", string(plan.Status)).
		Msg("allergies reconciled")
	return nil
}

func (s *Service) apply(ctx context.Context, patientID uuid.UUID, p *patient.Patient, plan *Plan, actor string, statusChanged *bool) error {
	for _, v := range plan.Voids {
		if err := s.repo.Void(ctx, v.Allergy.ID, actor, v.Reason); err != nil {
			return err
		}
	}
	for _, a := range plan.Creates {
		a.PatientID = patientID
		if actor != "" {
			by := actor
			a.CreatedBy = &by
		}
		if err := s.repo.Create(ctx, a); err != nil {
			return err
		}
	}
	if Status(p.AllergyStatus) != plan.Status {
		*statusChanged = true
		return s.patients.UpdateAllergyStatus(ctx, patientID, string(plan.Status))
	}
	return nil
}

// attachOtherNonCoded gives every free-text allergen the configured
// other-non-coded concept.
func attachOtherNonCoded(list *Allergies, other *terminology.Concept) error {
	for _, a := range list.list {
		if a == nil || a.Allergen.Coded != nil || a.Allergen.nonCodedText() == "" {
			continue
		}
		if other == nil {
			return terminology.ErrOtherNonCodedNotConfigured
		}
		a.Allergen.Coded = other.Clone()
	}
	return nil
}

type changedPayload struct {
	PatientID string   `json:"patient_id"`
	Status    Status   `json:"status"`
	Created   []string `json:"created"`
	Voided    []string `json:"voided"`
}

// publish is best effort; the reconciliation is already committed.
func (s *Service) publish(ctx context.Context, patientID uuid.UUID, plan *Plan) {
	payload := changedPayload{
		PatientID: patientID.String(),
		Status:    plan.Status,
		Created:   make([]string, 0, len(plan.Creates)),
		Voided:    make([]string, 0, len(plan.Voids)),
	}
	for _, a := range plan.Creates {
		payload.Created = append(payload.Created, a.ID.String())
	}
	for _, v := range plan.Voids {
		payload.Voided = append(payload.Voided, v.Allergy.ID.String())
	}

	evt, err := events.New(EventAllergiesChanged, "Patient", patientID.String(), payload)
	if err == nil {
		evt.TenantID = db.TenantFromContext(ctx)
		evt.Actor = auth.UserIDFromContext(ctx)
		err = s.events.Publish(ctx, evt)
	}
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("patient_id", patientID.String()).Msg("publish allergies changed event")
	}
}

// GetAllergyByID returns any allergy, voided or not.
func (s *Service) GetAllergyByID(ctx context.Context, id uuid.UUID) (*Allergy, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListAllergyHistory(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Allergy, int, error) {
	if _, err := s.patients.GetByID(ctx, patientID); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = 20
	}
	return s.repo.ListHistory(ctx, patientID, limit, offset)
}

// EvictAllergies drops the cached list so the next read hits the database.
// Loads already in flight can no longer populate the cache.
func (s *Service) EvictAllergies(ctx context.Context, patientID uuid.UUID) {
	s.writes.Add(1)
	if err := s.cache.Invalidate(ctx, patientID); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("patient_id", patientID.String()).Msg("allergy cache evict failed")
	}
}

// IsCoded evaluates an allergen against the configured other-non-coded concept.
func (s *Service) IsCoded(ctx context.Context, a *Allergen) (bool, error) {
	other, err := s.concepts.OtherNonCodedConcept(ctx)
	if err != nil && !errors.Is(err, terminology.ErrOtherNonCodedNotConfigured) {
		return false, err
	}
	return a.IsCoded(other), nil
}

func (s *Service) ResolveConcept(ctx context.Context, ref string) (*terminology.Concept, error) {
	return s.concepts.ResolveConcept(ctx, ref)
}
