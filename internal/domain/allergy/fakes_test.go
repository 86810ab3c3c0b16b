package allergy

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ehr/patient-records/internal/domain/patient"
	"github.com/ehr/patient-records/internal/domain/terminology"
)

// =========== Concepts ===========

func testConcept(code, system, display, class string) *terminology.Concept {
	return &terminology.Concept{
		ID:      uuid.MustParse("00000000-0000-0000-0000-" + strings.Repeat("0", 12-len(code)) + code),
		Code:    code,
		System:  system,
		Display: display,
		Class:   class,
	}
}

var (
	otherNonCoded = testConcept("5622", terminology.SystemCIEL, "Other non-coded", terminology.ClassMisc)
	penicillin    = testConcept("7980", terminology.SystemRxNorm, "Penicillin G", terminology.ClassDrug)
	aspirin       = testConcept("1191", terminology.SystemRxNorm, "Aspirin", terminology.ClassDrug)
	codeine       = testConcept("2670", terminology.SystemRxNorm, "Codeine", terminology.ClassDrug)
	peanut        = testConcept("256349002", terminology.SystemSNOMED, "Peanut", terminology.ClassFood)
	mild          = testConcept("255604002", terminology.SystemSNOMED, "Mild", terminology.ClassSeverity)
	moderate      = testConcept("6736007", terminology.SystemSNOMED, "Moderate", terminology.ClassSeverity)
	severe        = testConcept("24484000", terminology.SystemSNOMED, "Severe", terminology.ClassSeverity)
	rash          = testConcept("271807003", terminology.SystemSNOMED, "Rash", terminology.ClassSymptom)
	hives         = testConcept("126485001", terminology.SystemSNOMED, "Hives", terminology.ClassSymptom)
	cough         = testConcept("49727002", terminology.SystemSNOMED, "Cough", terminology.ClassSymptom)
)

type fakeConcepts struct {
	byID  map[uuid.UUID]*terminology.Concept
	other *terminology.Concept
	err   error
}

func newFakeConcepts() *fakeConcepts {
	f := &fakeConcepts{byID: make(map[uuid.UUID]*terminology.Concept), other: otherNonCoded}
	for _, c := range []*terminology.Concept{otherNonCoded, penicillin, aspirin, codeine, peanut, mild, moderate, severe, rash, hives, cough} {
		f.byID[c.ID] = c
	}
	return f
}

func (f *fakeConcepts) ResolveConcept(_ context.Context, ref string) (*terminology.Concept, error) {
	if id, err := uuid.Parse(ref); err == nil {
		if c, ok := f.byID[id]; ok {
			return c.Clone(), nil
		}
		return nil, terminology.ErrConceptNotFound
	}
	system, code, _ := strings.Cut(ref, "|")
	for _, c := range f.byID {
		if c.System == system && c.Code == code {
			return c.Clone(), nil
		}
	}
	return nil, terminology.ErrConceptNotFound
}

func (f *fakeConcepts) OtherNonCodedConcept(context.Context) (*terminology.Concept, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.other == nil {
		return nil, terminology.ErrOtherNonCodedNotConfigured
	}
	return f.other.Clone(), nil
}

// =========== Storage ===========

// memoryStore keeps stored rows as private copies so callers can never
// mutate persisted state by accident.
type memoryStore struct {
	mu        sync.Mutex
	allergies map[uuid.UUID]*Allergy
	order     []uuid.UUID
	patients  map[uuid.UUID]*patient.Patient

	createErr    error
	creates      int
	voids        int
	statusWrites int
	listCalls    int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		allergies: make(map[uuid.UUID]*Allergy),
		patients:  make(map[uuid.UUID]*patient.Patient),
	}
}

func (m *memoryStore) addPatient(status Status) uuid.UUID {
	p := &patient.Patient{ID: uuid.New(), MRN: "MRN", Active: true, AllergyStatus: string(status)}
	m.patients[p.ID] = p
	return p.ID
}

func activeCopy(a *Allergy) *Allergy {
	cp := a.Clone()
	cp.Reactions = cp.Reactions[:0]
	for _, r := range a.Reactions {
		if !r.Voided {
			cp.Reactions = append(cp.Reactions, r.Clone())
		}
	}
	return cp
}

func (m *memoryStore) ListActive(_ context.Context, patientID uuid.UUID) ([]*Allergy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	var out []*Allergy
	for _, id := range m.order {
		a := m.allergies[id]
		if a.PatientID == patientID && !a.Voided {
			out = append(out, activeCopy(a))
		}
	}
	return out, nil
}

func (m *memoryStore) GetByID(_ context.Context, id uuid.UUID) (*Allergy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.allergies[id]
	if !ok {
		return nil, ErrAllergyNotFound
	}
	return a.Clone(), nil
}

func (m *memoryStore) ListHistory(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Allergy, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Allergy
	for i := len(m.order) - 1; i >= 0; i-- {
		if a := m.allergies[m.order[i]]; a.PatientID == patientID {
			all = append(all, a.Clone())
		}
	}
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *memoryStore) Create(_ context.Context, a *Allergy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = uuid.New()
	for _, r := range a.Reactions {
		r.ID = uuid.New()
		r.AllergyID = a.ID
	}
	if m.createErr != nil {
		return m.createErr
	}
	m.allergies[a.ID] = a.Clone()
	m.order = append(m.order, a.ID)
	m.creates++
	return nil
}

func (m *memoryStore) Void(_ context.Context, id uuid.UUID, voidedBy, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.allergies[id]
	if !ok || a.Voided {
		return ErrAllergyNotFound
	}
	a.Voided = true
	a.VoidedBy = &voidedBy
	a.VoidReason = &reason
	for _, r := range a.Reactions {
		r.Voided = true
	}
	m.voids++
	return nil
}

func (m *memoryStore) patientStore() *memoryPatients { return &memoryPatients{m} }

type memoryPatients struct{ m *memoryStore }

func (p *memoryPatients) GetByID(_ context.Context, id uuid.UUID) (*patient.Patient, error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	pt, ok := p.m.patients[id]
	if !ok {
		return nil, patient.ErrPatientNotFound
	}
	cp := *pt
	return &cp, nil
}

func (p *memoryPatients) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*patient.Patient, error) {
	return p.GetByID(ctx, id)
}

func (p *memoryPatients) UpdateAllergyStatus(_ context.Context, id uuid.UUID, status string) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	pt, ok := p.m.patients[id]
	if !ok {
		return patient.ErrPatientNotFound
	}
	pt.AllergyStatus = status
	p.m.statusWrites++
	return nil
}

// passthroughTx runs fn directly; memoryStore has no rollback.
type passthroughTx struct{ calls int }

func (t *passthroughTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.calls++
	return fn(ctx)
}

// =========== Cache ===========

type memoryCache struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*Allergies
	gens    map[uuid.UUID]int64
	getErr  error
	genErr  error
	stale   int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[uuid.UUID]*Allergies), gens: make(map[uuid.UUID]int64)}
}

func (c *memoryCache) Get(_ context.Context, id uuid.UUID) (*Allergies, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	list, ok := c.entries[id]
	if !ok {
		return nil, false, nil
	}
	return list.Clone(), true, nil
}

func (c *memoryCache) Generation(_ context.Context, id uuid.UUID) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.genErr != nil {
		return 0, c.genErr
	}
	return c.gens[id], nil
}

func (c *memoryCache) Set(_ context.Context, id uuid.UUID, gen int64, list *Allergies) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[id] != gen {
		c.stale++
		return false, nil
	}
	c.entries[id] = list.Clone()
	return true, nil
}

func (c *memoryCache) Invalidate(_ context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[id]++
	delete(c.entries, id)
	return nil
}

func (c *memoryCache) cached(id uuid.UUID) (*Allergies, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list, ok := c.entries[id]
	return list, ok
}

// blockingStore parks the first ListActive call after it has read the rows,
// standing in for a slow database read that races a save.
type blockingStore struct {
	*memoryStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newBlockingStore(m *memoryStore) *blockingStore {
	return &blockingStore{memoryStore: m, entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingStore) ListActive(ctx context.Context, patientID uuid.UUID) ([]*Allergy, error) {
	items, err := b.memoryStore.ListActive(ctx, patientID)
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.entered)
		<-b.release
	}
	return items, err
}

var errStorage = errors.New("storage unavailable")

func strPtr(s string) *string { return &s }
