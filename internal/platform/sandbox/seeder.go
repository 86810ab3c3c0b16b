// Package sandbox generates reproducible synthetic patients and allergy lists
// for demo tenants and local development.
package sandbox

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/patient-records/internal/domain/allergy"
	"github.com/ehr/patient-records/internal/domain/patient"
	"github.com/ehr/patient-records/internal/domain/terminology"
)

// SeedConfig controls the volume and shape of generated data.
type SeedConfig struct {
	PatientCount        int   `json:"patientCount"`
	AllergiesPerPatient int   `json:"allergiesPerPatient"`
	Seed                int64 `json:"seed"`
}

func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		PatientCount:        20,
		AllergiesPerPatient: 3,
	}
}

// SeedResult summarizes a seed run.
type SeedResult struct {
	Patients         int           `json:"patients"`
	Allergies        int           `json:"allergies"`
	NoKnownAllergies int           `json:"noKnownAllergies"`
	Unknown          int           `json:"unknown"`
	Duration         time.Duration `json:"duration"`
}

// PatientCreator is implemented by patient.Service.
type PatientCreator interface {
	CreatePatient(ctx context.Context, p *patient.Patient) error
}

// AllergyWriter is implemented by allergy.Service.
type AllergyWriter interface {
	SetAllergies(ctx context.Context, patientID uuid.UUID, desired *allergy.Allergies) error
	ResolveConcept(ctx context.Context, ref string) (*terminology.Concept, error)
}

// ---------------------------------------------------------------------------
// Code pools
// ---------------------------------------------------------------------------

type allergenEntry struct {
	Type allergy.AllergenType
	// Ref is a system|code pair for coded allergens; Text a free-text name.
	Ref  string
	Text string
}

var (
	firstNames = []string{
		"James", "Robert", "Maria", "Linda", "David", "Aisha", "Wei", "Elena",
		"Samuel", "Priya", "Thomas", "Grace", "Omar", "Hannah", "Lucas", "Nina",
	}
	lastNames = []string{
		"Smith", "Johnson", "Garcia", "Nguyen", "Okafor", "Patel", "Kowalski",
		"Hernandez", "Cohen", "Tanaka", "Brown", "Silva", "Moore", "Ali",
	}
	genders = []string{"male", "female", "other", "unknown"}

	allergens = []allergenEntry{
		{Type: allergy.AllergenDrug, Ref: terminology.SystemRxNorm + "|7980"},
		{Type: allergy.AllergenDrug, Ref: terminology.SystemRxNorm + "|723"},
		{Type: allergy.AllergenDrug, Ref: terminology.SystemRxNorm + "|1191"},
		{Type: allergy.AllergenDrug, Ref: terminology.SystemRxNorm + "|2670"},
		{Type: allergy.AllergenDrug, Ref: terminology.SystemRxNorm + "|10180"},
		{Type: allergy.AllergenFood, Ref: terminology.SystemSNOMED + "|256349002"},
		{Type: allergy.AllergenFood, Ref: terminology.SystemSNOMED + "|102263004"},
		{Type: allergy.AllergenFood, Ref: terminology.SystemSNOMED + "|44027008"},
		{Type: allergy.AllergenEnvironment, Ref: terminology.SystemSNOMED + "|111088007"},
		{Type: allergy.AllergenEnvironment, Ref: terminology.SystemSNOMED + "|256259004"},
		{Type: allergy.AllergenEnvironment, Text: "Bee venom"},
		{Type: allergy.AllergenFood, Text: "Strawberries"},
		{Type: allergy.AllergenOther, Text: "Nickel"},
	}
	severities = []string{
		terminology.SystemSNOMED + "|255604002",
		terminology.SystemSNOMED + "|6736007",
		terminology.SystemSNOMED + "|24484000",
	}
	reactions = []string{
		terminology.SystemSNOMED + "|271807003",
		terminology.SystemSNOMED + "|126485001",
		terminology.SystemSNOMED + "|39579001",
		terminology.SystemSNOMED + "|49727002",
		terminology.SystemSNOMED + "|422587007",
		terminology.SystemSNOMED + "|56018004",
	}
)

// ---------------------------------------------------------------------------
// DataGenerator
// ---------------------------------------------------------------------------

// DataGenerator produces deterministic synthetic records.
type DataGenerator struct {
	rng     *rand.Rand
	counter uint64
}

// NewDataGenerator returns a generator seeded for reproducibility. If seed is
// 0 a time-based seed is chosen.
func NewDataGenerator(seed int64) *DataGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DataGenerator{rng: rand.New(rand.NewSource(seed))}
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *DataGenerator) randomDate(minYear, maxYear int) time.Time {
	y := minYear + g.rng.Intn(maxYear-minYear+1)
	m := time.Month(1 + g.rng.Intn(12))
	d := 1 + g.rng.Intn(28) // safe for all months
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (g *DataGenerator) GeneratePatient() *patient.Patient {
	g.counter++
	dob := g.randomDate(1940, 2015)
	gender := g.pick(genders)
	return &patient.Patient{
		MRN:       fmt.Sprintf("SBX-%08d-%04d", g.rng.Intn(100000000), g.counter),
		FirstName: g.pick(firstNames),
		LastName:  g.pick(lastNames),
		BirthDate: &dob,
		Gender:    &gender,
	}
}

// allergyDraft is a generated allergy before its concepts are resolved.
type allergyDraft struct {
	Allergen  allergenEntry
	Severity  string
	Reactions []string
	Comment   string
}

// GenerateAllergies picks up to limit distinct allergens. A nil result with
// nka set means the patient was asked and reported no allergies; nil without
// nka leaves the status unknown.
func (g *DataGenerator) GenerateAllergies(limit int) (drafts []allergyDraft, nka bool) {
	n := 0
	if limit > 0 {
		n = g.rng.Intn(limit + 1)
	}
	if n == 0 {
		return nil, g.rng.Intn(2) == 0
	}
	if n > len(allergens) {
		n = len(allergens)
	}
	for _, idx := range g.rng.Perm(len(allergens))[:n] {
		draft := allergyDraft{Allergen: allergens[idx]}
		if g.rng.Intn(3) > 0 {
			draft.Severity = g.pick(severities)
		}
		for _, r := range g.rng.Perm(len(reactions))[:g.rng.Intn(3)] {
			draft.Reactions = append(draft.Reactions, reactions[r])
		}
		if g.rng.Intn(4) == 0 {
			draft.Comment = "Reported by patient"
		}
		drafts = append(drafts, draft)
	}
	return drafts, false
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

// Seeder writes generated patients and allergy lists through the services so
// every record goes through validation and reconciliation.
type Seeder struct {
	generator *DataGenerator
	config    SeedConfig
	patients  PatientCreator
	allergies AllergyWriter
	concepts  map[string]*terminology.Concept
}

func NewSeeder(config SeedConfig, patients PatientCreator, allergies AllergyWriter) *Seeder {
	return &Seeder{
		generator: NewDataGenerator(config.Seed),
		config:    config,
		patients:  patients,
		allergies: allergies,
		concepts:  make(map[string]*terminology.Concept),
	}
}

func (s *Seeder) concept(ctx context.Context, ref string) (*terminology.Concept, error) {
	if c, ok := s.concepts[ref]; ok {
		return c.Clone(), nil
	}
	c, err := s.allergies.ResolveConcept(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ref, err)
	}
	s.concepts[ref] = c
	return c.Clone(), nil
}

func (s *Seeder) build(ctx context.Context, draft allergyDraft) (*allergy.Allergy, error) {
	a := &allergy.Allergy{Allergen: allergy.Allergen{Type: draft.Allergen.Type}}
	if draft.Allergen.Ref != "" {
		c, err := s.concept(ctx, draft.Allergen.Ref)
		if err != nil {
			return nil, err
		}
		a.Allergen.Coded = c
	} else {
		text := draft.Allergen.Text
		a.Allergen.NonCoded = &text
	}
	if draft.Severity != "" {
		c, err := s.concept(ctx, draft.Severity)
		if err != nil {
			return nil, err
		}
		a.Severity = c
	}
	for _, ref := range draft.Reactions {
		c, err := s.concept(ctx, ref)
		if err != nil {
			return nil, err
		}
		a.AddReaction(&allergy.AllergyReaction{Reaction: c})
	}
	if draft.Comment != "" {
		comment := draft.Comment
		a.Comment = &comment
	}
	return a, nil
}

// Run creates the configured number of patients with their allergy lists.
func (s *Seeder) Run(ctx context.Context) (*SeedResult, error) {
	start := time.Now()
	result := &SeedResult{}

	for i := 0; i < s.config.PatientCount; i++ {
		p := s.generator.GeneratePatient()
		if err := s.patients.CreatePatient(ctx, p); err != nil {
			return result, fmt.Errorf("create patient %s: %w", p.MRN, err)
		}
		result.Patients++

		drafts, nka := s.generator.GenerateAllergies(s.config.AllergiesPerPatient)
		list := allergy.NewAllergies()
		for _, draft := range drafts {
			a, err := s.build(ctx, draft)
			if err != nil {
				return result, err
			}
			list.Add(a)
		}
		switch {
		case nka:
			if err := list.ConfirmNoKnownAllergies(); err != nil {
				return result, err
			}
		case list.Len() == 0:
			result.Unknown++
			continue
		}

		if err := s.allergies.SetAllergies(ctx, p.ID, list); err != nil {
			return result, fmt.Errorf("set allergies for %s: %w", p.MRN, err)
		}
		if nka {
			result.NoKnownAllergies++
		}
		result.Allergies += list.Len()
	}

	result.Duration = time.Since(start)
	return result, nil
}
