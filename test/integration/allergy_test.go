//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/patient-records/internal/domain/allergy"
	"github.com/ehr/patient-records/internal/domain/patient"
	"github.com/ehr/patient-records/internal/domain/terminology"
	"github.com/ehr/patient-records/internal/platform/db"
	"github.com/ehr/patient-records/internal/platform/events"
)

const (
	refPenicillin = terminology.SystemRxNorm + "|7980"
	refAspirin    = terminology.SystemRxNorm + "|1191"
	refPeanut     = terminology.SystemSNOMED + "|256349002"
	refSevere     = terminology.SystemSNOMED + "|24484000"
	refRash       = terminology.SystemSNOMED + "|271807003"
	refHives      = terminology.SystemSNOMED + "|126485001"
)

func codedAllergy(t *testing.T, ctx context.Context, typ allergy.AllergenType, ref string) *allergy.Allergy {
	t.Helper()
	return &allergy.Allergy{Allergen: allergy.Allergen{Type: typ, Coded: concept(t, ctx, ref)}}
}

func freeTextAllergy(typ allergy.AllergenType, text string) *allergy.Allergy {
	return &allergy.Allergy{Allergen: allergy.Allergen{Type: typ, NonCoded: ptrStr(text)}}
}

func TestAllergyReconciliation(t *testing.T) {
	tenantID := uniqueTenantID("allergy")
	createTenantSchema(t, context.Background(), tenantID)
	ctx := tenantContext(t, tenantID)
	svc := newAllergyService()

	t.Run("NewPatientIsUnknown", func(t *testing.T) {
		p := createTestPatient(t, ctx, "MRN-UNKNOWN")
		list, err := svc.GetAllergies(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, allergy.StatusUnknown, list.Status())
		assert.Zero(t, list.Len())
	})

	t.Run("SaveAndReload", func(t *testing.T) {
		p := createTestPatient(t, ctx, "MRN-SAVE")

		penicillin := codedAllergy(t, ctx, allergy.AllergenDrug, refPenicillin)
		penicillin.Severity = concept(t, ctx, refSevere)
		penicillin.Comment = ptrStr("since childhood")
		penicillin.AddReaction(&allergy.AllergyReaction{Reaction: concept(t, ctx, refRash)})
		penicillin.AddReaction(&allergy.AllergyReaction{ReactionNonCoded: ptrStr("swollen lips")})
		bees := freeTextAllergy(allergy.AllergenEnvironment, "Bee stings")

		require.NoError(t, svc.SetAllergies(ctx, p.ID, allergy.NewAllergies(penicillin, bees)))
		assert.NotEqual(t, uuid.Nil, penicillin.ID)
		assert.NotEqual(t, uuid.Nil, bees.ID)

		list, err := svc.GetAllergies(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, allergy.StatusSeeList, list.Status())
		require.Equal(t, 2, list.Len())

		got := list.FindByID(penicillin.ID)
		require.NotNil(t, got)
		assert.Equal(t, "Penicillin G", got.Allergen.Display())
		assert.Equal(t, "Severe", got.Severity.Display)
		assert.Equal(t, "since childhood", *got.Comment)
		assert.Len(t, got.Reactions, 2)
		require.NotNil(t, got.CreatedBy)
		assert.Equal(t, "clinician-1", *got.CreatedBy)

		free := list.FindByID(bees.ID)
		require.NotNil(t, free)
		require.NotNil(t, free.Allergen.Coded, "free-text allergen carries the other-non-coded concept")
		assert.Equal(t, "5622", free.Allergen.Coded.Code)
		coded, err := svc.IsCoded(ctx, &free.Allergen)
		require.NoError(t, err)
		assert.False(t, coded)

		stored, err := patient.NewRepo(globalEnv.Pool).GetByID(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, string(allergy.StatusSeeList), stored.AllergyStatus)
	})

	t.Run("UnchangedSaveWritesNothing", func(t *testing.T) {
		p := createTestPatient(t, ctx, "MRN-NOOP")
		require.NoError(t, svc.SetAllergies(ctx, p.ID, allergy.NewAllergies(codedAllergy(t, ctx, allergy.AllergenDrug, refAspirin))))

		list, err := svc.GetAllergies(ctx, p.ID)
		require.NoError(t, err)
		before := list.Get(0).ID
		require.NoError(t, svc.SetAllergies(ctx, p.ID, list))

		list, err = svc.GetAllergies(ctx, p.ID)
		require.NoError(t, err)
		require.Equal(t, 1, list.Len())
		assert.Equal(t, before, list.Get(0).ID)

		history, total, err := svc.ListAllergyHistory(ctx, p.ID, 20, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Len(t, history, 1)
	})

	t.Run("EditVoidsAndRecreates", func(t *testing.T) {
		p := createTestPatient(t, ctx, "MRN-EDIT")
		a := codedAllergy(t, ctx, allergy.AllergenDrug, refPenicillin)
		a.AddReaction(&allergy.AllergyReaction{Reaction: concept(t, ctx, refRash)})
		require.NoError(t, svc.SetAllergies(ctx, p.ID, allergy.NewAllergies(a)))

		list, err := svc.GetAllergies(ctx, p.ID)
		require.NoError(t, err)
		edited := list.Get(0)
		oldID := edited.ID
		edited.Comment = ptrStr("worse than recorded")
		edited.AddReaction(&allergy.AllergyReaction{Reaction: concept(t, ctx, refHives)})
		require.NoError(t, svc.SetAllergies(ctx, p.ID, list))

		reloaded, err := svc.GetAllergies(ctx, p.ID)
		require.NoError(t, err)
		require.Equal(t, 1, reloaded.Len())
		current := reloaded.Get(0)
		assert.NotEqual(t, oldID, current.ID)
		assert.Equal(t, "worse than recorded", *current.Comment)
		assert.Len(t, current.Reactions, 2)
		assert.False(t, reloaded.Contains(edited))

		old, err := svc.GetAllergyByID(ctx, oldID)
		require.NoError(t, err)
		assert.True(t, old.Voided)
		require.NotNil(t, old.VoidReason)
		assert.Equal(t, allergy.VoidReasonEdited, *old.VoidReason)
		require.NotNil(t, old.VoidedBy)
		assert.Equal(t, "clinician-1", *old.VoidedBy)
		assert.NotNil(t, old.DateVoided)
		assert.Len(t, old.Reactions, 1, "voided allergy keeps its voided reactions")

		_, total, err := svc.ListAllergyHistory(ctx, p.ID, 20, 0)
		require.NoError(t, err)
		assert.Equal(t, 2, total)
	})

	t.Run("RemovalVoidsAndEmptyListResetsStatus", func(t *testing.T) {
		p := createTestPatient(t, ctx, "MRN-REMOVE")
		require.NoError(t, svc.SetAllergies(ctx, p.ID, allergy.NewAllergies(
			codedAllergy(t, ctx, allergy.AllergenDrug, refAspirin),
			codedAllergy(t, ctx, allergy.AllergenFood, refPeanut),
		)))

		list, err := svc.GetAllergies(ctx, p.ID)
		require.NoError(t, err)
		removed := list.RemoveAt(0)
		require.NoError(t, svc.SetAllergies(ctx, p.ID, list))

		old, err := svc.GetAllergyByID(ctx, removed.ID)
		require.NoError(t, err)
		assert.True(t, old.Voided)
		assert.Equal(t, allergy.VoidReasonRemoved, *old.VoidReason)

		list, err = svc.GetAllergies(ctx, p.ID)
		require.NoError(t, err)
		require.Equal(t, 1, list.Len())
		list.RemoveAt(0)
		require.NoError(t, svc.SetAllergies(ctx, p.ID, list))

		list, err = svc.GetAllergies(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, allergy.StatusUnknown, list.Status())
		assert.Zero(t, list.Len())
	})

	t.Run("NoKnownAllergies", func(t *testing.T) {
		p := createTestPatient(t, ctx, "MRN-NKA")
		require.NoError(t, svc.SetAllergies(ctx, p.ID, allergy.NewAllergies(codedAllergy(t, ctx, allergy.AllergenDrug, refAspirin))))

		list, err := svc.GetAllergies(ctx, p.ID)
		require.NoError(t, err)
		assert.ErrorIs(t, list.ConfirmNoKnownAllergies(), allergy.ErrAllergiesNotEmpty)

		list.RemoveAt(0)
		require.NoError(t, list.ConfirmNoKnownAllergies())
		require.NoError(t, svc.SetAllergies(ctx, p.ID, list))

		list, err = svc.GetAllergies(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, allergy.StatusNoKnownAllergies, list.Status())

		_, total, err := svc.ListAllergyHistory(ctx, p.ID, 20, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, total)
	})

	t.Run("DuplicateAllergenRejected", func(t *testing.T) {
		p := createTestPatient(t, ctx, "MRN-DUP")
		first := freeTextAllergy(allergy.AllergenFood, "Strawberries")
		second := freeTextAllergy(allergy.AllergenFood, "strawberries ")

		err := svc.SetAllergies(ctx, p.ID, allergy.NewAllergies(first, second))
		assert.ErrorIs(t, err, allergy.ErrValidation)
		assert.Equal(t, uuid.Nil, first.ID)

		_, total, err := svc.ListAllergyHistory(ctx, p.ID, 20, 0)
		require.NoError(t, err)
		assert.Zero(t, total)
	})

	t.Run("StaleIDRejected", func(t *testing.T) {
		p := createTestPatient(t, ctx, "MRN-STALE")
		require.NoError(t, svc.SetAllergies(ctx, p.ID, allergy.NewAllergies(codedAllergy(t, ctx, allergy.AllergenDrug, refAspirin))))

		stale, err := svc.GetAllergies(ctx, p.ID)
		require.NoError(t, err)
		fresh := stale.Clone()
		fresh.Get(0).Comment = ptrStr("edited elsewhere")
		require.NoError(t, svc.SetAllergies(ctx, p.ID, fresh))

		stale.Get(0).Comment = ptrStr("edited here")
		err = svc.SetAllergies(ctx, p.ID, stale)
		assert.ErrorIs(t, err, allergy.ErrUnknownAllergy)
	})

	t.Run("UnknownPatient", func(t *testing.T) {
		_, err := svc.GetAllergies(ctx, uuid.New())
		assert.ErrorIs(t, err, patient.ErrPatientNotFound)

		err = svc.SetAllergies(ctx, uuid.New(), allergy.NewAllergies())
		assert.ErrorIs(t, err, patient.ErrPatientNotFound)
	})

	t.Run("UnknownAllergyID", func(t *testing.T) {
		_, err := svc.GetAllergyByID(ctx, uuid.New())
		assert.ErrorIs(t, err, allergy.ErrAllergyNotFound)
	})
}

func TestAllergyTenantIsolation(t *testing.T) {
	tenantA, tenantB := uniqueTenantID("iso_a"), uniqueTenantID("iso_b")
	createTenantSchema(t, context.Background(), tenantA)
	createTenantSchema(t, context.Background(), tenantB)
	ctxA, ctxB := tenantContext(t, tenantA), tenantContext(t, tenantB)
	svc := newAllergyService()

	p := createTestPatient(t, ctxA, "MRN-ISO")
	require.NoError(t, svc.SetAllergies(ctxA, p.ID, allergy.NewAllergies(freeTextAllergy(allergy.AllergenOther, "Nickel"))))

	_, err := svc.GetAllergies(ctxB, p.ID)
	assert.ErrorIs(t, err, patient.ErrPatientNotFound)
}

func TestAllergyRedisCache(t *testing.T) {
	tenantID := uniqueTenantID("cache")
	createTenantSchema(t, context.Background(), tenantID)
	ctx := tenantContext(t, tenantID)

	cache := allergy.NewRedisListCache(globalEnv.Redis.Client, time.Minute)
	svc := newAllergyService(allergy.WithCache(cache))
	p := createTestPatient(t, ctx, "MRN-CACHE")

	_, err := svc.GetAllergies(ctx, p.ID)
	require.NoError(t, err)
	cached, ok, err := cache.Get(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, ok, "read populates the cache")
	assert.Equal(t, allergy.StatusUnknown, cached.Status())

	require.NoError(t, svc.SetAllergies(ctx, p.ID, allergy.NewAllergies(freeTextAllergy(allergy.AllergenFood, "Kiwi"))))
	_, ok, err = cache.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, ok, "write evicts the cached list")

	list, err := svc.GetAllergies(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, allergy.StatusSeeList, list.Status())
	require.Equal(t, 1, list.Len())
	assert.Equal(t, "Kiwi", list.Get(0).Allergen.Display())
}

func TestAllergyRedisCache_StaleGenerationIsRejected(t *testing.T) {
	ctx := context.WithValue(context.Background(), db.TenantIDKey, uniqueTenantID("cas"))
	cache := allergy.NewRedisListCache(globalEnv.Redis.Client, time.Minute)
	patientID := uuid.New()

	gen, err := cache.Generation(ctx, patientID)
	require.NoError(t, err)
	assert.Zero(t, gen)

	require.NoError(t, cache.Invalidate(ctx, patientID))
	stored, err := cache.Set(ctx, patientID, gen, allergy.NewAllergies())
	require.NoError(t, err)
	assert.False(t, stored, "list loaded before the invalidation")
	_, ok, err := cache.Get(ctx, patientID)
	require.NoError(t, err)
	assert.False(t, ok)

	gen, err = cache.Generation(ctx, patientID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), gen)
	stored, err = cache.Set(ctx, patientID, gen, allergy.NewAllergies())
	require.NoError(t, err)
	assert.True(t, stored)
	_, ok, err = cache.Get(ctx, patientID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllergyChangeEvents(t *testing.T) {
	tenantID := uniqueTenantID("events")
	createTenantSchema(t, context.Background(), tenantID)
	ctx := tenantContext(t, tenantID)

	publisher := events.NewRedisPublisher(globalEnv.Redis.Client, "records-test-"+tenantID)
	subCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	stream, err := publisher.Subscribe(subCtx)
	require.NoError(t, err)

	svc := newAllergyService(allergy.WithPublisher(publisher))
	p := createTestPatient(t, ctx, "MRN-EVENTS")
	a := freeTextAllergy(allergy.AllergenFood, "Shellfish")
	require.NoError(t, svc.SetAllergies(ctx, p.ID, allergy.NewAllergies(a)))

	select {
	case evt := <-stream:
		assert.Equal(t, allergy.EventAllergiesChanged, evt.Type)
		assert.Equal(t, p.ID.String(), evt.ResourceID)
		assert.Equal(t, tenantID, evt.TenantID)
		assert.Equal(t, "clinician-1", evt.Actor)

		var payload struct {
			Status  string   `json:"status"`
			Created []string `json:"created"`
		}
		require.NoError(t, json.Unmarshal(evt.Payload, &payload))
		assert.Equal(t, string(allergy.StatusSeeList), payload.Status)
		assert.Equal(t, []string{a.ID.String()}, payload.Created)
	case <-subCtx.Done():
		t.Fatal("no allergies.changed event received")
	}
}

func TestOtherNonCodedProperty(t *testing.T) {
	tenantID := uniqueTenantID("prop")
	createTenantSchema(t, context.Background(), tenantID)
	ctx := tenantContext(t, tenantID)
	term := newTerminology()

	other, err := term.OtherNonCodedConcept(ctx)
	require.NoError(t, err)
	assert.Equal(t, "5622", other.Code)

	latex := concept(t, ctx, terminology.SystemSNOMED+"|111088007")
	_, err = term.SetProperty(ctx, terminology.PropOtherNonCodedConcept, latex.ID.String(), "")
	require.NoError(t, err)

	other, err = term.OtherNonCodedConcept(ctx)
	require.NoError(t, err)
	assert.Equal(t, latex.ID, other.ID)

	_, err = term.GetProperty(ctx, "no.such.property")
	assert.True(t, errors.Is(err, terminology.ErrPropertyNotFound))
}
