package allergy

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/patient-records/internal/domain/patient"
	"github.com/ehr/patient-records/internal/domain/terminology"
	"github.com/ehr/patient-records/internal/platform/auth"
	"github.com/ehr/patient-records/internal/platform/fhir"
	"github.com/ehr/patient-records/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	read := auth.RequireRole(auth.ClinicalReadRoles...)
	write := auth.RequireRole(auth.ClinicalWriteRoles...)
	api.GET("/patients/:patient_id/allergies", h.GetAllergies, read)
	api.PUT("/patients/:patient_id/allergies", h.SetAllergies, write)
	api.GET("/patients/:patient_id/allergies/history", h.ListAllergyHistory, read)
	api.GET("/allergies/:id", h.GetAllergy, read)

	fr := fhirGroup.Group("/AllergyIntolerance", read, auth.RequireScope("AllergyIntolerance", "read"))
	fr.GET("", h.SearchAllergiesFHIR)
	fr.GET("/:id", h.GetAllergyFHIR)
}

// CapabilityResource describes the FHIR interactions served here.
func CapabilityResource() fhir.CSResource {
	return fhir.CSResource{
		Type:        "AllergyIntolerance",
		Interaction: []fhir.CSInteraction{{Code: "read"}, {Code: "search-type"}},
		SearchParam: []fhir.CSSearchParam{{Name: "patient", Type: "reference"}},
	}
}

// -- Request DTOs --

type allergenRequest struct {
	Type     string  `json:"type" validate:"required,oneof=DRUG FOOD ENVIRONMENT OTHER"`
	Coded    string  `json:"coded" validate:"omitempty,max=255"`
	NonCoded *string `json:"non_coded" validate:"omitempty,max=255"`
}

type reactionRequest struct {
	ID       string  `json:"id" validate:"omitempty,uuid"`
	Reaction string  `json:"reaction" validate:"omitempty,max=255"`
	NonCoded *string `json:"reaction_non_coded" validate:"omitempty,max=255"`
}

type allergyRequest struct {
	ID        string            `json:"id" validate:"omitempty,uuid"`
	Allergen  allergenRequest   `json:"allergen" validate:"required"`
	Severity  string            `json:"severity" validate:"omitempty,max=255"`
	Comment   *string           `json:"comment" validate:"omitempty,max=1024"`
	Reactions []reactionRequest `json:"reactions" validate:"omitempty,dive"`
}

type setAllergiesRequest struct {
	Status    string           `json:"status" validate:"omitempty,oneof=UNKNOWN SEE_LIST NO_KNOWN_ALLERGIES"`
	Allergies []allergyRequest `json:"allergies" validate:"omitempty,dive"`
}

func parsePatientID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	return id, nil
}

// httpError maps service errors onto HTTP statuses.
func httpError(err error) error {
	switch {
	case errors.Is(err, patient.ErrPatientNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	case errors.Is(err, ErrAllergyNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "allergy not found")
	case errors.Is(err, ErrUnknownAllergy):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, ErrAllergiesNotEmpty):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, terminology.ErrConceptNotFound):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *Handler) GetAllergies(c echo.Context) error {
	patientID, err := parsePatientID(c)
	if err != nil {
		return err
	}
	list, err := h.svc.GetAllergies(c.Request().Context(), patientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, list)
}

// SetAllergies handles PUT /api/v1/patients/:patient_id/allergies. Allergies
// without an id are added, listed ones are kept or replaced, and omitted
// ones are voided.
func (h *Handler) SetAllergies(c echo.Context) error {
	patientID, err := parsePatientID(c)
	if err != nil {
		return err
	}
	var req setAllergiesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if c.Echo().Validator != nil {
		if err := c.Validate(&req); err != nil {
			return err
		}
	}

	ctx := c.Request().Context()
	desired, err := h.toAllergies(c, &req)
	if err != nil {
		return err
	}
	if err := h.svc.SetAllergies(ctx, patientID, desired); err != nil {
		return httpError(err)
	}

	list, err := h.svc.GetAllergies(ctx, patientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, list)
}

func (h *Handler) toAllergies(c echo.Context, req *setAllergiesRequest) (*Allergies, error) {
	desired := NewAllergies()
	for i, ar := range req.Allergies {
		a, err := h.toAllergy(c, &ar)
		if err != nil {
			return nil, prefixError(fmt.Sprintf("allergies[%d]", i), err)
		}
		desired.Add(a)
	}
	if Status(req.Status) == StatusNoKnownAllergies {
		if err := desired.ConfirmNoKnownAllergies(); err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	return desired, nil
}

func (h *Handler) toAllergy(c echo.Context, ar *allergyRequest) (*Allergy, error) {
	a := &Allergy{
		Allergen: Allergen{Type: AllergenType(ar.Allergen.Type), NonCoded: trimmed(ar.Allergen.NonCoded)},
		Comment:  ar.Comment,
	}
	var err error
	if ar.ID != "" {
		if a.ID, err = uuid.Parse(ar.ID); err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid allergy id")
		}
	}
	if a.Allergen.Coded, err = h.concept(c, "allergen.coded", ar.Allergen.Coded); err != nil {
		return nil, err
	}
	if a.Severity, err = h.concept(c, "severity", ar.Severity); err != nil {
		return nil, err
	}
	for k, rr := range ar.Reactions {
		r := &AllergyReaction{ReactionNonCoded: trimmed(rr.NonCoded)}
		if rr.ID != "" {
			if r.ID, err = uuid.Parse(rr.ID); err != nil {
				return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid reaction id")
			}
		}
		if r.Reaction, err = h.concept(c, fmt.Sprintf("reactions[%d].reaction", k), rr.Reaction); err != nil {
			return nil, err
		}
		a.AddReaction(r)
	}
	return a, nil
}

func (h *Handler) concept(c echo.Context, field, ref string) (*terminology.Concept, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, nil
	}
	concept, err := h.svc.ResolveConcept(c.Request().Context(), ref)
	if errors.Is(err, terminology.ErrConceptNotFound) {
		return nil, echo.NewHTTPError(http.StatusUnprocessableEntity, fmt.Sprintf("%s: unknown concept %q", field, ref))
	}
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s: %v", field, err))
	}
	return concept, nil
}

func prefixError(prefix string, err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return echo.NewHTTPError(he.Code, fmt.Sprintf("%s: %v", prefix, he.Message))
	}
	return err
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func (h *Handler) ListAllergyHistory(c echo.Context) error {
	patientID, err := parsePatientID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListAllergyHistory(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Allergy{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) GetAllergy(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid allergy id")
	}
	a, err := h.svc.GetAllergyByID(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

// -- FHIR Endpoints --

// SearchAllergiesFHIR handles GET /fhir/AllergyIntolerance?patient=<id>.
func (h *Handler) SearchAllergiesFHIR(c echo.Context) error {
	ref := strings.TrimPrefix(c.QueryParam("patient"), "Patient/")
	if ref == "" {
		return fhir.Error(c, http.StatusBadRequest, fhir.InvalidOutcome("the patient search parameter is required"))
	}
	patientID, err := uuid.Parse(ref)
	if err != nil {
		return fhir.Error(c, http.StatusBadRequest, fhir.InvalidOutcome("invalid patient reference: "+ref))
	}

	list, err := h.svc.GetAllergies(c.Request().Context(), patientID)
	if errors.Is(err, patient.ErrPatientNotFound) {
		return fhir.Error(c, http.StatusNotFound, fhir.NotFoundOutcome("Patient", ref))
	}
	if err != nil {
		return fhir.Error(c, http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}

	resources := fhirResources(patientID, list)
	bundle, err := fhir.NewSearchBundle(resources, renderFHIR, fhir.SearchBundleParams{
		BaseURL:  "/fhir/AllergyIntolerance",
		QueryStr: c.QueryString(),
		Total:    len(resources),
	})
	if err != nil {
		return fhir.Error(c, http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	return fhir.JSON(c, http.StatusOK, bundle)
}

func (h *Handler) GetAllergyFHIR(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return fhir.Error(c, http.StatusNotFound, fhir.NotFoundOutcome("AllergyIntolerance", c.Param("id")))
	}
	a, err := h.svc.GetAllergyByID(c.Request().Context(), id)
	if errors.Is(err, ErrAllergyNotFound) {
		return fhir.Error(c, http.StatusNotFound, fhir.NotFoundOutcome("AllergyIntolerance", c.Param("id")))
	}
	if err != nil {
		return fhir.Error(c, http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	return fhir.JSON(c, http.StatusOK, a.ToFHIR())
}
