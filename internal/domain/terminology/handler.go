package terminology

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/patient-records/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/concepts", auth.RequireRole(auth.ClinicalReadRoles...))
	read.GET("", h.SearchConcepts)
	read.GET("/:id", h.GetConcept)

	admin := api.Group("/properties", auth.RequireRole(auth.RoleAdmin))
	admin.GET("", h.ListProperties)
	admin.GET("/:name", h.GetProperty)
	admin.PUT("/:name", h.SetProperty)
}

func getLimit(c echo.Context) int {
	limit, _ := strconv.Atoi(c.QueryParam("_count"))
	if limit <= 0 {
		limit, _ = strconv.Atoi(c.QueryParam("limit"))
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return limit
}

// SearchConcepts handles GET /api/v1/concepts?q=&class=
func (h *Handler) SearchConcepts(c echo.Context) error {
	results, err := h.svc.SearchConcepts(c.Request().Context(), c.QueryParam("q"), c.QueryParam("class"), getLimit(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if results == nil {
		results = []*Concept{}
	}
	return c.JSON(http.StatusOK, results)
}

func (h *Handler) GetConcept(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid concept id")
	}
	concept, err := h.svc.GetConcept(c.Request().Context(), id)
	if errors.Is(err, ErrConceptNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "concept not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, concept)
}

func (h *Handler) ListProperties(c echo.Context) error {
	props, err := h.svc.ListProperties(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if props == nil {
		props = []*GlobalProperty{}
	}
	return c.JSON(http.StatusOK, props)
}

func (h *Handler) GetProperty(c echo.Context) error {
	p, err := h.svc.GetProperty(c.Request().Context(), c.Param("name"))
	if errors.Is(err, ErrPropertyNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "global property not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}

type setPropertyRequest struct {
	Value       string `json:"value" validate:"required,notblank"`
	Description string `json:"description" validate:"max=1024"`
}

// SetProperty handles PUT /api/v1/properties/:name
func (h *Handler) SetProperty(c echo.Context) error {
	var req setPropertyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if c.Echo().Validator != nil {
		if err := c.Validate(&req); err != nil {
			return err
		}
	}
	p, err := h.svc.SetProperty(c.Request().Context(), c.Param("name"), req.Value, req.Description)
	if errors.Is(err, ErrConceptNotFound) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}
