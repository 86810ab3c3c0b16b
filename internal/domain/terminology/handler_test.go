package terminology

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func newTestHandler() (*Handler, *echo.Echo) {
	return NewHandler(newTestService()), echo.New()
}

func TestHandler_SearchConcepts_Success(t *testing.T) {
	h, e := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/concepts?q=peanut", nil), rec)

	if err := h.SearchConcepts(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var results []*Concept
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(results) != 1 || results[0].Display != "Peanut" {
		t.Errorf("unexpected results: %v", results)
	}
}

func TestHandler_SearchConcepts_EmptyArray(t *testing.T) {
	h, e := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/concepts?q=zzz", nil), rec)

	if err := h.SearchConcepts(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected empty JSON array, got %s", rec.Body.String())
	}
}

func TestHandler_SearchConcepts_MissingQuery(t *testing.T) {
	h, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/concepts", nil), httptest.NewRecorder())

	err := h.SearchConcepts(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_GetConcept(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want int
	}{
		{"found", penicillinID.String(), http.StatusOK},
		{"not found", uuid.New().String(), http.StatusNotFound},
		{"bad id", "abc", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, e := newTestHandler()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
			c.SetParamNames("id")
			c.SetParamValues(tt.id)

			err := h.GetConcept(c)
			if tt.want == http.StatusOK {
				if err != nil || rec.Code != http.StatusOK {
					t.Fatalf("expected 200, got err=%v code=%d", err, rec.Code)
				}
				return
			}
			if he, ok := err.(*echo.HTTPError); !ok || he.Code != tt.want {
				t.Errorf("expected %d, got %v", tt.want, err)
			}
		})
	}
}

func TestHandler_SetProperty(t *testing.T) {
	h, e := newTestHandler()
	body := `{"value":"` + SystemCIEL + `|5622"}`
	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("name")
	c.SetParamValues(PropOtherNonCodedConcept)

	if err := h.SetProperty(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var p GlobalProperty
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if p.Value != otherNonCodedID.String() {
		t.Errorf("expected normalized id, got %s", p.Value)
	}
}

func TestHandler_SetProperty_UnknownConcept(t *testing.T) {
	h, e := newTestHandler()
	body := `{"value":"` + uuid.New().String() + `"}`
	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("name")
	c.SetParamValues(PropOtherNonCodedConcept)

	err := h.SetProperty(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %v", err)
	}
}

func TestHandler_GetProperty_NotFound(t *testing.T) {
	h, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("name")
	c.SetParamValues("missing")

	err := h.GetProperty(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}
