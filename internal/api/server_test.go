package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/matiasb/licitar/internal/db"
)

func paramsFor(t *testing.T, query string) (db.ListParams, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/licitaciones?"+query, nil)
	c := e.NewContext(req, httptest.NewRecorder())
	return listParamsFromRequest(c)
}

func TestListParamsSortAndDateRange(t *testing.T) {
	params, err := paramsFor(t,
		"sort=fecha_scraping&sort_order=asc&fecha_campo=opening_date&fecha_desde=2025-06-01&fecha_hasta=2025-06-30")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if params.SortBy != "fecha_scraping" || params.SortOrder != "asc" {
		t.Errorf("sort params not carried: %q %q", params.SortBy, params.SortOrder)
	}
	if params.DateField != "opening_date" {
		t.Errorf("fecha_campo not carried: %q", params.DateField)
	}
	if params.DateFrom == nil || params.DateFrom.Format("2006-01-02") != "2025-06-01" {
		t.Errorf("fecha_desde not parsed: %v", params.DateFrom)
	}
	if params.DateTo == nil || params.DateTo.Format("2006-01-02") != "2025-06-30" {
		t.Errorf("fecha_hasta not parsed: %v", params.DateTo)
	}

	if _, err := paramsFor(t, "fecha_desde=01-06-2025"); err == nil {
		t.Error("malformed fecha_desde must be rejected")
	}
}
