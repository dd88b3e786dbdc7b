package db

import (
	"strings"
	"testing"
	"time"
)

func TestBuildWhereArgAlignment(t *testing.T) {
	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	params := ListParams{
		Query:        "pavimentación",
		Estado:       "vigente",
		Jurisdiccion: "Mendoza",
		PublishedFrom: &from,
		OnlyWithBudget: true,
	}

	where, args := buildWhere(params, "")

	if !strings.HasPrefix(where, "WHERE 1=1") {
		t.Fatalf("unexpected prefix: %s", where)
	}
	if !strings.Contains(where, "deleted_at IS NULL") {
		t.Error("soft-deleted rows must be excluded by default")
	}
	if !strings.Contains(where, "budget IS NOT NULL") {
		t.Error("only_with_budget must add the budget null check")
	}

	// Placeholder count must match the arg count.
	for i := 1; i <= len(args); i++ {
		placeholder := "$" + string(rune('0'+i))
		if !strings.Contains(where, placeholder) {
			t.Errorf("missing placeholder %s for %d args in: %s", placeholder, len(args), where)
		}
	}
	if strings.Contains(where, "$"+string(rune('0'+len(args)+1))) {
		t.Errorf("placeholder past the arg count in: %s", where)
	}
}

func TestBuildWhereExtendedFilters(t *testing.T) {
	since := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	params := ListParams{
		Year:          2025,
		FuenteExclude: "boletin_mendoza",
		NuevasDesde:   &since,
		OnlyNational:  true,
		VigentesOnly:  true,
	}

	where, args := buildWhere(params, "")

	if !strings.Contains(where, "EXTRACT(YEAR FROM publication_date)") {
		t.Error("year filter missing")
	}
	if !strings.Contains(where, "fuente <>") {
		t.Error("fuente_exclude filter missing")
	}
	if !strings.Contains(where, "first_seen_at >=") {
		t.Error("nuevas_desde filter missing")
	}
	if !strings.Contains(where, "jurisdiccion = 'Nación'") {
		t.Error("only_national filter missing")
	}
	if !strings.Contains(where, "estado IN ('vigente', 'prorrogada')") ||
		!strings.Contains(where, "opening_date >= CURRENT_DATE") {
		t.Errorf("vigentes filter missing: %s", where)
	}
	if len(args) != 3 {
		t.Errorf("expected 3 args (fuente_exclude, year, nuevas_desde), got %d", len(args))
	}
}

func TestBuildWhereSkipsOwnDimension(t *testing.T) {
	params := ListParams{Estado: "vigente", Jurisdiccion: "Mendoza"}

	where, args := buildWhere(params, "estado")
	if strings.Contains(where, "estado =") {
		t.Errorf("facet query must not filter on its own dimension: %s", where)
	}
	if !strings.Contains(where, "jurisdiccion =") {
		t.Error("other dimensions must still apply")
	}
	if len(args) != 1 {
		t.Errorf("expected 1 arg, got %d", len(args))
	}

	// Organization is an ILIKE filter, but the facet over it still has to
	// drop it like any other dimension.
	where, args = buildWhere(ListParams{Organization: "Vialidad"}, "organization")
	if strings.Contains(where, "organization ILIKE") {
		t.Errorf("organization facet must not filter on organization: %s", where)
	}
	if len(args) != 0 {
		t.Errorf("expected 0 args, got %d", len(args))
	}
}

func TestFacetDimensionsCoverWorkflowAndOrganization(t *testing.T) {
	want := map[string]bool{"workflow_state": false, "organization": false}
	for _, dim := range facetDimensions {
		if _, ok := want[dim.name]; ok {
			want[dim.name] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("facet dimension %s missing", name)
		}
	}
}

func TestBuildWhereDateFieldRange(t *testing.T) {
	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		field string
		want  string
	}{
		{"defaults to publication", "", "publication_date >="},
		{"opening", "opening_date", "opening_date >="},
		{"scrape time", "fecha_scraping", "fecha_scraping >="},
		{"unknown falls back to publication", "updated_at", "publication_date >="},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			where, args := buildWhere(ListParams{DateField: tt.field, DateFrom: &from, DateTo: &to}, "")
			if !strings.Contains(where, tt.want) {
				t.Errorf("expected %q in: %s", tt.want, where)
			}
			if len(args) != 2 {
				t.Errorf("expected 2 args, got %d", len(args))
			}
		})
	}
}

func TestOrderClause(t *testing.T) {
	tests := []struct {
		name   string
		sortBy string
		order  string
		want   string
	}{
		{"publication defaults desc", "publication_date", "", " ORDER BY publication_date DESC NULLS LAST, id ASC"},
		{"publication alias", "publication", "asc", " ORDER BY publication_date ASC NULLS LAST, id ASC"},
		{"opening defaults asc", "opening_date", "", " ORDER BY opening_date ASC NULLS LAST, id ASC"},
		{"opening alias desc", "opening", "desc", " ORDER BY opening_date DESC NULLS LAST, id ASC"},
		{"fecha_scraping", "fecha_scraping", "asc", " ORDER BY fecha_scraping ASC NULLS LAST, id ASC"},
		{"budget", "budget", "", " ORDER BY budget DESC NULLS LAST, id ASC"},
		{"legacy budget_desc", "budget_desc", "", " ORDER BY budget DESC NULLS LAST, id ASC"},
		{"unknown is relevance default", "created_at", "", ""},
		{"empty is relevance default", "", "desc", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := orderClause(ListParams{SortBy: tt.sortBy, SortOrder: tt.order})
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
			if got != "" && !strings.HasSuffix(got, "id ASC") {
				t.Errorf("every explicit ordering must end with the id tie-break: %q", got)
			}
		})
	}
}

func TestBuildWhereIncludeDeleted(t *testing.T) {
	where, _ := buildWhere(ListParams{IncludeDeleted: true}, "")
	if strings.Contains(where, "deleted_at") {
		t.Errorf("include_deleted must drop the soft-delete filter: %s", where)
	}
}

func TestFacetCacheKeyDistinguishesFilters(t *testing.T) {
	a := facetCacheKey(ListParams{Estado: "vigente"})
	b := facetCacheKey(ListParams{Jurisdiccion: "vigente"})
	if a == b {
		t.Error("keys must encode which dimension carries the value")
	}
}

func TestTTLCacheExpiry(t *testing.T) {
	c := newTTLCache(10 * time.Millisecond)
	c.set("k", 42)
	if v, ok := c.get("k"); !ok || v.(int) != 42 {
		t.Fatal("expected fresh entry")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.get("k"); ok {
		t.Error("expected entry to expire")
	}

	c.set("k", 1)
	c.purge()
	if _, ok := c.get("k"); ok {
		t.Error("purge must drop all entries")
	}
}

func TestJSONDefaults(t *testing.T) {
	if got := string(jsonOrDefault(map[string]string(nil), "{}")); got != "{}" {
		t.Errorf("nil map must encode as empty object, got %s", got)
	}
	if got := string(jsonOrDefault([]string(nil), "[]")); got != "[]" {
		t.Errorf("nil slice must encode as empty array, got %s", got)
	}
	if got := jsonOrNil(nil); got != nil {
		t.Errorf("empty metadata must stay NULL, got %s", got)
	}
	if got := string(jsonArray(nil)); got != "[]" {
		t.Errorf("nil run list must encode as empty array, got %s", got)
	}
}
