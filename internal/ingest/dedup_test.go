package ingest

import (
	"testing"
	"time"

	"github.com/matiasb/licitar/internal/models"
	"github.com/shopspring/decimal"
)

func TestTokenSetRatio(t *testing.T) {
	tests := []struct {
		a, b string
		min  float64
		max  float64
	}{
		{
			"Pavimentación Ruta Provincial 40 Km 12-18",
			"PAVIMENTACION de Ruta Provincial 40, Km 12-18",
			0.85, 1.01,
		},
		{
			"Adquisición de ambulancias",
			"Adquisición de ambulancias para el Ministerio de Salud",
			0.85, 1.01,
		},
		{
			"Provisión de insumos hospitalarios",
			"Construcción de escuela primaria",
			0, 0.5,
		},
	}
	for _, tt := range tests {
		got := TokenSetRatio(tt.a, tt.b)
		if got < tt.min || got > tt.max {
			t.Errorf("TokenSetRatio(%q, %q) = %.3f, want in [%.2f, %.2f)", tt.a, tt.b, got, tt.min, tt.max)
		}
	}
}

func TestFindMatchKeyChain(t *testing.T) {
	pub := date(2025, 6, 1)
	d := NewDeduper()

	existing := []models.Licitacion{
		{
			ID:              "a",
			Title:           "Provisión de insumos",
			Organization:    "Ministerio de Salud",
			ExpedientNumber: "EXP-2025-00123",
			PublicationDate: &pub,
		},
		{
			ID:               "b",
			Title:            "Obra vial zona este",
			Organization:     "Vialidad",
			LicitacionNumber: "LP 45/2025",
			ContentHash:      "hash-b",
			PublicationDate:  &pub,
		},
	}

	// Expedient number beats everything else, even a differing title.
	m, ok := d.FindMatch(&models.Licitacion{
		Title:           "Texto totalmente distinto",
		ExpedientNumber: "EXP-2025-00123",
	}, existing)
	if !ok || m.ID != "a" {
		t.Fatalf("expected expedient match a, got %v %v", m, ok)
	}

	// Licitación number next.
	m, ok = d.FindMatch(&models.Licitacion{
		Title:            "Otra obra",
		LicitacionNumber: "LP 45/2025",
	}, existing)
	if !ok || m.ID != "b" {
		t.Fatalf("expected licitacion-number match b, got %v %v", m, ok)
	}

	// Content hash next.
	m, ok = d.FindMatch(&models.Licitacion{ContentHash: "hash-b", Title: "x"}, existing)
	if !ok || m.ID != "b" {
		t.Fatalf("expected content-hash match b, got %v %v", m, ok)
	}
}

func TestFindMatchFuzzy(t *testing.T) {
	pub := date(2025, 6, 1)
	near := date(2025, 6, 4)
	far := date(2025, 7, 15)
	d := NewDeduper()

	existing := []models.Licitacion{{
		ID:              "a",
		Title:           "Pavimentación Ruta Provincial 40 Km 12-18",
		Organization:    "Dirección Provincial de Vialidad",
		PublicationDate: &pub,
	}}

	incoming := &models.Licitacion{
		Title:           "PAVIMENTACION de Ruta Provincial 40, Km 12-18",
		Organization:    "Direccion Provincial de Vialidad",
		PublicationDate: &near,
	}
	if m, ok := d.FindMatch(incoming, existing); !ok || m.ID != "a" {
		t.Fatal("expected fuzzy match across accents, case and word order")
	}

	// Same title, different organization: no match.
	other := *incoming
	other.Organization = "Municipalidad de Godoy Cruz"
	if _, ok := d.FindMatch(&other, existing); ok {
		t.Error("fuzzy match must require the same organization")
	}

	// Same title and organization but publication dates too far apart.
	late := *incoming
	late.PublicationDate = &far
	if _, ok := d.FindMatch(&late, existing); ok {
		t.Error("fuzzy match must require publication dates within 7 days")
	}

	// Missing publication date on either side blocks fuzzy matching.
	undated := *incoming
	undated.PublicationDate = nil
	if _, ok := d.FindMatch(&undated, existing); ok {
		t.Error("fuzzy match must not fire without both publication dates")
	}
}

func TestSweepMergesCorpusDuplicates(t *testing.T) {
	pub := date(2025, 6, 1)
	near := date(2025, 6, 3)
	seenEarly := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	seenLate := time.Date(2025, 6, 4, 8, 0, 0, 0, time.UTC)

	records := []models.Licitacion{
		{
			ID:              "late",
			Title:           "PAVIMENTACION de Ruta Provincial 40, Km 12-18",
			Organization:    "Direccion Provincial de Vialidad",
			PublicationDate: &near,
			FirstSeenAt:     seenLate,
		},
		{
			ID:              "early",
			Title:           "Pavimentación Ruta Provincial 40 Km 12-18",
			Organization:    "Dirección Provincial de Vialidad",
			PublicationDate: &pub,
			FirstSeenAt:     seenEarly,
		},
		{
			ID:              "unrelated",
			Title:           "Construcción de escuela primaria",
			Organization:    "Dirección General de Escuelas",
			PublicationDate: &pub,
			FirstSeenAt:     seenEarly,
		},
	}

	result := NewDeduper().Sweep(records)

	if len(result.Absorbed) != 1 || result.Absorbed[0] != "late" {
		t.Fatalf("the younger duplicate must be absorbed, got %v", result.Absorbed)
	}
	if len(result.Survivors) != 1 || result.Survivors[0].ID != "early" {
		t.Fatalf("the older record must survive, got %v", result.Survivors)
	}
	if len(result.Survivors[0].MergedFrom) != 1 || result.Survivors[0].MergedFrom[0] != "late" {
		t.Errorf("survivor must record the absorbed id, got %v", result.Survivors[0].MergedFrom)
	}
}

func TestMergePolicy(t *testing.T) {
	pub := date(2025, 6, 1)
	open := date(2025, 7, 15)
	seenEarly := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	seenLate := time.Date(2025, 6, 5, 10, 0, 0, 0, time.UTC)
	budget := decimal.NewFromInt(1500000)

	dst := &models.Licitacion{
		ID:              "keep",
		Title:           "Obra vial",
		Organization:    "Vialidad",
		Fuente:          "boletin",
		PublicationDate: &pub,
		CanonicalURL:    "https://boletin.example/listado",
		URLQuality:      models.URLPartial,
		SourceURLs:      map[string]string{"boletin": "https://boletin.example/listado"},
		WorkflowState:   models.WorkflowEvaluando,
		EnrichmentLevel: 1,
		FirstSeenAt:     seenLate,
		AttachedFiles:   []models.AttachedFile{{Filename: "aviso.pdf", URL: "https://boletin.example/aviso.pdf"}},
	}
	src := &models.Licitacion{
		ID:              "other",
		Title:           "Obra vial: repavimentación de calzada urbana",
		Organization:    "Vialidad",
		Fuente:          "comprar",
		OpeningDate:     &open,
		Budget:          &budget,
		Currency:        "ARS",
		CanonicalURL:    "https://comprar.example/proceso/88",
		URLQuality:      models.URLDirect,
		SourceURLs:      map[string]string{"comprar": "https://comprar.example/proceso/88"},
		WorkflowState:   models.WorkflowDescubierta,
		EnrichmentLevel: 2,
		FirstSeenAt:     seenEarly,
		AttachedFiles: []models.AttachedFile{
			{Filename: "aviso.pdf", URL: "https://boletin.example/aviso.pdf"},
			{Filename: "pliego.pdf", URL: "https://comprar.example/pliego.pdf"},
		},
	}

	got := Merge(dst, src)

	if got.Title != "Obra vial: repavimentación de calzada urbana" {
		t.Errorf("longer title must win, got %q", got.Title)
	}
	if got.OpeningDate == nil || !got.OpeningDate.Equal(open) {
		t.Error("null opening must be filled from the other side")
	}
	if got.Budget == nil || !got.Budget.Equal(budget) {
		t.Error("null budget must be filled")
	}
	if got.CanonicalURL != "https://comprar.example/proceso/88" || got.URLQuality != models.URLDirect {
		t.Error("direct URL must displace the partial canonical URL")
	}
	if len(got.SourceURLs) != 2 {
		t.Errorf("source_urls must union by fuente, got %v", got.SourceURLs)
	}
	if len(got.AttachedFiles) != 2 {
		t.Errorf("attached files must union by URL, got %d", len(got.AttachedFiles))
	}
	if got.EnrichmentLevel != 2 {
		t.Error("enrichment level must be the max of both sides")
	}
	if !got.FirstSeenAt.Equal(seenEarly) {
		t.Error("first_seen_at must keep the earliest timestamp")
	}
	if !got.IsMerged || len(got.MergedFrom) != 1 || got.MergedFrom[0] != "other" {
		t.Errorf("merged_from must record the absorbed id, got %v", got.MergedFrom)
	}
	if got.WorkflowState != models.WorkflowEvaluando {
		t.Error("workflow state of the surviving record must be retained")
	}

	// Merging the same source twice must not duplicate merged_from entries.
	Merge(got, src)
	if len(got.MergedFrom) != 1 {
		t.Errorf("merged_from must stay unique, got %v", got.MergedFrom)
	}
}

func TestMergeOpeningExtensionBecomesProrroga(t *testing.T) {
	original := date(2025, 7, 1)
	extended := date(2025, 9, 15)
	further := date(2025, 10, 1)

	dst := &models.Licitacion{ID: "keep", Title: "Obra vial", OpeningDate: &original}
	src := &models.Licitacion{ID: "other", Title: "Obra vial", OpeningDate: &extended}

	got := Merge(dst, src)

	if got.OpeningDate == nil || !got.OpeningDate.Equal(original) {
		t.Errorf("original opening date must be kept, got %v", got.OpeningDate)
	}
	if got.FechaProrroga == nil || !got.FechaProrroga.Equal(extended) {
		t.Fatalf("later opening must be recorded as fecha_prorroga, got %v", got.FechaProrroga)
	}

	// A second, even later extension replaces the prórroga; an earlier one
	// does not roll it back.
	Merge(got, &models.Licitacion{OpeningDate: &further})
	if got.FechaProrroga == nil || !got.FechaProrroga.Equal(further) {
		t.Errorf("latest extension must win, got %v", got.FechaProrroga)
	}
	Merge(got, &models.Licitacion{OpeningDate: &extended})
	if !got.FechaProrroga.Equal(further) {
		t.Errorf("earlier opening must not roll the prórroga back, got %v", got.FechaProrroga)
	}

	// Same opening on both sides is not an extension.
	plain := Merge(
		&models.Licitacion{Title: "x", OpeningDate: &original},
		&models.Licitacion{Title: "x", OpeningDate: &original},
	)
	if plain.FechaProrroga != nil {
		t.Errorf("unchanged opening must not create a prórroga, got %v", plain.FechaProrroga)
	}
}
