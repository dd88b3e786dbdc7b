package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matiasb/licitar/internal/httpx"
	"github.com/matiasb/licitar/internal/models"
)

type fakeAdapter struct {
	name    string
	records []RawRecord
	err     error
}

func (f *fakeAdapter) Name() string       { return f.name }
func (f *fakeAdapter) Category() Category { return CategoryLight }

func (f *fakeAdapter) Run(ctx context.Context, cfg models.ScraperConfig, client *httpx.Client, emit EmitFunc) error {
	for _, r := range f.records {
		if err := emit(r); err != nil {
			return err
		}
	}
	return f.err
}

type memSink struct {
	existing []models.Licitacion
	saved    []models.Licitacion
}

func (m *memSink) Candidates(ctx context.Context, jurisdiccion string) ([]models.Licitacion, error) {
	return m.existing, nil
}

func (m *memSink) UpsertBatch(ctx context.Context, records []models.Licitacion) (int, int, error) {
	inserted, updated := 0, 0
	for _, r := range records {
		found := false
		for _, e := range m.existing {
			if e.ID == r.ID {
				found = true
			}
		}
		if found {
			updated++
		} else {
			inserted++
		}
	}
	m.saved = append(m.saved, records...)
	return inserted, updated, nil
}

func testPipeline(adapter Adapter, sink Sink) *Pipeline {
	r := NewRegistry()
	r.Register(adapter)
	p := NewPipeline(r, httpx.NewClient(httpx.Options{}), sink)
	p.Resolver = NewResolver(fixedClock(date(2025, 6, 1)))
	return p
}

func TestPipelineDeduplicatesWithinBatch(t *testing.T) {
	pub := date(2025, 6, 1)
	adapter := &fakeAdapter{name: "fake", records: []RawRecord{
		{
			Title:           "Pavimentación Ruta Provincial 40 Km 12-18",
			Organization:    "Vialidad",
			PublicationDate: &pub,
			SourceURL:       "https://a.example/1",
			URLQuality:      models.URLDirect,
		},
		{
			Title:           "PAVIMENTACION de Ruta Provincial 40, Km 12-18",
			Organization:    "Vialidad",
			PublicationDate: &pub,
			SourceURL:       "https://a.example/1-bis",
			URLQuality:      models.URLDirect,
		},
	}}
	sink := &memSink{}

	run := testPipeline(adapter, sink).Run(context.Background(), models.ScraperConfig{
		Name: "fake", Adapter: "fake", Jurisdiccion: "Mendoza",
	})

	if run.ItemsFound != 2 {
		t.Errorf("expected 2 found, got %d", run.ItemsFound)
	}
	if run.ItemsDuplicated != 1 {
		t.Errorf("expected 1 duplicate, got %d", run.ItemsDuplicated)
	}
	if len(sink.saved) != 1 {
		t.Fatalf("expected 1 persisted record, got %d", len(sink.saved))
	}
	if run.ItemsSaved != 1 {
		t.Errorf("expected 1 saved, got %d", run.ItemsSaved)
	}
	if run.Status != models.RunSuccess {
		t.Errorf("expected success, got %s", run.Status)
	}
	if sink.saved[0].FirstSeenAt.IsZero() {
		t.Error("first_seen_at must be stamped on insert")
	}
}

func TestPipelineMergesIntoExistingCorpus(t *testing.T) {
	pub := date(2025, 6, 1)
	seen := time.Date(2025, 5, 20, 0, 0, 0, 0, time.UTC)
	sink := &memSink{existing: []models.Licitacion{{
		ID:              "existing-1",
		Title:           "Adquisición de ambulancias",
		Organization:    "Ministerio de Salud",
		Fuente:          "boletin",
		PublicationDate: &pub,
		FirstSeenAt:     seen,
		URLQuality:      models.URLPartial,
	}}}
	adapter := &fakeAdapter{name: "fake", records: []RawRecord{{
		Title:           "Adquisición de ambulancias para el Ministerio de Salud",
		Organization:    "Ministerio de Salud",
		PublicationDate: &pub,
		SourceURL:       "https://comprar.example/p/9",
		URLQuality:      models.URLDirect,
	}}}

	run := testPipeline(adapter, sink).Run(context.Background(), models.ScraperConfig{
		Name: "fake", Adapter: "fake", Jurisdiccion: "Mendoza",
	})

	if run.ItemsDuplicated != 1 || run.ItemsUpdated != 1 || run.ItemsSaved != 0 {
		t.Fatalf("expected merge into existing (dup=1 updated=1 saved=0), got dup=%d updated=%d saved=%d",
			run.ItemsDuplicated, run.ItemsUpdated, run.ItemsSaved)
	}
	got := sink.saved[0]
	if got.ID != "existing-1" {
		t.Errorf("merge must keep the existing id, got %s", got.ID)
	}
	if !got.FirstSeenAt.Equal(seen) {
		t.Error("first_seen_at must survive the merge")
	}
	if got.URLQuality != models.URLDirect {
		t.Error("direct URL must upgrade the canonical link")
	}
}

func TestPipelineReingestWithLaterOpeningMarksProrrogada(t *testing.T) {
	pub := date(2025, 6, 20)
	originalOpen := date(2025, 7, 1)
	extendedOpen := date(2025, 9, 15)
	seen := time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC)

	sink := &memSink{existing: []models.Licitacion{{
		ID:              "existing-1",
		Title:           "Adquisición de ambulancias",
		Organization:    "Ministerio de Salud",
		Fuente:          "comprar",
		PublicationDate: &pub,
		OpeningDate:     &originalOpen,
		Estado:          models.EstadoVencida,
		FirstSeenAt:     seen,
	}}}
	adapter := &fakeAdapter{name: "fake", records: []RawRecord{{
		Title:           "Adquisición de ambulancias",
		Organization:    "Ministerio de Salud",
		PublicationDate: &pub,
		OpeningDate:     &extendedOpen,
		SourceURL:       "https://comprar.example/p/9",
	}}}

	p := testPipeline(adapter, sink)
	p.Resolver = NewResolver(fixedClock(date(2025, 8, 1)))

	run := p.Run(context.Background(), models.ScraperConfig{
		Name: "fake", Adapter: "fake", Jurisdiccion: "Mendoza",
	})

	if run.ItemsDuplicated != 1 || len(sink.saved) != 1 {
		t.Fatalf("expected a merge into the existing record, got dup=%d saved=%d",
			run.ItemsDuplicated, len(sink.saved))
	}
	got := sink.saved[0]
	if got.OpeningDate == nil || !got.OpeningDate.Equal(originalOpen) {
		t.Errorf("original opening date must be kept, got %v", got.OpeningDate)
	}
	if got.FechaProrroga == nil || !got.FechaProrroga.Equal(extendedOpen) {
		t.Fatalf("extended opening must land in fecha_prorroga, got %v", got.FechaProrroga)
	}
	if got.Estado != models.EstadoProrrogada {
		t.Errorf("expected prorrogada with the new opening still ahead, got %s", got.Estado)
	}
}

func TestPipelineRunStatuses(t *testing.T) {
	// Adapter failed with nothing persisted: failed.
	sink := &memSink{}
	run := testPipeline(&fakeAdapter{name: "fake", err: errors.New("boom")}, sink).
		Run(context.Background(), models.ScraperConfig{Name: "fake", Adapter: "fake"})
	if run.Status != models.RunFailed {
		t.Errorf("expected failed, got %s", run.Status)
	}

	// Adapter failed mid-run after some items landed: partial.
	pub := date(2025, 6, 1)
	sink = &memSink{}
	run = testPipeline(&fakeAdapter{
		name: "fake",
		records: []RawRecord{{
			Title:           "Obra menor",
			Organization:    "Municipio",
			PublicationDate: &pub,
		}},
		err: errors.New("page 3 unreachable"),
	}, sink).Run(context.Background(), models.ScraperConfig{Name: "fake", Adapter: "fake"})
	if run.Status != models.RunPartial {
		t.Errorf("expected partial, got %s", run.Status)
	}
	if run.EndedAt == nil || run.DurationSeconds == nil {
		t.Error("finished run must carry end time and duration")
	}

	// Skipped records are warnings, not failures.
	sink = &memSink{}
	old := time.Date(2019, 1, 1, 0, 0, 0, 0, ArgentinaTZ)
	run = testPipeline(&fakeAdapter{
		name: "fake",
		records: []RawRecord{
			{Title: "Histórica", PublicationDate: &old},
			{Title: "Vigente", Organization: "Org", PublicationDate: &pub},
		},
	}, sink).Run(context.Background(), models.ScraperConfig{Name: "fake", Adapter: "fake"})
	if run.Status != models.RunPartial {
		t.Errorf("expected partial with skip warnings, got %s", run.Status)
	}
	if len(sink.saved) != 1 {
		t.Errorf("only the in-window record must persist, got %d", len(sink.saved))
	}
}

type flakySink struct {
	memSink
}

func (f *flakySink) UpsertBatch(ctx context.Context, records []models.Licitacion) (int, int, error) {
	// One chunk survived, one did not: the counts are real either way.
	return 1, 0, errors.New("chunk 2 failed after retry")
}

func TestPipelinePartialPersistKeepsCounts(t *testing.T) {
	pub := date(2025, 6, 1)
	adapter := &fakeAdapter{name: "fake", records: []RawRecord{
		{Title: "Obra uno", Organization: "Municipio", PublicationDate: &pub},
		{Title: "Provisión de insumos hospitalarios", Organization: "Salud", PublicationDate: &pub},
	}}

	run := testPipeline(adapter, &flakySink{}).Run(context.Background(), models.ScraperConfig{
		Name: "fake", Adapter: "fake",
	})

	if run.ItemsSaved != 1 {
		t.Errorf("surviving chunk's count must be kept, got saved=%d", run.ItemsSaved)
	}
	if run.Status != models.RunPartial {
		t.Errorf("run that persisted part of the batch must end partial, got %s", run.Status)
	}
	if len(run.Errors) == 0 {
		t.Error("the persist error must still be recorded")
	}
}

func TestPipelineUnknownAdapterFails(t *testing.T) {
	p := NewPipeline(NewRegistry(), httpx.NewClient(httpx.Options{}), &memSink{})
	run := p.Run(context.Background(), models.ScraperConfig{Name: "x", Adapter: "nope"})
	if run.Status != models.RunFailed {
		t.Errorf("expected failed for unknown adapter, got %s", run.Status)
	}
}
