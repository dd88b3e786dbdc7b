package ingest

import (
	"context"
	"time"

	"github.com/matiasb/licitar/internal/httpx"
	"github.com/matiasb/licitar/internal/models"
)

// Category drives the scheduler's per-category concurrency caps and timeouts.
type Category string

const (
	CategoryLight  Category = "light"  // stateless HTML/JSON, up to 6 concurrent
	CategoryMedium Category = "medium" // stateful postbacks (VIEWSTATE, GeneXus)
	CategoryHeavy  Category = "heavy"  // headless browser, up to 2 concurrent
)

// Timeout returns the per-run timeout for the category.
func (c Category) Timeout() time.Duration {
	switch c {
	case CategoryHeavy:
		return 1200 * time.Second
	case CategoryMedium:
		return 600 * time.Second
	default:
		return 300 * time.Second
	}
}

// RawRecord is what an adapter could recover from the source, strings and
// all. Date resolution and estado logic live in the resolver, never here.
type RawRecord struct {
	Title             string
	Organization      string
	Jurisdiccion      string
	Rubro             string
	TipoProcedimiento string
	Description       string

	// Dates the adapter managed to parse on its own; the resolver still
	// validates them against the year window.
	PublicationDate *time.Time
	OpeningDate     *time.Time
	RawPublication  string
	RawOpening      string

	BudgetText       string
	ExpedientNumber  string
	LicitacionNumber string

	SourceURL  string
	URLQuality models.URLQuality

	AttachedFiles []models.AttachedFile
	Extra         map[string]string
}

// EmitFunc receives records as the adapter finds them. Returning an error
// aborts the run (used for cancellation).
type EmitFunc func(RawRecord) error

// Adapter is one portal scraper. Implementations must be idempotent:
// re-running in the same window emits the same identities unless the source
// published new items.
type Adapter interface {
	Name() string
	Category() Category
	Run(ctx context.Context, cfg models.ScraperConfig, client *httpx.Client, emit EmitFunc) error
}
