package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/matiasb/licitar/internal/httpx"
	"github.com/matiasb/licitar/internal/models"
)

// Sink is the persistence surface the pipeline needs. internal/db implements
// it over Postgres.
type Sink interface {
	// Candidates returns the recent corpus slice the deduper matches
	// against: same jurisdiction, not soft-deleted.
	Candidates(ctx context.Context, jurisdiccion string) ([]models.Licitacion, error)
	// UpsertBatch persists records, keyed by id. first_seen_at is only ever
	// written on insert.
	UpsertBatch(ctx context.Context, records []models.Licitacion) (inserted, updated int, err error)
}

// Pipeline runs one scraper end to end: adapter emit, resolution, dedup
// against the corpus and within the batch, then a single batched upsert.
type Pipeline struct {
	Registry *Registry
	Client   *httpx.Client
	Sink     Sink
	Resolver *Resolver
	Deduper  *Deduper
}

func NewPipeline(registry *Registry, client *httpx.Client, sink Sink) *Pipeline {
	return &Pipeline{
		Registry: registry,
		Client:   client,
		Sink:     sink,
		Resolver: NewResolver(nil),
		Deduper:  NewDeduper(),
	}
}

const maxRunLogLines = 200

// Run executes the scraper and returns its run record. The record is always
// populated, also on failure; the caller persists it.
func (p *Pipeline) Run(ctx context.Context, cfg models.ScraperConfig) *models.ScraperRun {
	run := &models.ScraperRun{
		ID:          uuid.NewString(),
		ScraperName: cfg.Name,
		StartedAt:   time.Now().UTC(),
		Status:      models.RunRunning,
	}
	logf := func(format string, args ...interface{}) {
		line := fmt.Sprintf(format, args...)
		log.Printf("[%s] %s", cfg.Name, line)
		if len(run.Logs) < maxRunLogLines {
			run.Logs = append(run.Logs, line)
		}
	}

	adapter, err := p.Registry.Resolve(cfg)
	if err != nil {
		return p.finish(run, err)
	}
	logf("run started (adapter=%s category=%s)", adapter.Name(), adapter.Category())

	candidates, err := p.Sink.Candidates(ctx, cfg.Jurisdiccion)
	if err != nil {
		return p.finish(run, fmt.Errorf("loading dedup candidates: %w", err))
	}

	var batch []models.Licitacion
	// byID indexes into batch so later emits in the same run can merge into
	// earlier ones.
	byID := map[string]int{}
	now := time.Now().UTC()

	emit := func(raw RawRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		run.ItemsFound++

		// Resolver notes (estimated dates, year-only precision) are routine
		// and go to the log; only skips count as run warnings.
		lic, warnings, err := p.Resolver.Resolve(raw, cfg.Name)
		for _, w := range warnings {
			logf("%q: %s", head(raw.Title, 60), w)
		}
		if err != nil {
			var skip *SkipError
			if errors.As(err, &skip) {
				run.Warnings = append(run.Warnings, fmt.Sprintf("skipped %q: %s", head(raw.Title, 60), skip.Reason))
				return nil
			}
			return err
		}

		// Dedup: first against this batch, then against the stored corpus.
		if match, ok := p.Deduper.FindMatch(lic, batch); ok {
			idx := byID[match.ID]
			Merge(&batch[idx], lic)
			p.refresh(&batch[idx], now)
			run.ItemsDuplicated++
			return nil
		}
		if match, ok := p.Deduper.FindMatch(lic, candidates); ok {
			merged := *match
			Merge(&merged, lic)
			p.refresh(&merged, now)
			batch = append(batch, merged)
			byID[merged.ID] = len(batch) - 1
			run.ItemsDuplicated++
			return nil
		}

		lic.ID = uuid.NewString()
		lic.FirstSeenAt = now
		batch = append(batch, *lic)
		byID[lic.ID] = len(batch) - 1
		return nil
	}

	adapterErr := adapter.Run(ctx, cfg, p.Client, emit)
	if adapterErr != nil {
		run.Errors = append(run.Errors, adapterErr.Error())
		if kind := httpx.KindOf(adapterErr); kind != "" {
			logf("adapter stopped: %s", kind)
		}
	}

	if len(batch) > 0 {
		// UpsertBatch reports what the surviving chunks persisted even when a
		// chunk failed, so the counts are kept either way: a run that saved
		// 450 of 500 records ends partial, not failed.
		inserted, updated, err := p.Sink.UpsertBatch(ctx, batch)
		run.ItemsSaved = inserted
		run.ItemsUpdated = updated
		if err != nil {
			run.Errors = append(run.Errors, fmt.Sprintf("persisting batch: %v", err))
		}
	}

	logf("run finished: found=%d saved=%d updated=%d duplicated=%d skipped=%d",
		run.ItemsFound, run.ItemsSaved, run.ItemsUpdated, run.ItemsDuplicated, len(run.Warnings))
	return p.finish(run, nil)
}

// refresh recomputes the derived fields after a merge changed the inputs.
func (p *Pipeline) refresh(lic *models.Licitacion, now time.Time) {
	lic.ContentHash = ContentHash(lic.Title, lic.Fuente, lic.PublicationDate)
	lic.Estado = ComputeEstado(lic.PublicationDate, lic.OpeningDate, lic.FechaProrroga, p.Resolver.Clock())
	lic.FechaScraping = now
}

// finish stamps the run with its terminal status. A run that persisted
// anything despite errors ends partial, not failed.
func (p *Pipeline) finish(run *models.ScraperRun, fatal error) *models.ScraperRun {
	if fatal != nil {
		run.Errors = append(run.Errors, fatal.Error())
	}

	ended := time.Now().UTC()
	run.EndedAt = &ended
	secs := ended.Sub(run.StartedAt).Seconds()
	run.DurationSeconds = &secs

	switch {
	case len(run.Errors) > 0 && run.ItemsSaved == 0 && run.ItemsUpdated == 0:
		run.Status = models.RunFailed
	case len(run.Errors) > 0 || len(run.Warnings) > 0:
		run.Status = models.RunPartial
	default:
		run.Status = models.RunSuccess
	}
	return run
}
