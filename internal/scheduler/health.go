package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/matiasb/licitar/internal/db"
	"github.com/matiasb/licitar/internal/models"
)

// Health score weights. The four components sum to 100.
const (
	weightSuccessRate = 40.0
	weightFreshness   = 30.0
	weightYield       = 20.0
	weightStability   = 10.0
)

// healthRunWindow is how many executed runs the score looks back over.
const healthRunWindow = 20

// ComputeHealth scores one source from its recent run stats. Pure function;
// the scheduler feeds it stats from the store.
//
// Success rate counts fully successful runs. Freshness decays linearly and
// hits zero at twice the source's scheduling interval without a success.
// Yield compares the latest run's output against the trailing median, with a
// repeated-empty-run streak forcing it to zero. Stability is the inverse of
// the duration variance.
func ComputeHealth(cfg models.ScraperConfig, stats *db.RunStats, state *db.ScraperState, now time.Time) models.HealthReport {
	report := models.HealthReport{
		ScraperName: cfg.Name,
		Paused:      state != nil && !state.Active,
	}
	if state != nil {
		report.PausedReason = state.PausedReason
	}
	if stats == nil || stats.Total == 0 {
		// Never ran: neutral score, not zero, so fresh sources do not
		// immediately alarm.
		report.Score = 50
		return report
	}

	report.LastSuccess = stats.LastSuccess
	report.SuccessRate = float64(stats.Succeeded) / float64(stats.Total)

	intervalHours := 24.0
	if cfg.MinIntervalHours > 0 {
		intervalHours = float64(cfg.MinIntervalHours)
	}
	if stats.LastSuccess != nil {
		age := now.Sub(*stats.LastSuccess).Hours()
		report.Freshness = 1 - age/(2*intervalHours)
		if report.Freshness < 0 {
			report.Freshness = 0
		}
		if report.Freshness > 1 {
			report.Freshness = 1
		}
	}

	switch {
	case state != nil && state.ConsecutiveEmptyRuns >= emptyRunsBeforeBackoff:
		report.Yield = 0
	case stats.MedianYield <= 0:
		// No history to compare against: any output at all counts as
		// nominal, nothing stays zero.
		if stats.LatestYield > 0 {
			report.Yield = 1
		}
	default:
		report.Yield = float64(stats.LatestYield) / stats.MedianYield
		if report.Yield > 1 {
			report.Yield = 1
		}
	}

	// Runs whose duration barely varies score high; stdev equal to the mean
	// scores zero.
	report.Stability = 1
	if stats.DurationMean > 0 {
		report.Stability = 1 - stats.DurationStdev/stats.DurationMean
		if report.Stability < 0 {
			report.Stability = 0
		}
	}

	report.Score = report.SuccessRate*weightSuccessRate +
		report.Freshness*weightFreshness +
		report.Yield*weightYield +
		report.Stability*weightStability
	return report
}

// HealthReports scores every configured source.
func (s *Scheduler) HealthReports(ctx context.Context) ([]models.HealthReport, error) {
	states, err := s.store.ListScraperStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing scraper states: %w", err)
	}

	now := s.clock()
	reports := make([]models.HealthReport, 0, len(s.configs))
	for _, cfg := range s.configs {
		stats, err := s.store.RecentRunStats(ctx, cfg.Name, healthRunWindow)
		if err != nil {
			return nil, fmt.Errorf("stats for %s: %w", cfg.Name, err)
		}
		var state *db.ScraperState
		if st, ok := states[cfg.Name]; ok {
			state = &st
		}
		reports = append(reports, ComputeHealth(cfg, stats, state, now))
	}
	return reports, nil
}
