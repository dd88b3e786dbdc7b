package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/matiasb/licitar/internal/models"
)

func (s *Store) InsertRun(ctx context.Context, run *models.ScraperRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scraper_runs (
			id, scraper_name, started_at, ended_at, status,
			items_found, items_saved, items_updated, items_duplicated,
			duration_seconds, errors, warnings, logs
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		run.ID, run.ScraperName, run.StartedAt, run.EndedAt, run.Status,
		run.ItemsFound, run.ItemsSaved, run.ItemsUpdated, run.ItemsDuplicated,
		run.DurationSeconds, jsonArray(run.Errors), jsonArray(run.Warnings), jsonArray(run.Logs),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRun rewrites a run row with its terminal outcome. The row is inserted
// as "running" when the run launches; this closes it.
func (s *Store) UpdateRun(ctx context.Context, run *models.ScraperRun) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scraper_runs SET
			started_at = $2, ended_at = $3, status = $4,
			items_found = $5, items_saved = $6, items_updated = $7,
			items_duplicated = $8, duration_seconds = $9,
			errors = $10, warnings = $11, logs = $12
		WHERE id = $1`,
		run.ID, run.StartedAt, run.EndedAt, run.Status,
		run.ItemsFound, run.ItemsSaved, run.ItemsUpdated,
		run.ItemsDuplicated, run.DurationSeconds,
		jsonArray(run.Errors), jsonArray(run.Warnings), jsonArray(run.Logs),
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// No running row, typically because the insert at launch failed.
		return s.InsertRun(ctx, run)
	}
	return nil
}

func jsonArray(items []string) []byte {
	if items == nil {
		items = []string{}
	}
	data, _ := json.Marshal(items)
	return data
}

func (s *Store) ListRuns(ctx context.Context, scraperName string, limit int) ([]models.ScraperRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	sql := `SELECT id, scraper_name, started_at, ended_at, status,
		items_found, items_saved, items_updated, items_duplicated,
		duration_seconds, errors, warnings, logs
		FROM scraper_runs`
	args := []interface{}{}
	if scraperName != "" {
		sql += " WHERE scraper_name = $1"
		args = append(args, scraperName)
	}
	sql += fmt.Sprintf(" ORDER BY started_at DESC LIMIT %d", limit)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.ScraperRun
	for rows.Next() {
		var r models.ScraperRun
		var errorsRaw, warningsRaw, logsRaw []byte
		if err := rows.Scan(
			&r.ID, &r.ScraperName, &r.StartedAt, &r.EndedAt, &r.Status,
			&r.ItemsFound, &r.ItemsSaved, &r.ItemsUpdated, &r.ItemsDuplicated,
			&r.DurationSeconds, &errorsRaw, &warningsRaw, &logsRaw,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		_ = json.Unmarshal(errorsRaw, &r.Errors)
		_ = json.Unmarshal(warningsRaw, &r.Warnings)
		_ = json.Unmarshal(logsRaw, &r.Logs)
		runs = append(runs, r)
	}
	if runs == nil {
		runs = []models.ScraperRun{}
	}
	return runs, rows.Err()
}

// GetRun loads one run with its persisted log lines. Nil when the id is
// unknown.
func (s *Store) GetRun(ctx context.Context, id string) (*models.ScraperRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, scraper_name, started_at, ended_at, status,
		items_found, items_saved, items_updated, items_duplicated,
		duration_seconds, errors, warnings, logs
		FROM scraper_runs WHERE id = $1`, id)

	var r models.ScraperRun
	var errorsRaw, warningsRaw, logsRaw []byte
	err := row.Scan(
		&r.ID, &r.ScraperName, &r.StartedAt, &r.EndedAt, &r.Status,
		&r.ItemsFound, &r.ItemsSaved, &r.ItemsUpdated, &r.ItemsDuplicated,
		&r.DurationSeconds, &errorsRaw, &warningsRaw, &logsRaw,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	_ = json.Unmarshal(errorsRaw, &r.Errors)
	_ = json.Unmarshal(warningsRaw, &r.Warnings)
	_ = json.Unmarshal(logsRaw, &r.Logs)
	return &r, nil
}

// RepairOrphanRuns marks runs still "running" from a previous process as
// failed. Called once at boot, before the scheduler starts.
func (s *Store) RepairOrphanRuns(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scraper_runs
		SET status = $1, ended_at = NOW(),
			errors = errors || '["process restarted mid-run"]'::jsonb
		WHERE status = $2`,
		models.RunFailed, models.RunRunning)
	if err != nil {
		return 0, fmt.Errorf("repair orphan runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ScraperState is the mutable per-source bookkeeping that lives in the DB,
// next to the static config that lives in YAML.
type ScraperState struct {
	Name                 string     `json:"name"`
	Active               bool       `json:"active"`
	PausedReason         string     `json:"paused_reason,omitempty"`
	LastRun              *time.Time `json:"last_run,omitempty"`
	LastSuccess          *time.Time `json:"last_success,omitempty"`
	RunsCount            int        `json:"runs_count"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	ConsecutiveEmptyRuns int        `json:"consecutive_empty_runs"`
}

func (s *Store) GetScraperState(ctx context.Context, name string) (*ScraperState, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT name, active, paused_reason, last_run, last_success,
			runs_count, consecutive_failures, consecutive_empty_runs
		FROM scraper_state WHERE name = $1`, name)

	var st ScraperState
	err := row.Scan(&st.Name, &st.Active, &st.PausedReason, &st.LastRun, &st.LastSuccess,
		&st.RunsCount, &st.ConsecutiveFailures, &st.ConsecutiveEmptyRuns)
	if err == pgx.ErrNoRows {
		return &ScraperState{Name: name, Active: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scraper state: %w", err)
	}
	return &st, nil
}

func (s *Store) ListScraperStates(ctx context.Context) (map[string]ScraperState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, active, paused_reason, last_run, last_success,
			runs_count, consecutive_failures, consecutive_empty_runs
		FROM scraper_state`)
	if err != nil {
		return nil, fmt.Errorf("list scraper states: %w", err)
	}
	defer rows.Close()

	out := map[string]ScraperState{}
	for rows.Next() {
		var st ScraperState
		if err := rows.Scan(&st.Name, &st.Active, &st.PausedReason, &st.LastRun, &st.LastSuccess,
			&st.RunsCount, &st.ConsecutiveFailures, &st.ConsecutiveEmptyRuns); err != nil {
			return nil, err
		}
		out[st.Name] = st
	}
	return out, rows.Err()
}

// RecordRunOutcome folds one finished run into the scraper's state row.
// A success resets the failure streak; an empty success extends the empty
// streak the adaptive scheduler watches.
func (s *Store) RecordRunOutcome(ctx context.Context, run *models.ScraperRun) (*ScraperState, error) {
	success := run.Status == models.RunSuccess || run.Status == models.RunPartial
	empty := run.ItemsSaved == 0 && run.ItemsUpdated == 0

	row := s.pool.QueryRow(ctx, `
		INSERT INTO scraper_state (name, last_run, last_success, runs_count,
			consecutive_failures, consecutive_empty_runs, updated_at)
		VALUES ($1, $2, CASE WHEN $3 THEN $2 ELSE NULL END, 1,
			CASE WHEN $3 THEN 0 ELSE 1 END,
			CASE WHEN $3 AND $4 THEN 1 ELSE 0 END, NOW())
		ON CONFLICT (name) DO UPDATE SET
			last_run = EXCLUDED.last_run,
			last_success = CASE WHEN $3 THEN EXCLUDED.last_run ELSE scraper_state.last_success END,
			runs_count = scraper_state.runs_count + 1,
			consecutive_failures = CASE WHEN $3 THEN 0 ELSE scraper_state.consecutive_failures + 1 END,
			consecutive_empty_runs = CASE
				WHEN NOT $3 THEN scraper_state.consecutive_empty_runs
				WHEN $4 THEN scraper_state.consecutive_empty_runs + 1
				ELSE 0 END,
			updated_at = NOW()
		RETURNING name, active, paused_reason, last_run, last_success,
			runs_count, consecutive_failures, consecutive_empty_runs`,
		run.ScraperName, run.StartedAt, success, empty)

	var st ScraperState
	if err := row.Scan(&st.Name, &st.Active, &st.PausedReason, &st.LastRun, &st.LastSuccess,
		&st.RunsCount, &st.ConsecutiveFailures, &st.ConsecutiveEmptyRuns); err != nil {
		return nil, fmt.Errorf("record run outcome: %w", err)
	}
	return &st, nil
}

func (s *Store) PauseScraper(ctx context.Context, name, reason string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scraper_state (name, active, paused_reason, updated_at)
		VALUES ($1, FALSE, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET
			active = FALSE, paused_reason = $2, updated_at = NOW()`,
		name, reason)
	if err != nil {
		return fmt.Errorf("pause scraper: %w", err)
	}
	return nil
}

func (s *Store) ReactivateScraper(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scraper_state (name, active, paused_reason, consecutive_failures, updated_at)
		VALUES ($1, TRUE, '', 0, NOW())
		ON CONFLICT (name) DO UPDATE SET
			active = TRUE, paused_reason = '', consecutive_failures = 0, updated_at = NOW()`,
		name)
	if err != nil {
		return fmt.Errorf("reactivate scraper: %w", err)
	}
	return nil
}

// RunStats aggregates the recent run history used by the health score.
// Succeeded counts fully successful runs only; partial runs count toward
// yield but not toward the success rate.
type RunStats struct {
	Total         int
	Succeeded     int
	LastSuccess   *time.Time
	DurationStdev float64
	DurationMean  float64
	// LatestYield is items saved+updated by the most recent run; MedianYield
	// the median over the whole slice.
	LatestYield int
	MedianYield float64
}

// RecentRunStats aggregates the last n executed runs of a scraper. Skipped
// runs do not execute anything and are left out.
func (s *Store) RecentRunStats(ctx context.Context, scraperName string, n int) (*RunStats, error) {
	if n <= 0 {
		n = 20
	}
	row := s.pool.QueryRow(ctx, `
		WITH recent AS (
			SELECT status, started_at, duration_seconds,
				items_saved + items_updated AS yield
			FROM scraper_runs
			WHERE scraper_name = $1 AND status <> $2
			ORDER BY started_at DESC
			LIMIT $3
		)
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = $4),
			MAX(started_at) FILTER (WHERE status = $4),
			COALESCE(STDDEV_POP(duration_seconds), 0),
			COALESCE(AVG(duration_seconds), 0),
			COALESCE((SELECT yield FROM recent ORDER BY started_at DESC LIMIT 1), 0),
			COALESCE(PERCENTILE_CONT(0.5) WITHIN GROUP (ORDER BY yield), 0)
		FROM recent`,
		scraperName, models.RunSkipped, n, models.RunSuccess)

	var stats RunStats
	if err := row.Scan(&stats.Total, &stats.Succeeded, &stats.LastSuccess,
		&stats.DurationStdev, &stats.DurationMean,
		&stats.LatestYield, &stats.MedianYield); err != nil {
		return nil, fmt.Errorf("run stats: %w", err)
	}
	return &stats, nil
}

// Favorites

func (s *Store) AddFavorite(ctx context.Context, userID, licitacionID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO favorites (user_id, licitacion_id)
		SELECT $1, id FROM licitaciones WHERE id = $2 AND deleted_at IS NULL
		ON CONFLICT DO NOTHING`,
		userID, licitacionID)
	if err != nil {
		return fmt.Errorf("add favorite: %w", err)
	}
	return nil
}

func (s *Store) RemoveFavorite(ctx context.Context, userID, licitacionID string) error {
	_, err := s.pool.Exec(ctx,
		"DELETE FROM favorites WHERE user_id = $1 AND licitacion_id = $2", userID, licitacionID)
	if err != nil {
		return fmt.Errorf("remove favorite: %w", err)
	}
	return nil
}

func (s *Store) IsFavorite(ctx context.Context, userID, licitacionID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM favorites WHERE user_id = $1 AND licitacion_id = $2)",
		userID, licitacionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check favorite: %w", err)
	}
	return exists, nil
}
