package scheduler

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matiasb/licitar/internal/config"
	"github.com/matiasb/licitar/internal/db"
	"github.com/matiasb/licitar/internal/ingest"
	"github.com/matiasb/licitar/internal/models"
	"github.com/matiasb/licitar/internal/notify"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"
)

// Runner executes one scraper end to end and always returns a run record.
// *ingest.Pipeline is the production implementation.
type Runner interface {
	Run(ctx context.Context, cfg models.ScraperConfig) *models.ScraperRun
}

// Store is the slice of the persistence layer the scheduler needs.
type Store interface {
	InsertRun(ctx context.Context, run *models.ScraperRun) error
	UpdateRun(ctx context.Context, run *models.ScraperRun) error
	RecordRunOutcome(ctx context.Context, run *models.ScraperRun) (*db.ScraperState, error)
	GetScraperState(ctx context.Context, name string) (*db.ScraperState, error)
	ListScraperStates(ctx context.Context) (map[string]db.ScraperState, error)
	PauseScraper(ctx context.Context, name, reason string) error
	ReactivateScraper(ctx context.Context, name string) error
	RecentRunStats(ctx context.Context, scraperName string, n int) (*db.RunStats, error)
	RepairOrphanRuns(ctx context.Context) (int, error)
}

// Per-category concurrency caps. The global semaphore caps the sum.
var categorySlots = map[ingest.Category]int{
	ingest.CategoryLight:  6,
	ingest.CategoryMedium: 4,
	ingest.CategoryHeavy:  2,
}

// autoPauseThreshold consecutive failures pause a source until an operator
// reactivates it.
const autoPauseThreshold = 3

// emptyRunsBeforeBackoff consecutive empty runs start doubling the interval
// of adaptive-schedule sources.
const emptyRunsBeforeBackoff = 3

type Scheduler struct {
	configs  []models.ScraperConfig
	registry *ingest.Registry
	runner   Runner
	store    Store
	notifier notify.Notifier
	loc      *time.Location

	quietStart string
	quietEnd   string

	cron     *cron.Cron
	global   *semaphore.Weighted
	catSlots map[ingest.Category]chan struct{}

	mu        sync.Mutex
	running   map[string]context.CancelFunc
	suspended bool

	clock func() time.Time

	// EnrichJob, when set, runs every 6 hours to upgrade under-enriched
	// records. Wired by cmd/server.
	EnrichJob func(ctx context.Context)
}

func New(cfg config.Config, configs []models.ScraperConfig, registry *ingest.Registry, runner Runner, store Store, notifier notify.Notifier) *Scheduler {
	loc := cfg.Location()
	catSlots := make(map[ingest.Category]chan struct{}, len(categorySlots))
	for cat, n := range categorySlots {
		catSlots[cat] = make(chan struct{}, n)
	}
	return &Scheduler{
		configs:    configs,
		registry:   registry,
		runner:     runner,
		store:      store,
		notifier:   notifier,
		loc:        loc,
		quietStart: cfg.QuietWindowStart,
		quietEnd:   cfg.QuietWindowEnd,
		cron:       cron.New(cron.WithLocation(loc)),
		global:     semaphore.NewWeighted(int64(cfg.MaxConcurrentScrapers)),
		catSlots:   catSlots,
		running:    map[string]context.CancelFunc{},
		clock:      time.Now,
	}
}

// Start registers every active scraper's cron entry and begins scheduling.
// Runs orphaned by a previous process are repaired first.
func (s *Scheduler) Start(ctx context.Context) error {
	if repaired, err := s.store.RepairOrphanRuns(ctx); err != nil {
		return fmt.Errorf("repairing orphan runs: %w", err)
	} else if repaired > 0 {
		log.Printf("[scheduler] repaired %d orphaned runs from a previous process", repaired)
	}

	for _, cfg := range s.configs {
		if !cfg.Active || cfg.Schedule == "" {
			continue
		}
		cfg := cfg
		if _, err := s.cron.AddFunc(cfg.Schedule, func() {
			s.launch(ctx, cfg, false)
		}); err != nil {
			return fmt.Errorf("scheduling %s (%q): %w", cfg.Name, cfg.Schedule, err)
		}
		log.Printf("[scheduler] %s scheduled (%s)", cfg.Name, cfg.Schedule)
	}

	if _, err := s.cron.AddFunc("@every 30m", func() { s.healthSweep(ctx) }); err != nil {
		return fmt.Errorf("scheduling health sweep: %w", err)
	}
	if s.EnrichJob != nil {
		if _, err := s.cron.AddFunc("@every 6h", func() { s.EnrichJob(ctx) }); err != nil {
			return fmt.Errorf("scheduling enrichment: %w", err)
		}
	}

	s.cron.Start()
	return nil
}

// healthSweep logs the sources whose score dropped below 50 so operators see
// degradation before the auto-pause fires.
func (s *Scheduler) healthSweep(ctx context.Context) {
	reports, err := s.HealthReports(ctx)
	if err != nil {
		log.Printf("[scheduler] health sweep: %v", err)
		return
	}
	for _, r := range reports {
		if r.Paused || r.Score >= 50 {
			continue
		}
		log.Printf("[scheduler] %s health %.0f (success %.0f%%, freshness %.2f, yield %.2f)",
			r.ScraperName, r.Score, r.SuccessRate*100, r.Freshness, r.Yield)
	}
}

// Suspend stops firing scheduled entries. In-flight runs keep going; manual
// triggers still work.
func (s *Scheduler) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspended {
		return
	}
	s.cron.Stop()
	s.suspended = true
	log.Printf("[scheduler] suspended")
}

// Resume restarts scheduled firing after a Suspend.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.suspended {
		return
	}
	s.cron.Start()
	s.suspended = false
	log.Printf("[scheduler] resumed")
}

func (s *Scheduler) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// Running lists the scrapers with a run in flight.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.running))
	for name := range s.running {
		names = append(names, name)
	}
	return names
}

// Stop halts scheduling and cancels in-flight runs.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()

	s.mu.Lock()
	for name, cancel := range s.running {
		log.Printf("[scheduler] cancelling in-flight run of %s", name)
		cancel()
	}
	s.mu.Unlock()
}

// Trigger starts a manual run. Manual runs bypass the quiet window, the
// adaptive backoff and the paused flag; overlap protection still applies.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	for _, cfg := range s.configs {
		if cfg.Name == name {
			go s.launch(ctx, cfg, true)
			return nil
		}
	}
	return fmt.Errorf("unknown scraper %q", name)
}

// Cancel aborts a running scraper, if any.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.running[name]; ok {
		cancel()
		return true
	}
	return false
}

func (s *Scheduler) Configs() []models.ScraperConfig { return s.configs }

func (s *Scheduler) launch(ctx context.Context, cfg models.ScraperConfig, manual bool) {
	adapter, err := s.registry.Resolve(cfg)
	if err != nil {
		log.Printf("[scheduler] %s: %v", cfg.Name, err)
		return
	}

	if !manual {
		if skip, reason := s.shouldSkip(ctx, cfg); skip {
			if reason != "" {
				s.recordSkip(ctx, cfg, reason)
			}
			return
		}
	}

	// Overlap protection: one instance per scraper. A second firing while
	// the first still runs is coalesced into a skipped record.
	hardCap := adapter.Category().Timeout() * 3 / 2
	runCtx, cancel := context.WithTimeout(ctx, hardCap)

	s.mu.Lock()
	if _, alreadyRunning := s.running[cfg.Name]; alreadyRunning {
		s.mu.Unlock()
		cancel()
		s.recordSkip(ctx, cfg, "previous run still in progress")
		return
	}
	s.running[cfg.Name] = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, cfg.Name)
		s.mu.Unlock()
		cancel()
	}()

	if err := s.global.Acquire(runCtx, 1); err != nil {
		s.recordSkip(ctx, cfg, "timed out waiting for a global slot")
		return
	}
	defer s.global.Release(1)

	slots := s.catSlots[adapter.Category()]
	select {
	case slots <- struct{}{}:
		defer func() { <-slots }()
	case <-runCtx.Done():
		s.recordSkip(ctx, cfg, "timed out waiting for a "+string(adapter.Category())+" slot")
		return
	}

	// A "running" row goes in before the run starts, so a crashed process
	// leaves evidence for the boot-time orphan repair.
	runID := uuid.NewString()
	provisional := &models.ScraperRun{
		ID:          runID,
		ScraperName: cfg.Name,
		StartedAt:   s.clock().UTC(),
		Status:      models.RunRunning,
	}
	insertCtx, insertCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	if err := s.store.InsertRun(insertCtx, provisional); err != nil {
		log.Printf("[scheduler] recording start of %s: %v", cfg.Name, err)
	}
	insertCancel()

	run := s.runner.Run(runCtx, cfg)
	run.ID = runID
	s.persistOutcome(ctx, cfg, run)
}

// persistOutcome stores the run, folds it into the scraper state and applies
// the auto-pause policy.
func (s *Scheduler) persistOutcome(ctx context.Context, cfg models.ScraperConfig, run *models.ScraperRun) {
	// The run context may be dead; persistence gets its own deadline.
	dbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := s.store.UpdateRun(dbCtx, run); err != nil {
		log.Printf("[scheduler] persisting run of %s: %v", cfg.Name, err)
	}
	state, err := s.store.RecordRunOutcome(dbCtx, run)
	if err != nil {
		log.Printf("[scheduler] recording outcome of %s: %v", cfg.Name, err)
		return
	}

	if run.Status == models.RunFailed {
		s.notifier.Notify(dbCtx, notify.Event{
			Type:    notify.EventRunFailed,
			Scraper: cfg.Name,
			Message: strings.Join(run.Errors, "; "),
			At:      s.clock(),
		})
	}

	if state.Active && state.ConsecutiveFailures >= autoPauseThreshold {
		reason := fmt.Sprintf("auto-paused after %d consecutive failures", state.ConsecutiveFailures)
		if err := s.store.PauseScraper(dbCtx, cfg.Name, reason); err != nil {
			log.Printf("[scheduler] pausing %s: %v", cfg.Name, err)
			return
		}
		log.Printf("[scheduler] %s %s", cfg.Name, reason)
		s.notifier.Notify(dbCtx, notify.Event{
			Type:    notify.EventScraperPaused,
			Scraper: cfg.Name,
			Message: reason,
			At:      s.clock(),
		})
	}
}

// Reactivate clears the paused flag and the failure streak.
func (s *Scheduler) Reactivate(ctx context.Context, name string) error {
	if err := s.store.ReactivateScraper(ctx, name); err != nil {
		return err
	}
	s.notifier.Notify(ctx, notify.Event{
		Type:    notify.EventScraperHealthy,
		Scraper: name,
		Message: "reactivated by operator",
		At:      s.clock(),
	})
	return nil
}

// shouldSkip applies the scheduled-run gates. Every skip leaves a skipped
// run record with its reason, paused sources included.
func (s *Scheduler) shouldSkip(ctx context.Context, cfg models.ScraperConfig) (bool, string) {
	state, err := s.store.GetScraperState(ctx, cfg.Name)
	if err != nil {
		log.Printf("[scheduler] state of %s: %v", cfg.Name, err)
		return false, ""
	}
	if !state.Active {
		reason := "source paused"
		if state.PausedReason != "" {
			reason += ": " + state.PausedReason
		}
		return true, reason
	}

	now := s.clock().In(s.loc)
	if inQuietWindow(now, s.quietStart, s.quietEnd) {
		return true, "inside quiet window"
	}

	if gap := adaptiveGap(cfg, state); gap > 0 && state.LastRun != nil {
		if since := now.Sub(*state.LastRun); since < gap {
			return true, fmt.Sprintf("adaptive backoff: %d empty runs, next attempt after %s",
				state.ConsecutiveEmptyRuns, gap-since)
		}
	}

	if cfg.MinIntervalHours > 0 && state.LastRun != nil {
		if now.Sub(*state.LastRun) < time.Duration(cfg.MinIntervalHours)*time.Hour {
			return true, "minimum interval not elapsed"
		}
	}

	return false, ""
}

func (s *Scheduler) recordSkip(ctx context.Context, cfg models.ScraperConfig, reason string) {
	now := s.clock().UTC()
	zero := 0.0
	run := &models.ScraperRun{
		ID:              uuid.NewString(),
		ScraperName:     cfg.Name,
		StartedAt:       now,
		EndedAt:         &now,
		Status:          models.RunSkipped,
		DurationSeconds: &zero,
		Logs:            []string{reason},
	}
	dbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.store.InsertRun(dbCtx, run); err != nil {
		log.Printf("[scheduler] recording skip of %s: %v", cfg.Name, err)
	}
}

// adaptiveGap is the minimum spacing an adaptive source must respect after a
// streak of empty runs: the base interval doubled per extra streak step,
// capped at 48h.
func adaptiveGap(cfg models.ScraperConfig, state *db.ScraperState) time.Duration {
	if !cfg.AdaptiveSchedule || state.ConsecutiveEmptyRuns < emptyRunsBeforeBackoff {
		return 0
	}
	base := 4 * time.Hour
	if cfg.MinIntervalHours > 0 {
		base = time.Duration(cfg.MinIntervalHours) * time.Hour
	}
	doublings := state.ConsecutiveEmptyRuns - emptyRunsBeforeBackoff + 1
	if doublings > 4 {
		doublings = 4
	}
	gap := base * time.Duration(1<<uint(doublings))
	if gap > 48*time.Hour {
		gap = 48 * time.Hour
	}
	return gap
}

// inQuietWindow reports whether t falls inside [start, end), with windows
// crossing midnight handled ("22:00".."06:00").
func inQuietWindow(t time.Time, start, end string) bool {
	startMin, okS := parseClock(start)
	endMin, okE := parseClock(end)
	if !okS || !okE || startMin == endMin {
		return false
	}
	nowMin := t.Hour()*60 + t.Minute()
	if startMin < endMin {
		return nowMin >= startMin && nowMin < endMin
	}
	return nowMin >= startMin || nowMin < endMin
}

func parseClock(s string) (int, bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
