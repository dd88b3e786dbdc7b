package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matiasb/licitar/internal/config"
	"github.com/matiasb/licitar/internal/db"
	"github.com/matiasb/licitar/internal/httpx"
	"github.com/matiasb/licitar/internal/ingest"
	"github.com/matiasb/licitar/internal/models"
	"github.com/matiasb/licitar/internal/notify"
)

type fakeStore struct {
	mu      sync.Mutex
	runs    []models.ScraperRun
	states  map[string]db.ScraperState
	paused  map[string]string
	stats   map[string]*db.RunStats
	outcome *db.ScraperState
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		states: map[string]db.ScraperState{},
		paused: map[string]string{},
		stats:  map[string]*db.RunStats{},
	}
}

func (f *fakeStore) InsertRun(_ context.Context, run *models.ScraperRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, *run)
	return nil
}

func (f *fakeStore) UpdateRun(_ context.Context, run *models.ScraperRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.runs {
		if f.runs[i].ID == run.ID {
			f.runs[i] = *run
			return nil
		}
	}
	f.runs = append(f.runs, *run)
	return nil
}

func (f *fakeStore) RecordRunOutcome(_ context.Context, run *models.ScraperRun) (*db.ScraperState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outcome != nil {
		return f.outcome, nil
	}
	st := f.states[run.ScraperName]
	st.Name = run.ScraperName
	st.Active = true
	return &st, nil
}

func (f *fakeStore) GetScraperState(_ context.Context, name string) (*db.ScraperState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.states[name]; ok {
		return &st, nil
	}
	return &db.ScraperState{Name: name, Active: true}, nil
}

func (f *fakeStore) ListScraperStates(_ context.Context) (map[string]db.ScraperState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]db.ScraperState{}
	for k, v := range f.states {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) PauseScraper(_ context.Context, name, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused[name] = reason
	return nil
}

func (f *fakeStore) ReactivateScraper(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.paused, name)
	return nil
}

func (f *fakeStore) RecentRunStats(_ context.Context, name string, _ int) (*db.RunStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.stats[name]; ok {
		return st, nil
	}
	return &db.RunStats{}, nil
}

func (f *fakeStore) RepairOrphanRuns(context.Context) (int, error) { return 0, nil }

func (f *fakeStore) skippedRuns() []models.ScraperRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ScraperRun
	for _, r := range f.runs {
		if r.Status == models.RunSkipped {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeStore) runsSnapshot() []models.ScraperRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ScraperRun(nil), f.runs...)
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   int
	status  string
	block   chan struct{}
	release chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, cfg models.ScraperConfig) *models.ScraperRun {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block != nil {
		f.block <- struct{}{}
		<-f.release
	}
	status := f.status
	if status == "" {
		status = models.RunSuccess
	}
	ended := time.Now()
	return &models.ScraperRun{ScraperName: cfg.Name, Status: status, EndedAt: &ended}
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testScheduler(store *fakeStore, runner Runner, configs ...models.ScraperConfig) *Scheduler {
	registry := ingest.NewRegistry()
	registry.Register(&stubAdapter{})
	cfg := config.Config{MaxConcurrentScrapers: 6, Timezone: "UTC"}
	return New(cfg, configs, registry, runner, store, notify.LogNotifier{})
}

type stubAdapter struct{}

func (stubAdapter) Name() string             { return "stub" }
func (stubAdapter) Category() ingest.Category { return ingest.CategoryLight }
func (stubAdapter) Run(context.Context, models.ScraperConfig, *httpx.Client, ingest.EmitFunc) error {
	return nil
}

func TestOverlapCoalescesToSkip(t *testing.T) {
	store := newFakeStore()
	runner := &fakeRunner{block: make(chan struct{}), release: make(chan struct{})}
	cfg := models.ScraperConfig{Name: "s1", Adapter: "stub", Active: true}
	s := testScheduler(store, runner, cfg)

	go s.launch(context.Background(), cfg, true)
	<-runner.block // first run is now in flight

	s.launch(context.Background(), cfg, true)

	skips := store.skippedRuns()
	if len(skips) != 1 {
		t.Fatalf("expected 1 skipped run, got %d", len(skips))
	}
	close(runner.release)

	if runner.callCount() != 1 {
		t.Errorf("second firing must not reach the runner, calls=%d", runner.callCount())
	}
}

func TestAutoPauseAfterConsecutiveFailures(t *testing.T) {
	store := newFakeStore()
	store.outcome = &db.ScraperState{Name: "s1", Active: true, ConsecutiveFailures: 3}
	runner := &fakeRunner{status: models.RunFailed}
	cfg := models.ScraperConfig{Name: "s1", Adapter: "stub", Active: true}
	s := testScheduler(store, runner, cfg)

	s.launch(context.Background(), cfg, true)

	if _, ok := store.paused["s1"]; !ok {
		t.Fatal("expected auto-pause after 3 consecutive failures")
	}
}

func TestPausedScraperSkipsScheduledRuns(t *testing.T) {
	store := newFakeStore()
	store.states["s1"] = db.ScraperState{Name: "s1", Active: false, PausedReason: "auto-paused"}
	runner := &fakeRunner{}
	cfg := models.ScraperConfig{Name: "s1", Adapter: "stub", Active: true}
	s := testScheduler(store, runner, cfg)

	s.launch(context.Background(), cfg, false)
	if runner.callCount() != 0 {
		t.Error("scheduled run of a paused scraper must not execute")
	}

	// The skip leaves a record with the pause reason, so the run history
	// shows why nothing happened.
	skips := store.skippedRuns()
	if len(skips) != 1 {
		t.Fatalf("paused skip must be recorded, got %d skipped runs", len(skips))
	}
	if len(skips[0].Logs) == 0 || !strings.Contains(skips[0].Logs[0], "paused") {
		t.Errorf("skip record must carry the pause reason, got %v", skips[0].Logs)
	}

	// Manual trigger bypasses the pause.
	s.launch(context.Background(), cfg, true)
	if runner.callCount() != 1 {
		t.Error("manual run must bypass the paused flag")
	}
}

func TestRunRowOpensRunningAndClosesTerminal(t *testing.T) {
	store := newFakeStore()
	runner := &fakeRunner{block: make(chan struct{}), release: make(chan struct{})}
	cfg := models.ScraperConfig{Name: "s1", Adapter: "stub", Active: true}
	s := testScheduler(store, runner, cfg)

	done := make(chan struct{})
	go func() {
		s.launch(context.Background(), cfg, true)
		close(done)
	}()
	<-runner.block // run is now in flight

	inFlight := store.runsSnapshot()
	if len(inFlight) != 1 {
		t.Fatalf("expected one run row while in flight, got %d", len(inFlight))
	}
	if inFlight[0].Status != models.RunRunning || inFlight[0].ID == "" {
		t.Fatalf("in-flight row must be running with an id, got %+v", inFlight[0])
	}

	close(runner.release)
	<-done

	final := store.runsSnapshot()
	if len(final) != 1 {
		t.Fatalf("outcome must update the existing row, got %d rows", len(final))
	}
	if final[0].ID != inFlight[0].ID {
		t.Errorf("outcome must keep the launch id, got %s then %s", inFlight[0].ID, final[0].ID)
	}
	if final[0].Status != models.RunSuccess {
		t.Errorf("expected terminal success, got %s", final[0].Status)
	}
}

func TestQuietWindow(t *testing.T) {
	tests := []struct {
		clock string
		start string
		end   string
		want  bool
	}{
		{"23:30", "22:00", "06:00", true},
		{"03:00", "22:00", "06:00", true},
		{"12:00", "22:00", "06:00", false},
		{"08:30", "08:00", "09:00", true},
		{"09:00", "08:00", "09:00", false},
		{"12:00", "", "", false},
	}
	for _, tt := range tests {
		now, _ := time.Parse("15:04", tt.clock)
		if got := inQuietWindow(now, tt.start, tt.end); got != tt.want {
			t.Errorf("inQuietWindow(%s, %s-%s) = %v, want %v", tt.clock, tt.start, tt.end, got, tt.want)
		}
	}
}

func TestAdaptiveGapDoubling(t *testing.T) {
	cfg := models.ScraperConfig{Name: "s1", AdaptiveSchedule: true}

	if gap := adaptiveGap(cfg, &db.ScraperState{ConsecutiveEmptyRuns: 2}); gap != 0 {
		t.Errorf("under 3 empty runs must not back off, got %s", gap)
	}
	g3 := adaptiveGap(cfg, &db.ScraperState{ConsecutiveEmptyRuns: 3})
	g4 := adaptiveGap(cfg, &db.ScraperState{ConsecutiveEmptyRuns: 4})
	if g3 != 8*time.Hour || g4 != 16*time.Hour {
		t.Errorf("expected 8h then 16h, got %s then %s", g3, g4)
	}
	gMax := adaptiveGap(cfg, &db.ScraperState{ConsecutiveEmptyRuns: 20})
	if gMax != 48*time.Hour {
		t.Errorf("gap must cap at 48h, got %s", gMax)
	}

	fixed := models.ScraperConfig{Name: "s2"}
	if gap := adaptiveGap(fixed, &db.ScraperState{ConsecutiveEmptyRuns: 10}); gap != 0 {
		t.Error("non-adaptive scrapers never back off")
	}
}

func TestComputeHealthWeights(t *testing.T) {
	now := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	success := now.Add(-1 * time.Hour)
	cfg := models.ScraperConfig{Name: "s1", MinIntervalHours: 4}

	perfect := ComputeHealth(cfg, &db.RunStats{
		Total: 10, Succeeded: 10, LatestYield: 8, MedianYield: 8,
		LastSuccess: &success, DurationMean: 30, DurationStdev: 0,
	}, &db.ScraperState{Active: true}, now)
	if perfect.Score < 95 {
		t.Errorf("healthy source must score near 100, got %.1f", perfect.Score)
	}

	dead := ComputeHealth(cfg, &db.RunStats{Total: 10, Succeeded: 0}, &db.ScraperState{Active: true}, now)
	if dead.Score != 10 {
		// only the stability component survives with zero successes
		t.Errorf("all-failed source must score 10, got %.1f", dead.Score)
	}

	fresh := ComputeHealth(cfg, &db.RunStats{}, nil, now)
	if fresh.Score != 50 {
		t.Errorf("never-ran source must score neutral 50, got %.1f", fresh.Score)
	}

	paused := ComputeHealth(cfg, &db.RunStats{}, &db.ScraperState{Active: false, PausedReason: "x"}, now)
	if !paused.Paused || paused.PausedReason != "x" {
		t.Error("paused state must surface in the report")
	}
}

func TestComputeHealthFreshnessScalesWithInterval(t *testing.T) {
	now := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	halfway := now.Add(-24 * time.Hour)
	stale := now.Add(-48 * time.Hour)
	daily := models.ScraperConfig{Name: "s1", MinIntervalHours: 24}

	stats := &db.RunStats{Total: 5, Succeeded: 5, LastSuccess: &halfway}
	r := ComputeHealth(daily, stats, nil, now)
	if r.Freshness < 0.49 || r.Freshness > 0.51 {
		t.Errorf("24h since success on a 24h interval must be half-fresh, got %.2f", r.Freshness)
	}

	stats = &db.RunStats{Total: 5, Succeeded: 5, LastSuccess: &stale}
	if r := ComputeHealth(daily, stats, nil, now); r.Freshness != 0 {
		t.Errorf("twice the interval without a success must be stale, got %.2f", r.Freshness)
	}

	// A source without a configured interval decays against the 24h default.
	stats = &db.RunStats{Total: 5, Succeeded: 5, LastSuccess: &halfway}
	if r := ComputeHealth(models.ScraperConfig{Name: "s2"}, stats, nil, now); r.Freshness < 0.49 || r.Freshness > 0.51 {
		t.Errorf("default interval must be 24h, got freshness %.2f", r.Freshness)
	}
}

func TestComputeHealthYieldAgainstMedian(t *testing.T) {
	now := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	cfg := models.ScraperConfig{Name: "s1"}

	half := ComputeHealth(cfg, &db.RunStats{Total: 10, Succeeded: 10, LatestYield: 5, MedianYield: 10}, nil, now)
	if half.Yield != 0.5 {
		t.Errorf("half the trailing median must yield 0.5, got %.2f", half.Yield)
	}

	above := ComputeHealth(cfg, &db.RunStats{Total: 10, Succeeded: 10, LatestYield: 30, MedianYield: 10}, nil, now)
	if above.Yield != 1 {
		t.Errorf("yield caps at 1, got %.2f", above.Yield)
	}

	// No history to compare against: any output counts as nominal.
	noHistory := ComputeHealth(cfg, &db.RunStats{Total: 1, Succeeded: 1, LatestYield: 3, MedianYield: 0}, nil, now)
	if noHistory.Yield != 1 {
		t.Errorf("output without a median must count as nominal, got %.2f", noHistory.Yield)
	}

	// A streak of empty runs zeroes the component regardless of history.
	streak := ComputeHealth(cfg,
		&db.RunStats{Total: 10, Succeeded: 10, LatestYield: 5, MedianYield: 10},
		&db.ScraperState{Active: true, ConsecutiveEmptyRuns: 3}, now)
	if streak.Yield != 0 {
		t.Errorf("repeated empty runs must zero the yield, got %.2f", streak.Yield)
	}
}
