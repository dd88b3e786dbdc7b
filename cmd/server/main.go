package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/matiasb/licitar/internal/api"
	"github.com/matiasb/licitar/internal/config"
	"github.com/matiasb/licitar/internal/db"
	"github.com/matiasb/licitar/internal/httpx"
	"github.com/matiasb/licitar/internal/ingest"
	"github.com/matiasb/licitar/internal/notify"
	"github.com/matiasb/licitar/internal/scheduler"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DBURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	if err := db.ApplyMigrations(ctx, pool); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	store := db.NewStore(pool)
	client := httpx.NewClient(httpx.Options{
		MinHostSpacing: cfg.HTTPRateLimitPerHost,
		FailThreshold:  cfg.CircuitFailThreshold,
		Cooldown:       cfg.CircuitCooldown,
	})

	scraperConfigs, err := ingest.LoadScraperConfigs("internal/ingest/config/scrapers.yaml")
	if err != nil {
		log.Fatalf("Loading scraper configs: %v", err)
	}

	registry := ingest.DefaultRegistry()
	pipeline := ingest.NewPipeline(registry, client, store)
	notifier := notify.FromConfig(cfg.NotifyURL)

	sched := scheduler.New(cfg, scraperConfigs, registry, pipeline, store, notifier)
	sched.EnrichJob = func(ctx context.Context) {
		result, err := ingest.NewEnricher(client).EnrichBatch(ctx, store, 50)
		if err != nil {
			log.Printf("[enrich] batch failed: %v", err)
			return
		}
		log.Printf("[enrich] examined=%d enriched=%d failed=%d",
			result.Examined, result.Enriched, result.Failed)
	}
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Starting scheduler: %v", err)
	}
	defer sched.Stop()

	srv := api.NewServer(cfg, store, sched, client)
	go func() {
		<-ctx.Done()
		srv.Echo.Shutdown(context.Background())
	}()

	log.Printf("Server starting on port %s...", cfg.Port)
	if err := srv.Start(cfg.Port); err != nil {
		log.Println(err)
	}
}
