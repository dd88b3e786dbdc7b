package main

import (
	"context"
	"log"
	"time"

	"github.com/matiasb/licitar/internal/config"
	"github.com/matiasb/licitar/internal/db"
	"github.com/matiasb/licitar/internal/ingest"
	"github.com/matiasb/licitar/internal/models"
)

// One-shot estado sweep, for cron or after bulk imports. The server exposes
// the same operation at POST /api/v1/admin/recompute-estados.
func main() {
	cfg := config.Load()
	ctx := context.Background()

	pool, err := db.Connect(ctx, cfg.DBURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	store := db.NewStore(pool)
	now := time.Now().In(cfg.Location())

	changed, err := store.RecomputeEstados(ctx, func(pub, open, prorroga *time.Time) models.Estado {
		return ingest.ComputeEstado(pub, open, prorroga, now)
	})
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("estados recomputed: %d records changed", changed)
}
