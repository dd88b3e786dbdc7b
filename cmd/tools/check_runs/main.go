package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/matiasb/licitar/internal/config"
	"github.com/matiasb/licitar/internal/db"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	pool, err := db.Connect(ctx, cfg.DBURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	store := db.NewStore(pool)
	scraper := ""
	if len(os.Args) > 1 {
		scraper = os.Args[1]
	}

	runs, err := store.ListRuns(ctx, scraper, 20)
	if err != nil {
		log.Fatal(err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Scraper", "Status", "Found", "Saved", "Updated", "Dup", "Errors", "Duration", "Started At"})

	for _, r := range runs {
		duration := "running..."
		if r.DurationSeconds != nil {
			duration = (time.Duration(*r.DurationSeconds * float64(time.Second))).Round(time.Second).String()
		}
		t.AppendRow(table.Row{
			r.ScraperName, r.Status, r.ItemsFound, r.ItemsSaved, r.ItemsUpdated,
			r.ItemsDuplicated, len(r.Errors), duration, r.StartedAt.Local().Format("01-02 15:04:05"),
		})
	}
	t.Render()
}
