package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gocolly/colly/v2"
	"github.com/matiasb/licitar/internal/httpx"
	"github.com/matiasb/licitar/internal/models"
)

// BoletinHTMLAdapter crawls server-rendered boletín listings. Selectors come
// from the scraper config so one adapter covers every province that publishes
// plain HTML; crawling and politeness are delegated to colly.
type BoletinHTMLAdapter struct{}

func (a *BoletinHTMLAdapter) Name() string       { return "boletin_html" }
func (a *BoletinHTMLAdapter) Category() Category { return CategoryLight }

func (a *BoletinHTMLAdapter) Run(ctx context.Context, cfg models.ScraperConfig, client *httpx.Client, emit EmitFunc) error {
	container := cfg.Selectors["container"]
	if container == "" {
		return fmt.Errorf("scraper %q: boletin_html requires a container selector", cfg.Name)
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 5
	}

	c := colly.NewCollector(
		colly.UserAgent("Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(a.Category().Timeout())
	// Requests ride the shared client's per-host limiter and breaker, so a
	// host hammered by another adapter stays throttled here too.
	c.WithTransport(client.Transport())

	var (
		mu       sync.Mutex
		pages    int
		emitErr  error
		crawlErr error
	)

	c.OnRequest(func(r *colly.Request) {
		select {
		case <-ctx.Done():
			r.Abort()
		default:
		}
	})

	c.OnHTML(container, func(e *colly.HTMLElement) {
		mu.Lock()
		stopped := emitErr != nil
		mu.Unlock()
		if stopped {
			return
		}

		rec := RawRecord{
			Title:          e.ChildText(selectorOr(cfg.Selectors, "title", "a")),
			Organization:   e.ChildText(cfg.Selectors["organization"]),
			Jurisdiccion:   cfg.Jurisdiccion,
			Rubro:          e.ChildText(cfg.Selectors["rubro"]),
			Description:    e.ChildText(selectorOr(cfg.Selectors, "description", "p")),
			RawPublication: e.ChildText(cfg.Selectors["date"]),
			RawOpening:     e.ChildText(cfg.Selectors["opening"]),
			BudgetText:     e.ChildText(cfg.Selectors["budget"]),
		}
		if link := e.ChildAttr(selectorOr(cfg.Selectors, "link", "a"), "href"); link != "" {
			rec.SourceURL = e.Request.AbsoluteURL(link)
			rec.URLQuality = models.URLDirect
		} else {
			rec.SourceURL = e.Request.URL.String()
			rec.URLQuality = models.URLPartial
		}
		e.ForEach("a[href$='.pdf']", func(_ int, f *colly.HTMLElement) {
			rec.AttachedFiles = append(rec.AttachedFiles, models.AttachedFile{
				Filename: strings.TrimSpace(f.Text),
				URL:      f.Request.AbsoluteURL(f.Attr("href")),
			})
		})

		if err := emit(rec); err != nil {
			mu.Lock()
			emitErr = err
			mu.Unlock()
		}
	})

	if next := cfg.Pagination["next"]; next != "" {
		c.OnHTML(next, func(e *colly.HTMLElement) {
			mu.Lock()
			pages++
			done := pages >= maxPages || emitErr != nil
			mu.Unlock()
			if done {
				return
			}
			if href := e.Attr("href"); href != "" {
				err := e.Request.Visit(e.Request.AbsoluteURL(href))
				var revisit *colly.AlreadyVisitedError
				if err != nil && !errors.As(err, &revisit) && err != colly.ErrMaxDepth {
					mu.Lock()
					crawlErr = err
					mu.Unlock()
				}
			}
		})
	}

	c.OnError(func(r *colly.Response, err error) {
		mu.Lock()
		if crawlErr == nil {
			crawlErr = &httpx.FetchError{Kind: httpx.KindHTTP, Status: r.StatusCode, URL: r.Request.URL.String(), Err: err}
		}
		mu.Unlock()
	})

	if err := c.Visit(cfg.URL); err != nil {
		return err
	}
	c.Wait()

	if emitErr != nil {
		return emitErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return crawlErr
}

func selectorOr(selectors map[string]string, key, fallback string) string {
	if s := selectors[key]; s != "" {
		return s
	}
	return fallback
}
