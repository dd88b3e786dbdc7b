package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"
	"github.com/matiasb/licitar/internal/httpx"
	"github.com/matiasb/licitar/internal/models"
)

// BrowserAdapter renders javascript-only portals in headless Chrome, then
// hands the settled DOM to the same selector-driven extraction the HTML
// adapters use. It is by far the most expensive adapter, hence the heavy
// category.
type BrowserAdapter struct {
	// ExecAllocatorOptions overrides the Chrome launch flags, mainly for
	// tests pointing at a remote devtools endpoint.
	ExecAllocatorOptions []chromedp.ExecAllocatorOption
}

func (a *BrowserAdapter) Name() string       { return "browser" }
func (a *BrowserAdapter) Category() Category { return CategoryHeavy }

func (a *BrowserAdapter) Run(ctx context.Context, cfg models.ScraperConfig, client *httpx.Client, emit EmitFunc) error {
	container := cfg.Selectors["container"]
	if container == "" {
		return fmt.Errorf("scraper %q: browser adapter requires a container selector", cfg.Name)
	}

	opts := a.ExecAllocatorOptions
	if opts == nil {
		opts = append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("blink-settings", "imagesEnabled=false"),
		)
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	runCtx, cancelRun := context.WithTimeout(browserCtx, a.Category().Timeout())
	defer cancelRun()

	var html string
	err := chromedp.Run(runCtx,
		chromedp.Navigate(cfg.URL),
		chromedp.WaitVisible(container, chromedp.ByQuery),
		chromedp.Sleep(2*time.Second),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return &httpx.FetchError{Kind: classifyBrowserErr(err), URL: cfg.URL, Err: err}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return &httpx.FetchError{Kind: httpx.KindDecoding, URL: cfg.URL, Err: err}
	}

	var emitErr error
	doc.Find(container).EachWithBreak(func(i int, item *goquery.Selection) bool {
		rec := RawRecord{
			Title:          strings.TrimSpace(item.Find(selectorOr(cfg.Selectors, "title", "h2, h3")).First().Text()),
			Organization:   strings.TrimSpace(item.Find(cfg.Selectors["organization"]).First().Text()),
			Jurisdiccion:   cfg.Jurisdiccion,
			Description:    strings.TrimSpace(item.Find(selectorOr(cfg.Selectors, "description", "p")).Text()),
			RawPublication: strings.TrimSpace(item.Find(cfg.Selectors["date"]).First().Text()),
			RawOpening:     strings.TrimSpace(item.Find(cfg.Selectors["opening"]).First().Text()),
		}
		if href, ok := item.Find("a[href]").First().Attr("href"); ok {
			rec.SourceURL = resolveRef(cfg.URL, href)
			rec.URLQuality = models.URLDirect
		} else {
			rec.SourceURL = cfg.URL
			rec.URLQuality = models.URLPartial
		}
		if rec.Title == "" {
			return true
		}
		if err := emit(rec); err != nil {
			emitErr = err
			return false
		}
		return true
	})
	return emitErr
}

func classifyBrowserErr(err error) httpx.ErrorKind {
	if err == context.DeadlineExceeded || strings.Contains(err.Error(), "deadline") {
		return httpx.KindTimeout
	}
	return httpx.KindConnection
}
