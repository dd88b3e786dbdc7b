package ingest

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/matiasb/licitar/internal/httpx"
	"github.com/matiasb/licitar/internal/models"
)

// GenexusGridAdapter scrapes GeneXus-generated portals. Like WebForms they
// page through form POSTs against a single URL, but the server state rides in
// one opaque GXState blob instead of VIEWSTATE fields.
type GenexusGridAdapter struct{}

func (a *GenexusGridAdapter) Name() string       { return "genexus_grid" }
func (a *GenexusGridAdapter) Category() Category { return CategoryMedium }

func (a *GenexusGridAdapter) Run(ctx context.Context, cfg models.ScraperConfig, client *httpx.Client, emit EmitFunc) error {
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 10
	}
	rowSel := selectorOr(cfg.Selectors, "row", "table[id*='Grid'] tr, .gx-grid tr")

	session := client.NewSession()
	resp, err := client.Fetch(ctx, httpx.Request{
		URL:     cfg.URL,
		Timeout: a.Category().Timeout(),
		Session: session,
	})
	if err != nil {
		return err
	}

	for page := 1; page <= maxPages; page++ {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
		if err != nil {
			return &httpx.FetchError{Kind: httpx.KindDecoding, URL: cfg.URL, Err: err}
		}

		emitted, err := a.emitRows(doc, rowSel, cfg, resp.FinalURL, emit)
		if err != nil {
			return err
		}
		// An empty page past the first means we walked off the end.
		if emitted == 0 && page > 1 {
			return nil
		}

		gxState, ok := doc.Find(`input[name="GXState"]`).Attr("value")
		if !ok || gxState == "" {
			return nil
		}

		form := url.Values{}
		form.Set("GXState", gxState)
		form.Set("_EventName", "E'NEXT'.")
		form.Set("_EventGridId", "")
		form.Set("_EventRowId", "")
		form.Set("_MSG", "")
		form.Set("GRID_nCurrentRecord", fmt.Sprintf("%d", page*gridPageSize(cfg)))

		resp, err = client.Fetch(ctx, httpx.Request{
			Method:  http.MethodPost,
			URL:     resp.FinalURL,
			Header:  http.Header{"Content-Type": {"application/x-www-form-urlencoded"}},
			Body:    []byte(form.Encode()),
			Timeout: a.Category().Timeout(),
			Session: session,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *GenexusGridAdapter) emitRows(doc *goquery.Document, rowSel string, cfg models.ScraperConfig, pageURL string, emit EmitFunc) (int, error) {
	var emitErr error
	emitted := 0
	doc.Find(rowSel).EachWithBreak(func(i int, row *goquery.Selection) bool {
		if row.Find("th").Length() > 0 {
			return true
		}
		cells := row.Find("td")
		if cells.Length() < 3 {
			return true
		}

		cellText := func(n int) string {
			if n < 0 || n >= cells.Length() {
				return ""
			}
			return strings.TrimSpace(cells.Eq(n).Text())
		}

		rec := RawRecord{
			Title:            cellText(columnIndex(cfg.Selectors, "col_title", 1)),
			Organization:     cellText(columnIndex(cfg.Selectors, "col_organization", 2)),
			Jurisdiccion:     cfg.Jurisdiccion,
			LicitacionNumber: cellText(columnIndex(cfg.Selectors, "col_number", 0)),
			RawPublication:   cellText(columnIndex(cfg.Selectors, "col_publication", 3)),
			RawOpening:       cellText(columnIndex(cfg.Selectors, "col_opening", 4)),
			BudgetText:       cellText(columnIndex(cfg.Selectors, "col_budget", -1)),
		}

		if href, ok := row.Find("a[href]").First().Attr("href"); ok && !strings.HasPrefix(href, "javascript:") {
			rec.SourceURL = resolveRef(pageURL, href)
			rec.URLQuality = models.URLDirect
		} else {
			// GeneXus detail views open through javascript events against the
			// same URL; the listing page is the best durable link we get.
			rec.SourceURL = pageURL
			rec.URLQuality = models.URLPartial
		}

		if rec.Title == "" {
			return true
		}
		emitted++
		if err := emit(rec); err != nil {
			emitErr = err
			return false
		}
		return true
	})
	return emitted, emitErr
}

func gridPageSize(cfg models.ScraperConfig) int {
	if n := columnIndex(cfg.Selectors, "page_size", 0); n > 0 {
		return n
	}
	return 10
}
