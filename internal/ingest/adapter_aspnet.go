package ingest

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/matiasb/licitar/internal/httpx"
	"github.com/matiasb/licitar/internal/models"
)

// ASPNetGridAdapter scrapes WebForms portals: a GridView inside a single
// <form>, paged via __doPostBack. Each page requires replaying the hidden
// state fields from the previous response, so the whole run rides one sticky
// session.
type ASPNetGridAdapter struct{}

func (a *ASPNetGridAdapter) Name() string       { return "aspnet_grid" }
func (a *ASPNetGridAdapter) Category() Category { return CategoryMedium }

var postBackRe = regexp.MustCompile(`__doPostBack\('([^']+)'\s*,\s*'([^']*)'\)`)

// aspnet hidden fields carried between postbacks.
var aspnetStateFields = []string{
	"__VIEWSTATE", "__VIEWSTATEGENERATOR", "__EVENTVALIDATION", "__PREVIOUSPAGE",
}

func (a *ASPNetGridAdapter) Run(ctx context.Context, cfg models.ScraperConfig, client *httpx.Client, emit EmitFunc) error {
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 10
	}
	gridSel := selectorOr(cfg.Selectors, "grid", "table")

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

		if err := a.emitGridRows(doc, gridSel, cfg, resp.FinalURL, emit); err != nil {
			return err
		}

		target, argument, ok := nextPagePostBack(doc, gridSel, page+1)
		if !ok {
			return nil
		}
		state := collectHiddenFields(doc)
		state.Set("__EVENTTARGET", target)
		state.Set("__EVENTARGUMENT", argument)

		resp, err = client.Fetch(ctx, httpx.Request{
			Method:  http.MethodPost,
			URL:     resp.FinalURL,
			Header:  http.Header{"Content-Type": {"application/x-www-form-urlencoded"}},
			Body:    []byte(state.Encode()),
			Timeout: a.Category().Timeout(),
			Session: session,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *ASPNetGridAdapter) emitGridRows(doc *goquery.Document, gridSel string, cfg models.ScraperConfig, pageURL string, emit EmitFunc) error {
	var emitErr error
	doc.Find(gridSel + " tr").EachWithBreak(func(i int, row *goquery.Selection) bool {
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

		// Detail links in WebForms grids are usually javascript postbacks,
		// not hrefs. Those rows only get a proxy-quality URL: the listing
		// page plus the postback target the replay endpoint needs.
		link := row.Find("a").First()
		if href, ok := link.Attr("href"); ok && !strings.HasPrefix(href, "javascript:") {
			rec.SourceURL = resolveRef(pageURL, href)
			rec.URLQuality = models.URLDirect
		} else if m := postBackRe.FindStringSubmatch(href); m != nil {
			rec.SourceURL = pageURL
			rec.URLQuality = models.URLProxy
			rec.Extra = map[string]string{
				"postback_target":   m[1],
				"postback_argument": m[2],
			}
		} else {
			rec.SourceURL = pageURL
			rec.URLQuality = models.URLPartial
		}

		if err := emit(rec); err != nil {
			emitErr = err
			return false
		}
		return true
	})
	return emitErr
}

// nextPagePostBack finds the pager link for wantPage and returns its postback
// target and argument.
func nextPagePostBack(doc *goquery.Document, gridSel string, wantPage int) (string, string, bool) {
	var target, argument string
	found := false
	doc.Find(gridSel + " a").EachWithBreak(func(i int, link *goquery.Selection) bool {
		href, ok := link.Attr("href")
		if !ok {
			return true
		}
		m := postBackRe.FindStringSubmatch(href)
		if m == nil {
			return true
		}
		if m[2] == fmt.Sprintf("Page$%d", wantPage) {
			target, argument = m[1], m[2]
			found = true
			return false
		}
		return true
	})
	return target, argument, found
}

func collectHiddenFields(doc *goquery.Document) url.Values {
	values := url.Values{}
	for _, name := range aspnetStateFields {
		if v, ok := doc.Find(`input[name="` + name + `"]`).Attr("value"); ok {
			values.Set(name, v)
		}
	}
	return values
}

// columnIndex reads a numeric column override from the selectors map.
func columnIndex(selectors map[string]string, key string, fallback int) int {
	v, ok := selectors[key]
	if !ok {
		return fallback
	}
	n := 0
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fallback
	}
	return n
}
