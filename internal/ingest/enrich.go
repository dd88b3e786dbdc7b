package ingest

import (
	"bytes"
	"context"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/matiasb/licitar/internal/httpx"
	"github.com/matiasb/licitar/internal/models"
	"github.com/microcosm-cc/bluemonday"
)

// Enrichment levels: 1 is listing data only, 2 adds the parsed detail page,
// 3 adds text recovered from the pliego PDF. The level only ever goes up.
const (
	LevelListing = 1
	LevelDetail  = 2
	LevelPliego  = 3
)

// Enricher upgrades stored records with data their listing page did not
// carry. Every write is field-additive: an existing value is never replaced,
// only nulls are filled.
type Enricher struct {
	Client    *httpx.Client
	sanitizer *bluemonday.Policy
}

func NewEnricher(client *httpx.Client) *Enricher {
	return &Enricher{
		Client:    client,
		sanitizer: bluemonday.StrictPolicy(),
	}
}

var (
	expedienteRe  = regexp.MustCompile(`(?i)expediente\s*(?:electr[oó]nico\s*)?(?:n[º°o.]*\s*)?[:\s]\s*([A-Z0-9][A-Z0-9./-]{2,40}[A-Z0-9])`)
	presupuestoRe = regexp.MustCompile(`(?i)presupuesto\s+oficial[^$\d]{0,30}([$\d][\d.,\s]*(?:[A-Z]{3})?)`)
)

// Enrich runs every applicable level against the record and reports whether
// anything changed. Transport failures on one level do not block the next.
func (e *Enricher) Enrich(ctx context.Context, lic *models.Licitacion) (bool, error) {
	changed := false
	var firstErr error

	if lic.EnrichmentLevel < LevelDetail && lic.URLQuality == models.URLDirect && lic.CanonicalURL != "" {
		ok, err := e.enrichFromDetail(ctx, lic)
		if err != nil {
			firstErr = err
		} else {
			changed = changed || ok
			if lic.EnrichmentLevel < LevelDetail {
				lic.EnrichmentLevel = LevelDetail
				changed = true
			}
		}
	}

	if lic.EnrichmentLevel < LevelPliego {
		if pdfURL := firstPDF(lic.AttachedFiles); pdfURL != "" {
			ok, err := e.enrichFromPliego(ctx, lic, pdfURL)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			if err == nil {
				changed = changed || ok
				if lic.EnrichmentLevel < LevelPliego {
					lic.EnrichmentLevel = LevelPliego
					changed = true
				}
			}
		}
	}

	return changed, firstErr
}

func (e *Enricher) enrichFromDetail(ctx context.Context, lic *models.Licitacion) (bool, error) {
	resp, err := e.Client.Fetch(ctx, httpx.Request{URL: lic.CanonicalURL})
	if err != nil {
		return false, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return false, &httpx.FetchError{Kind: httpx.KindDecoding, URL: lic.CanonicalURL, Err: err}
	}

	body := e.sanitizer.Sanitize(doc.Find("main, #content, article, body").First().Text())
	body = normalizeSpace(body)

	changed := e.fillFromText(lic, body)

	doc.Find("a[href$='.pdf'], a[href*='pliego']").Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok {
			return
		}
		u := resolveRef(lic.CanonicalURL, href)
		for _, f := range lic.AttachedFiles {
			if f.URL == u {
				return
			}
		}
		lic.AttachedFiles = append(lic.AttachedFiles, models.AttachedFile{
			Filename: strings.TrimSpace(a.Text()),
			URL:      u,
		})
		changed = true
	})

	return changed, nil
}

func (e *Enricher) enrichFromPliego(ctx context.Context, lic *models.Licitacion, pdfURL string) (bool, error) {
	resp, err := e.Client.Fetch(ctx, httpx.Request{URL: pdfURL})
	if err != nil {
		return false, err
	}
	text, err := extractPDFText(resp.Body)
	if err != nil {
		return false, &httpx.FetchError{Kind: httpx.KindDecoding, URL: pdfURL, Err: err}
	}
	return e.fillFromText(lic, text), nil
}

// fillFromText fills null fields from free text. Non-null fields stay.
func (e *Enricher) fillFromText(lic *models.Licitacion, text string) bool {
	changed := false

	if lic.Description == "" && len(text) > 80 {
		desc := text
		if len(desc) > 4000 {
			desc = desc[:4000]
		}
		lic.Description = strings.TrimSpace(desc)
		changed = true
	}
	if lic.ExpedientNumber == "" {
		if m := expedienteRe.FindStringSubmatch(text); m != nil {
			lic.ExpedientNumber = normalizeKey(m[1])
			changed = true
		}
	}
	if lic.Budget == nil {
		if m := presupuestoRe.FindStringSubmatch(text); m != nil {
			if amount, currency, ok := ParseBudget(m[1]); ok {
				lic.Budget = &amount
				if lic.Currency == "" {
					lic.Currency = currency
				}
				changed = true
			}
		}
	}
	if lic.OpeningDate == nil {
		if t, ok := ExtractDateForLabel(text, "fecha de apertura", "apertura de ofertas", "apertura"); ok {
			if valid, _ := ValidateRange(t); valid {
				lic.OpeningDate = &t
				changed = true
			}
		}
	}

	return changed
}

// EnrichStore is the persistence slice the batch enricher needs.
type EnrichStore interface {
	ListEnrichable(ctx context.Context, maxLevel, limit int) ([]models.Licitacion, error)
	UpsertBatch(ctx context.Context, records []models.Licitacion) (int, int, error)
}

// BatchResult counts one enrichment batch.
type BatchResult struct {
	Examined int `json:"examined"`
	Enriched int `json:"enriched"`
	Failed   int `json:"failed"`
}

// EnrichBatch upgrades a bounded batch of under-enriched records and persists
// the ones that changed. Per-record transport failures are counted, not
// fatal.
func (e *Enricher) EnrichBatch(ctx context.Context, store EnrichStore, limit int) (BatchResult, error) {
	var result BatchResult

	candidates, err := store.ListEnrichable(ctx, LevelPliego, limit)
	if err != nil {
		return result, err
	}
	result.Examined = len(candidates)

	var changed []models.Licitacion
	for i := range candidates {
		ok, err := e.Enrich(ctx, &candidates[i])
		if err != nil {
			result.Failed++
			continue
		}
		if ok {
			changed = append(changed, candidates[i])
		}
	}
	result.Enriched = len(changed)

	if len(changed) > 0 {
		if _, _, err := store.UpsertBatch(ctx, changed); err != nil {
			return result, err
		}
	}
	return result, nil
}

func firstPDF(files []models.AttachedFile) string {
	for _, f := range files {
		if strings.HasSuffix(strings.ToLower(f.URL), ".pdf") {
			return f.URL
		}
	}
	return ""
}
