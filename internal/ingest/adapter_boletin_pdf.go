package ingest

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/matiasb/licitar/internal/httpx"
	"github.com/matiasb/licitar/internal/models"
	"rsc.io/pdf"
)

// BoletinPDFAdapter handles provinces that only publish their boletín as a
// daily PDF. One document usually announces several tenders; the adapter
// segments the extracted text on licitación headings and emits one record per
// segment. Everything here is partial quality: the only durable URL is the
// PDF itself.
type BoletinPDFAdapter struct{}

func (a *BoletinPDFAdapter) Name() string       { return "boletin_pdf" }
func (a *BoletinPDFAdapter) Category() Category { return CategoryMedium }

var tenderHeadingRe = regexp.MustCompile(`(?i)\b(licitaci[oó]n\s+(?:p[uú]blica|privada)|concurso\s+de\s+precios|contrataci[oó]n\s+directa)\b[^\n]*`)

func (a *BoletinPDFAdapter) Run(ctx context.Context, cfg models.ScraperConfig, client *httpx.Client, emit EmitFunc) error {
	resp, err := client.Fetch(ctx, httpx.Request{
		URL:     cfg.URL,
		Timeout: a.Category().Timeout(),
	})
	if err != nil {
		return err
	}
	if !strings.Contains(resp.ContentType, "pdf") && !bytes.HasPrefix(resp.Body, []byte("%PDF")) {
		return &httpx.FetchError{Kind: httpx.KindDecoding, URL: cfg.URL,
			Err: fmt.Errorf("expected a PDF, got %s", resp.ContentType)}
	}

	text, err := extractPDFText(resp.Body)
	if err != nil {
		return &httpx.FetchError{Kind: httpx.KindDecoding, URL: cfg.URL, Err: err}
	}

	for _, seg := range segmentTenders(text) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		rec := RawRecord{
			Title:        seg.title,
			Organization: seg.organization,
			Jurisdiccion: cfg.Jurisdiccion,
			Description:  seg.body,
			SourceURL:    cfg.URL,
			URLQuality:   models.URLPartial,
		}
		if err := emit(rec); err != nil {
			return err
		}
	}
	return nil
}

// extractPDFText flattens the document into lines, top to bottom per page.
func extractPDFText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for pageNum := 1; pageNum <= r.NumPage(); pageNum++ {
		page := r.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		texts := page.Content().Text
		if len(texts) == 0 {
			continue
		}

		// Group glyphs into lines by Y, then order each line by X.
		lines := map[int][]pdf.Text{}
		var ys []int
		for _, t := range texts {
			y := int(t.Y)
			if _, ok := lines[y]; !ok {
				ys = append(ys, y)
			}
			lines[y] = append(lines[y], t)
		}
		sort.Sort(sort.Reverse(sort.IntSlice(ys)))
		for _, y := range ys {
			line := lines[y]
			sort.Slice(line, func(i, j int) bool { return line[i].X < line[j].X })
			var prev pdf.Text
			for _, t := range line {
				if prev.S != "" && t.X-(prev.X+prev.W) > 1 {
					b.WriteByte(' ')
				}
				b.WriteString(t.S)
				prev = t
			}
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

type tenderSegment struct {
	title        string
	organization string
	body         string
}

// segmentTenders splits boletín text at tender headings. The heading line is
// the title; the lines up to the next heading are the body. An uppercase line
// right above the heading is taken as the publishing organism, which is how
// boletines typeset their section headers.
func segmentTenders(text string) []tenderSegment {
	locs := tenderHeadingRe.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}

	var segments []tenderSegment
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		block := text[loc[0]:end]
		lines := strings.SplitN(block, "\n", 2)

		seg := tenderSegment{title: normalizeSpace(lines[0])}
		if len(lines) > 1 {
			seg.body = strings.TrimSpace(lines[1])
			if len(seg.body) > 4000 {
				seg.body = seg.body[:4000]
			}
		}
		seg.organization = organismAbove(text[:loc[0]])
		segments = append(segments, seg)
	}
	return segments
}

// organismAbove walks backwards from a heading looking for the nearest
// all-caps line, capped at a few lines of lookback.
func organismAbove(before string) string {
	lines := strings.Split(before, "\n")
	for i, seen := len(lines)-1, 0; i >= 0 && seen < 5; i-- {
		line := normalizeSpace(lines[i])
		if line == "" {
			continue
		}
		seen++
		if len(line) >= 8 && line == strings.ToUpper(line) && strings.ContainsAny(line, "ABCDEFGHIJKLMNOPQRSTUVWXYZ") {
			return line
		}
	}
	return ""
}
