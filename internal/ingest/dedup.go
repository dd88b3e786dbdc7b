package ingest

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/agnivade/levenshtein"
	"github.com/matiasb/licitar/internal/models"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Deduper matches a resolved record against the existing corpus and merges
// field-by-field when it finds one.
type Deduper struct {
	// Threshold is the minimum token-set similarity for a fuzzy match.
	Threshold float64
	// DateWindow bounds how far apart publication dates may be for a
	// fuzzy match.
	DateWindow time.Duration
}

func NewDeduper() *Deduper {
	return &Deduper{
		Threshold:  0.85,
		DateWindow: 7 * 24 * time.Hour,
	}
}

// FindMatch walks the ordered key chain over same-jurisdiction candidates:
// expedient number, licitación number, content hash, then fuzzy title.
// The first positive key wins.
func (d *Deduper) FindMatch(r *models.Licitacion, candidates []models.Licitacion) (*models.Licitacion, bool) {
	if r.ExpedientNumber != "" {
		for i := range candidates {
			if candidates[i].ExpedientNumber != "" && candidates[i].ExpedientNumber == r.ExpedientNumber {
				return &candidates[i], true
			}
		}
	}
	if r.LicitacionNumber != "" {
		for i := range candidates {
			if candidates[i].LicitacionNumber != "" && candidates[i].LicitacionNumber == r.LicitacionNumber {
				return &candidates[i], true
			}
		}
	}
	if r.ContentHash != "" {
		for i := range candidates {
			if candidates[i].ContentHash == r.ContentHash {
				return &candidates[i], true
			}
		}
	}

	// Fuzzy: similar title AND same organization AND close publication.
	var best *models.Licitacion
	bestScore := 0.0
	for i := range candidates {
		c := &candidates[i]
		if !sameOrganization(r.Organization, c.Organization) {
			continue
		}
		if !datesWithin(r.PublicationDate, c.PublicationDate, d.DateWindow) {
			continue
		}
		score := TokenSetRatio(r.Title, c.Title)
		if score < d.Threshold {
			continue
		}
		if best == nil || score > bestScore ||
			(score == bestScore && c.FirstSeenAt.Before(best.FirstSeenAt)) {
			best = c
			bestScore = score
		}
	}
	return best, best != nil
}

// SweepResult is the outcome of a corpus-wide dedup pass.
type SweepResult struct {
	Survivors []models.Licitacion // records that absorbed at least one duplicate
	Absorbed  []string            // ids folded into a survivor
}

// Sweep deduplicates an already-persisted slice, oldest first so the earliest
// record survives a merge. Survivors carry the merged fields; absorbed ids are
// for the caller to soft-delete.
func (d *Deduper) Sweep(records []models.Licitacion) SweepResult {
	sorted := make([]models.Licitacion, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].FirstSeenAt.Before(sorted[j].FirstSeenAt)
	})

	kept := make([]models.Licitacion, 0, len(sorted))
	changed := map[string]struct{}{}
	var absorbed []string

	for i := range sorted {
		r := sorted[i]
		if match, ok := d.FindMatch(&r, kept); ok {
			Merge(match, &r)
			changed[match.ID] = struct{}{}
			absorbed = append(absorbed, r.ID)
			continue
		}
		kept = append(kept, r)
	}

	var survivors []models.Licitacion
	for i := range kept {
		if _, ok := changed[kept[i].ID]; ok {
			survivors = append(survivors, kept[i])
		}
	}
	return SweepResult{Survivors: survivors, Absorbed: absorbed}
}

func sameOrganization(a, b string) bool {
	a = foldText(a)
	b = foldText(b)
	return a != "" && a == b
}

func datesWithin(a, b *time.Time, window time.Duration) bool {
	if a == nil || b == nil {
		return false
	}
	diff := a.Sub(*b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= window
}

var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// foldText lowercases and strips accents so "Pavimentación" and
// "pavimentacion" compare equal.
func foldText(s string) string {
	folded, _, err := transform.String(foldTransformer, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(normalizeSpace(folded))
}

// TokenSetRatio is a Levenshtein-based token-set similarity in [0, 1].
// Word order and duplicated tokens do not count against the score, which is
// what tender titles need ("Ruta 40 Km 12-18" vs "de Ruta 40 Km 12 a 18").
func TokenSetRatio(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	var inter, onlyA, onlyB []string
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			inter = append(inter, tok)
		} else {
			onlyA = append(onlyA, tok)
		}
	}
	for tok := range tb {
		if _, ok := ta[tok]; !ok {
			onlyB = append(onlyB, tok)
		}
	}
	sort.Strings(inter)
	sort.Strings(onlyA)
	sort.Strings(onlyB)

	base := strings.Join(inter, " ")
	s1 := strings.TrimSpace(base + " " + strings.Join(onlyA, " "))
	s2 := strings.TrimSpace(base + " " + strings.Join(onlyB, " "))

	best := ratio(base, s1)
	if r := ratio(base, s2); r > best {
		best = r
	}
	if r := ratio(s1, s2); r > best {
		best = r
	}
	return best
}

func ratio(a, b string) float64 {
	if a == "" && b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 0
	}
	return 1 - float64(dist)/float64(longest)
}

var stopTokens = map[string]struct{}{
	"de": {}, "del": {}, "la": {}, "el": {}, "los": {}, "las": {},
	"y": {}, "a": {}, "en": {}, "para": {}, "por": {},
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(foldText(s)) {
		tok = strings.Trim(tok, ".,;:()\"'")
		if tok == "" {
			continue
		}
		if _, stop := stopTokens[tok]; stop {
			continue
		}
		out[tok] = struct{}{}
	}
	return out
}

// Merge folds src into dst per the merge policy and returns dst. The caller
// recomputes estado afterwards; workflow_state always stays dst's.
func Merge(dst, src *models.Licitacion) *models.Licitacion {
	dst.Title = longerOf(dst.Title, src.Title)
	dst.Organization = longerOf(dst.Organization, src.Organization)
	dst.Description = longerOf(dst.Description, src.Description)
	dst.Rubro = firstNonEmpty(dst.Rubro, src.Rubro)
	dst.TipoProcedimiento = firstNonEmpty(dst.TipoProcedimiento, src.TipoProcedimiento)
	dst.Nodo = firstNonEmpty(dst.Nodo, src.Nodo)
	dst.Jurisdiccion = firstNonEmpty(dst.Jurisdiccion, src.Jurisdiccion)
	dst.ExpedientNumber = firstNonEmpty(dst.ExpedientNumber, src.ExpedientNumber)
	dst.LicitacionNumber = firstNonEmpty(dst.LicitacionNumber, src.LicitacionNumber)
	dst.Currency = firstNonEmpty(dst.Currency, src.Currency)

	if dst.Budget == nil {
		dst.Budget = src.Budget
	}
	if dst.PublicationDate == nil {
		dst.PublicationDate = src.PublicationDate
	}
	if dst.OpeningDate == nil {
		dst.OpeningDate = src.OpeningDate
	} else if src.OpeningDate != nil && src.OpeningDate.After(*dst.OpeningDate) {
		// The source moved the opening later: that is a prórroga. The
		// original opening date stays; the new one becomes fecha_prorroga.
		if dst.FechaProrroga == nil || src.OpeningDate.After(*dst.FechaProrroga) {
			dst.FechaProrroga = src.OpeningDate
		}
	}
	if src.FechaProrroga != nil {
		if dst.FechaProrroga == nil || src.FechaProrroga.After(*dst.FechaProrroga) {
			dst.FechaProrroga = src.FechaProrroga
		}
	}

	// Canonical URL: highest quality wins.
	if QualityRank(src.URLQuality) > QualityRank(dst.URLQuality) && src.CanonicalURL != "" {
		dst.CanonicalURL = src.CanonicalURL
		dst.URLQuality = src.URLQuality
	}
	if dst.SourceURLs == nil {
		dst.SourceURLs = map[string]string{}
	}
	for fuente, u := range src.SourceURLs {
		if _, ok := dst.SourceURLs[fuente]; !ok {
			dst.SourceURLs[fuente] = u
		}
	}

	dst.AttachedFiles = unionFiles(dst.AttachedFiles, src.AttachedFiles)

	if src.EnrichmentLevel > dst.EnrichmentLevel {
		dst.EnrichmentLevel = src.EnrichmentLevel
	}
	if !src.FirstSeenAt.IsZero() && (dst.FirstSeenAt.IsZero() || src.FirstSeenAt.Before(dst.FirstSeenAt)) {
		dst.FirstSeenAt = src.FirstSeenAt
	}
	if src.ID != "" && src.ID != dst.ID {
		dst.MergedFrom = appendUnique(dst.MergedFrom, src.ID)
		dst.IsMerged = true
	}
	if len(src.Metadata) > 0 {
		if dst.Metadata == nil {
			dst.Metadata = map[string]interface{}{}
		}
		for k, v := range src.Metadata {
			if _, ok := dst.Metadata[k]; !ok {
				dst.Metadata[k] = v
			}
		}
	}
	return dst
}

func longerOf(a, b string) string {
	if len(strings.TrimSpace(b)) > len(strings.TrimSpace(a)) {
		return b
	}
	return a
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}

func unionFiles(a, b []models.AttachedFile) []models.AttachedFile {
	seen := make(map[string]struct{}, len(a))
	out := make([]models.AttachedFile, 0, len(a)+len(b))
	for _, f := range a {
		seen[f.URL] = struct{}{}
		out = append(out, f)
	}
	for _, f := range b {
		if _, ok := seen[f.URL]; ok {
			continue
		}
		seen[f.URL] = struct{}{}
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
