package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/matiasb/licitar/internal/models"
)

// SkipError marks a record the resolver refuses to ingest. The run counts it
// as a warning and moves on.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string { return "record skipped: " + e.Reason }

// Resolver turns raw adapter output into a canonical record. The clock is
// injected so estado is a testable pure function of the date fields.
type Resolver struct {
	Clock func() time.Time
}

func NewResolver(clock func() time.Time) *Resolver {
	if clock == nil {
		clock = time.Now
	}
	return &Resolver{Clock: clock}
}

// Resolve applies the date fallback chains, repairs invariant violations,
// classifies the URL and computes estado and the content hash.
func (r *Resolver) Resolve(raw RawRecord, fuente string) (*models.Licitacion, []string, error) {
	title := normalizeSpace(raw.Title)
	if title == "" {
		return nil, nil, &SkipError{Reason: "missing required field: title"}
	}

	var warnings []string
	metadata := map[string]interface{}{}
	// Adapter extras (postback targets for the proxy endpoint, page hints)
	// ride along in metadata.
	for k, v := range raw.Extra {
		metadata[k] = v
	}

	// Dates the adapter itself parsed are authoritative: when they fall
	// outside the year window the record is non-ingestable, not guessable.
	for _, d := range []*time.Time{raw.PublicationDate, raw.OpeningDate} {
		if d == nil {
			continue
		}
		if ok, reason := ValidateRange(*d); !ok {
			return nil, []string{"flagged_year: " + reason}, &SkipError{Reason: reason}
		}
	}

	pub, pubWarns := r.resolvePublication(raw)
	warnings = append(warnings, pubWarns...)
	open, openWarns := r.resolveOpening(raw, pub)
	warnings = append(warnings, openWarns...)

	// Invariant repair: opening must not precede publication.
	if pub != nil && open != nil && open.Before(*pub) {
		repaired := open.AddDate(0, 0, -30)
		pub = &repaired
		metadata["reason"] = "date_order_violation"
		warnings = append(warnings, "date_order_violation: publication_date repaired to opening_date - 30d")
	}

	// Years outside the window are non-ingestable.
	for _, d := range []*time.Time{pub, open} {
		if d == nil {
			continue
		}
		if ok, reason := ValidateRange(*d); !ok {
			return nil, append(warnings, "flagged_year: "+reason), &SkipError{Reason: reason}
		}
	}

	now := r.Clock()
	lic := &models.Licitacion{
		Title:             title,
		Organization:      normalizeSpace(raw.Organization),
		Fuente:            fuente,
		Jurisdiccion:      normalizeSpace(raw.Jurisdiccion),
		Rubro:             normalizeSpace(raw.Rubro),
		TipoProcedimiento: normalizeSpace(raw.TipoProcedimiento),
		Description:       strings.TrimSpace(raw.Description),
		PublicationDate:   pub,
		OpeningDate:       open,
		ExpedientNumber:   normalizeKey(raw.ExpedientNumber),
		LicitacionNumber:  normalizeKey(raw.LicitacionNumber),
		AttachedFiles:     dedupFiles(raw.AttachedFiles),
		WorkflowState:     models.WorkflowDescubierta,
		EnrichmentLevel:   LevelListing,
		SourceURLs:        map[string]string{},
		FechaScraping:     now,
	}
	if len(metadata) > 0 {
		lic.Metadata = metadata
	}

	if raw.BudgetText != "" {
		if amount, currency, ok := ParseBudget(raw.BudgetText); ok {
			lic.Budget = &amount
			lic.Currency = currency
		}
	}

	if raw.SourceURL != "" {
		lic.SourceURLs[fuente] = raw.SourceURL
		lic.CanonicalURL = raw.SourceURL
		lic.URLQuality = raw.URLQuality
		if lic.URLQuality == "" {
			lic.URLQuality = models.URLPartial
		}
	} else {
		lic.URLQuality = models.URLPartial
	}

	lic.ContentHash = ContentHash(title, fuente, pub)
	lic.Estado = ComputeEstado(pub, open, nil, now)

	return lic, warnings, nil
}

// resolvePublication runs the publication-date priority chain. The first
// source yielding a valid date wins; "now" is never a fallback.
func (r *Resolver) resolvePublication(raw RawRecord) (*time.Time, []string) {
	var warnings []string

	if raw.PublicationDate != nil {
		return raw.PublicationDate, nil
	}
	if raw.RawPublication != "" {
		if t, ok := ParseDate(raw.RawPublication); ok {
			return &t, warnings
		}
	}
	if t, ok := ParseDate(raw.Title); ok {
		return &t, warnings
	}
	if desc := head(raw.Description, 500); desc != "" {
		if t, ok := ExtractDateForLabel(desc, "fecha de publicación", "fecha de publicacion", "publicado el", "publicado"); ok {
			return &t, warnings
		}
		// A raw scan would mistake "Apertura: …" dates for publication;
		// mask those segments before falling back.
		if t, ok := ParseDate(maskOpeningDates(desc)); ok {
			return &t, warnings
		}
	}
	if y, ok := ExtractYear(raw.Title); ok {
		t := time.Date(y, 1, 1, 0, 0, 0, 0, ArgentinaTZ)
		warnings = append(warnings, "publication_date has year-only precision")
		return &t, warnings
	}
	if y, ok := ExtractYear(raw.Description); ok {
		t := time.Date(y, 1, 1, 0, 0, 0, 0, ArgentinaTZ)
		warnings = append(warnings, "publication_date has year-only precision")
		return &t, warnings
	}
	if raw.OpeningDate != nil {
		t := raw.OpeningDate.AddDate(0, 0, -30)
		if ok, _ := ValidateRange(t); ok {
			warnings = append(warnings, "publication_date estimated from opening_date - 30d")
			return &t, warnings
		}
	}
	for _, f := range raw.AttachedFiles {
		if t, ok := ParseDate(f.Filename); ok {
			return &t, warnings
		}
	}
	return nil, warnings
}

// resolveOpening runs the opening-date chain: adapter value, "Apertura"
// label in the description, publication + 45d estimate, filename scan, null.
func (r *Resolver) resolveOpening(raw RawRecord, pub *time.Time) (*time.Time, []string) {
	var warnings []string

	if raw.OpeningDate != nil {
		return raw.OpeningDate, nil
	}
	if raw.RawOpening != "" {
		if t, ok := ParseDate(raw.RawOpening); ok {
			return &t, warnings
		}
	}
	if t, ok := ExtractDateForLabel(raw.Description, "fecha de apertura", "apertura"); ok {
		return &t, warnings
	}
	if t, ok := ExtractDateForLabel(raw.Title, "apertura"); ok {
		return &t, warnings
	}
	if pub != nil {
		t := pub.AddDate(0, 0, 45)
		if ok, _ := ValidateRange(t); ok {
			warnings = append(warnings, "opening_date estimated from publication_date + 45d")
			return &t, warnings
		}
	}
	for _, f := range raw.AttachedFiles {
		if strings.Contains(strings.ToLower(f.Filename), "apertura") {
			if t, ok := ParseDate(f.Filename); ok {
				return &t, warnings
			}
		}
	}
	return nil, warnings
}

// archiveYear: anything published before this calendar year is historical.
// The comparison is on the year, not an instant, so a publication date
// stored at UTC midnight does not shift into the previous year in ART.
const archiveYear = 2025

// ComputeEstado is a pure function of the three date fields and today.
// Nothing else may write estado.
func ComputeEstado(pub, open, prorroga *time.Time, today time.Time) models.Estado {
	if pub != nil && pub.Year() < archiveYear {
		return models.EstadoArchivada
	}
	if open != nil && open.Before(today) {
		if prorroga != nil && prorroga.After(today) {
			return models.EstadoProrrogada
		}
		return models.EstadoVencida
	}
	return models.EstadoVigente
}

// ContentHash fingerprints (title, fuente, publication day). Descriptions
// and budgets churn between fetches; these three fields do not.
func ContentHash(title, fuente string, pub *time.Time) string {
	day := "unknown"
	if pub != nil {
		day = pub.Format("20060102")
	}
	payload := fmt.Sprintf("%s|%s|%s", strings.ToLower(normalizeSpace(title)), fuente, day)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// QualityRank orders URL qualities for canonical selection.
func QualityRank(q models.URLQuality) int {
	switch q {
	case models.URLDirect:
		return 3
	case models.URLProxy:
		return 2
	case models.URLPartial:
		return 1
	default:
		return 0
	}
}

var openingLabelRe = regexp.MustCompile(`(?i)(fecha de apertura|apertura|cierre|vencimiento|pr[oó]rroga)[:\s][^.;\n]{0,40}`)

// maskOpeningDates blanks out apertura/cierre-labeled segments so a generic
// date scan cannot misread them as the publication date.
func maskOpeningDates(s string) string {
	return openingLabelRe.ReplaceAllString(s, " ")
}

func normalizeKey(s string) string {
	return strings.ToUpper(normalizeSpace(s))
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func dedupFiles(files []models.AttachedFile) []models.AttachedFile {
	if len(files) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(files))
	out := make([]models.AttachedFile, 0, len(files))
	for _, f := range files {
		if f.URL == "" {
			continue
		}
		if _, ok := seen[f.URL]; ok {
			continue
		}
		seen[f.URL] = struct{}{}
		out = append(out, f)
	}
	return out
}
