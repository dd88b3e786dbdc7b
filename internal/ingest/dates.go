package ingest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Argentine government portals publish dates in a handful of local formats.
// Everything in this file is pure; callers inject "today" where relevance to
// the current date matters.

const (
	// MinYear..MaxYear bound the ingestable window. Anything outside is
	// either a typo or an archived process we do not track.
	MinYear = 2024
	MaxYear = 2027
)

// ArgentinaTZ is used for locale-dependent day boundaries.
var ArgentinaTZ = func() *time.Location {
	loc, err := time.LoadLocation("America/Argentina/Mendoza")
	if err != nil {
		return time.FixedZone("-03", -3*3600)
	}
	return loc
}()

var spanishMonths = map[string]time.Month{
	"enero": time.January, "febrero": time.February, "marzo": time.March,
	"abril": time.April, "mayo": time.May, "junio": time.June,
	"julio": time.July, "agosto": time.August, "septiembre": time.September,
	"setiembre": time.September, "octubre": time.October,
	"noviembre": time.November, "diciembre": time.December,
	"ene": time.January, "feb": time.February, "mar": time.March,
	"abr": time.April, "may": time.May, "jun": time.June, "jul": time.July,
	"ago": time.August, "sep": time.September, "set": time.September,
	"oct": time.October, "nov": time.November, "dic": time.December,
}

var (
	dmySlashRe   = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)
	dmyDashRe    = regexp.MustCompile(`\b(\d{1,2})-(\d{1,2})-(\d{4})\b`)
	isoRe        = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	dmyShortRe   = regexp.MustCompile(`\b(\d{1,2})[/-](\d{1,2})[/-](\d{2})\b`)
	spanishLongRe = regexp.MustCompile(`(?i)\b(\d{1,2})\s+de\s+([a-záéíóúñ]+)\s+(?:de|del)\s+(\d{4})\b`)
)

// ParseDate parses one date out of text. It tolerates Spanish month names,
// DD/MM/YYYY, YYYY-MM-DD, DD-MM-YY and "Publicado el D de mes de YYYY".
// Two-digit years 24..27 map into 2024..2027; 28+ is rejected. The returned
// time is midnight in the Argentine zone.
func ParseDate(text string) (time.Time, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, false
	}

	if m := isoRe.FindStringSubmatch(text); m != nil {
		return makeDate(atoi(m[1]), atoi(m[2]), atoi(m[3]))
	}
	if m := dmySlashRe.FindStringSubmatch(text); m != nil {
		return makeDate(atoi(m[3]), atoi(m[2]), atoi(m[1]))
	}
	if m := dmyDashRe.FindStringSubmatch(text); m != nil {
		return makeDate(atoi(m[3]), atoi(m[2]), atoi(m[1]))
	}
	if m := spanishLongRe.FindStringSubmatch(text); m != nil {
		month, ok := spanishMonths[strings.ToLower(m[2])]
		if !ok {
			return time.Time{}, false
		}
		return makeDate(atoi(m[3]), int(month), atoi(m[1]))
	}
	if m := dmyShortRe.FindStringSubmatch(text); m != nil {
		yy := atoi(m[3])
		if yy < MinYear-2000 || yy > MaxYear-2000 {
			return time.Time{}, false
		}
		return makeDate(2000+yy, atoi(m[2]), atoi(m[1]))
	}
	return time.Time{}, false
}

func makeDate(year, month, day int) (time.Time, bool) {
	if year < MinYear || year > MaxYear || month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, ArgentinaTZ)
	// Reject rollover (e.g. 31/02).
	if t.Day() != day || int(t.Month()) != month {
		return time.Time{}, false
	}
	return t, true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// yearPattern is one named source-specific extractor, tried before generics.
type yearPattern struct {
	name string
	re   *regexp.Regexp
}

var namedYearPatterns = []yearPattern{
	{"slash-year-dash", regexp.MustCompile(`/(\d{4})-`)},          // "EX-2025-..." style "/2026-"
	{"dash-year", regexp.MustCompile(`-(\d{4})\b`)},               // "-2024"
	{"decreto", regexp.MustCompile(`(?i)decreto\s+n?[º°o]?\s*\d+/(\d{4})`)},
	{"numero-barra", regexp.MustCompile(`(?i)n[º°o]?\s*\d+/(\d{4})\b`)}, // "Nº 45/2025"
	{"slash-short-year-end", regexp.MustCompile(`/(\d{2})$`)},     // "…/25"
}

var genericYearRe = regexp.MustCompile(`\b(20\d{2})\b`)

// ExtractYear scans text for a plausible process year. Named patterns win
// over the generic four-digit fallback; only years in the ingestable window
// are returned.
func ExtractYear(text string) (int, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}
	for _, p := range namedYearPatterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		y := atoi(m[1])
		if y < 100 {
			y += 2000
		}
		if y >= MinYear && y <= MaxYear {
			return y, true
		}
	}
	for _, m := range genericYearRe.FindAllString(text, -1) {
		y := atoi(m)
		if y >= MinYear && y <= MaxYear {
			return y, true
		}
	}
	return 0, false
}

var dateLabels = []string{
	"fecha de apertura", "apertura", "publicado el", "publicado",
	"fecha de publicación", "fecha de publicacion", "fecha límite",
	"fecha limite", "cierre", "vencimiento", "prórroga", "prorroga",
}

// ExtractDate scans text near publication/apertura labels and returns the
// first valid date found. With no label hit it falls back to a raw scan.
func ExtractDate(text string) (time.Time, bool) {
	lower := strings.ToLower(text)
	for _, label := range dateLabels {
		idx := strings.Index(lower, label)
		if idx < 0 {
			continue
		}
		window := text[idx:]
		if len(window) > 80 {
			window = window[:80]
		}
		if t, ok := ParseDate(window); ok {
			return t, true
		}
	}
	return ParseDate(text)
}

// ExtractDateForLabel is like ExtractDate but only honors the given labels,
// used by the opening-date chain ("Apertura: ...").
func ExtractDateForLabel(text string, labels ...string) (time.Time, bool) {
	lower := strings.ToLower(text)
	for _, label := range labels {
		idx := strings.Index(lower, strings.ToLower(label))
		if idx < 0 {
			continue
		}
		window := text[idx:]
		if len(window) > 80 {
			window = window[:80]
		}
		if t, ok := ParseDate(window); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// ValidateRange checks the year window invariant for one date.
func ValidateRange(t time.Time) (bool, string) {
	if t.IsZero() {
		return true, ""
	}
	if t.Year() < MinYear || t.Year() > MaxYear {
		return false, fmt.Sprintf("year %d outside [%d, %d]", t.Year(), MinYear, MaxYear)
	}
	return true, ""
}

// ValidateOrder checks opening >= publication when both are set.
func ValidateOrder(pub, open *time.Time) (bool, string) {
	if pub == nil || open == nil {
		return true, ""
	}
	if open.Before(*pub) {
		return false, "opening_date before publication_date"
	}
	return true, ""
}

// normalizeSpace collapses runs of whitespace and trims.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
