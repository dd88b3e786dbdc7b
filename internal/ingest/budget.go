package ingest

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// maxPlausibleBudget guards against OCR/typo garbage; anything above is
// discarded rather than stored.
var maxPlausibleBudget = decimal.New(1, 12) // 1e12 ARS

var budgetNumberRe = regexp.MustCompile(`\$?\s*([\d]{1,3}(?:\.[\d]{3})+(?:,\d{1,2})?|[\d]+(?:,\d{1,2})?)`)

var currencyWords = map[string]string{
	"usd": "USD", "u$s": "USD", "dólares": "USD", "dolares": "USD",
	"eur": "EUR", "euros": "EUR",
	"ars": "ARS", "pesos": "ARS",
}

// ParseBudget parses an Argentine-notation amount ("$1.234.567,89") with an
// optional currency word. Returns the amount, the ISO currency (ARS when
// unstated) and whether a plausible amount was found.
func ParseBudget(text string) (decimal.Decimal, string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return decimal.Zero, "", false
	}

	currency := "ARS"
	lower := strings.ToLower(text)
	for word, iso := range currencyWords {
		if strings.Contains(lower, word) {
			currency = iso
			break
		}
	}

	m := budgetNumberRe.FindStringSubmatch(text)
	if m == nil {
		return decimal.Zero, "", false
	}

	// Argentine notation: dots are thousands separators, comma is decimal.
	normalized := strings.ReplaceAll(m[1], ".", "")
	normalized = strings.ReplaceAll(normalized, ",", ".")

	amount, err := decimal.NewFromString(normalized)
	if err != nil || amount.Sign() <= 0 {
		return decimal.Zero, "", false
	}
	if amount.GreaterThan(maxPlausibleBudget) {
		return decimal.Zero, "", false
	}
	return amount, currency, true
}
