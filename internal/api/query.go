package api

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/matiasb/licitar/internal/db"
)

// Known jurisdiction spellings, lowercase and accent-free, mapped to their
// canonical names.
var jurisdictionWords = map[string]string{
	"mendoza":  "Mendoza",
	"san juan": "San Juan",
	"sanjuan":  "San Juan",
	"san luis": "San Luis",
	"sanluis":  "San Luis",
	"la pampa": "La Pampa",
	"neuquen":  "Neuquén",
	"nacion":   "Nación",
	"nacional": "Nación",
}

var estadoWords = map[string]string{
	"vigente": "vigente", "vigentes": "vigente",
	"vencida": "vencida", "vencidas": "vencida",
	"prorrogada": "prorrogada", "prorrogadas": "prorrogada",
	"archivada": "archivada", "archivadas": "archivada",
}

var yearWordRe = regexp.MustCompile(`\b(20[2-3][0-9])\b`)

// applySmartFilters pulls filter-like words out of a free-text query and
// promotes them to structured filters: "obras vigentes mendoza 2025" becomes
// q="obras" + estado=vigente + jurisdiccion=Mendoza + year=2025. fuentes is
// the set of configured source names, matched as whole words. Explicit
// filters always win over inferred ones. Returns the filters it applied, for
// the response.
func applySmartFilters(params *db.ListParams, fuentes []string) map[string]string {
	if params.Query == "" {
		return nil
	}

	applied := map[string]string{}
	normalized := " " + foldQuery(params.Query) + " "

	if params.Year == 0 {
		if m := yearWordRe.FindString(normalized); m != "" {
			params.Year, _ = strconv.Atoi(m)
			applied["year"] = m
			normalized = strings.Replace(normalized, " "+m+" ", " ", 1)
		}
	}
	if params.Fuente == "" {
		for _, name := range fuentes {
			word := foldQuery(name)
			if word != "" && strings.Contains(normalized, " "+word+" ") {
				params.Fuente = name
				applied["fuente"] = name
				normalized = strings.Replace(normalized, " "+word+" ", " ", 1)
				break
			}
		}
	}
	if params.Jurisdiccion == "" {
		for word, canonical := range jurisdictionWords {
			if strings.Contains(normalized, " "+word+" ") {
				params.Jurisdiccion = canonical
				applied["jurisdiccion"] = canonical
				normalized = strings.Replace(normalized, " "+word+" ", " ", 1)
				break
			}
		}
	}
	if params.Estado == "" {
		for word, canonical := range estadoWords {
			if strings.Contains(normalized, " "+word+" ") {
				params.Estado = canonical
				applied["estado"] = canonical
				normalized = strings.Replace(normalized, " "+word+" ", " ", 1)
				break
			}
		}
	}
	if strings.Contains(normalized, " con presupuesto ") {
		params.OnlyWithBudget = true
		applied["only_with_budget"] = "true"
		normalized = strings.Replace(normalized, " con presupuesto ", " ", 1)
	}

	if len(applied) > 0 {
		params.Query = strings.TrimSpace(normalized)
	}
	return applied
}

var queryFolder = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ñ", "n",
	"Á", "a", "É", "e", "Í", "i", "Ó", "o", "Ú", "u", "Ñ", "n",
)

func foldQuery(q string) string {
	return queryFolder.Replace(strings.ToLower(strings.Join(strings.Fields(q), " ")))
}
