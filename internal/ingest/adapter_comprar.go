package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/matiasb/licitar/internal/httpx"
	"github.com/matiasb/licitar/internal/models"
)

// ComprarAdapter reads COMPRAR-style procurement portals, which expose a
// paginated JSON listing of procesos. These are the best-behaved sources:
// structured fields, stable per-process detail URLs.
type ComprarAdapter struct{}

func (a *ComprarAdapter) Name() string       { return "comprar" }
func (a *ComprarAdapter) Category() Category { return CategoryLight }

type comprarProceso struct {
	ID               string `json:"id"`
	Numero           string `json:"numero_proceso"`
	Expediente       string `json:"numero_expediente"`
	Nombre           string `json:"nombre"`
	Descripcion      string `json:"descripcion"`
	UnidadEjecutora  string `json:"unidad_ejecutora"`
	Rubro            string `json:"rubro"`
	Procedimiento    string `json:"tipo_procedimiento"`
	FechaPublicacion string `json:"fecha_publicacion"`
	FechaApertura    string `json:"fecha_apertura"`
	MontoEstimado    string `json:"monto_estimado"`
	Moneda           string `json:"moneda"`
	URLDetalle       string `json:"url_detalle"`
	Pliegos          []struct {
		Nombre string `json:"nombre"`
		URL    string `json:"url"`
	} `json:"pliegos"`
}

type comprarPage struct {
	Procesos   []comprarProceso `json:"procesos"`
	Page       int              `json:"page"`
	TotalPages int              `json:"total_pages"`
}

func (a *ComprarAdapter) Run(ctx context.Context, cfg models.ScraperConfig, client *httpx.Client, emit EmitFunc) error {
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 20
	}

	for page := 1; page <= maxPages; page++ {
		pageURL, err := withPageParam(cfg.URL, page)
		if err != nil {
			return err
		}
		resp, err := client.Fetch(ctx, httpx.Request{
			URL:     pageURL,
			Timeout: a.Category().Timeout(),
		})
		if err != nil {
			return err
		}

		var body comprarPage
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			return &httpx.FetchError{Kind: httpx.KindDecoding, URL: pageURL, Err: err}
		}
		if len(body.Procesos) == 0 {
			return nil
		}

		for _, p := range body.Procesos {
			rec := RawRecord{
				Title:             p.Nombre,
				Organization:      p.UnidadEjecutora,
				Jurisdiccion:      cfg.Jurisdiccion,
				Rubro:             p.Rubro,
				TipoProcedimiento: p.Procedimiento,
				Description:       p.Descripcion,
				RawPublication:    p.FechaPublicacion,
				RawOpening:        p.FechaApertura,
				BudgetText:        budgetWithCurrency(p.MontoEstimado, p.Moneda),
				ExpedientNumber:   p.Expediente,
				LicitacionNumber:  p.Numero,
				SourceURL:         resolveRef(cfg.URL, p.URLDetalle),
				URLQuality:        models.URLDirect,
			}
			if rec.SourceURL == "" {
				rec.SourceURL = cfg.URL
				rec.URLQuality = models.URLPartial
			}
			for _, pl := range p.Pliegos {
				rec.AttachedFiles = append(rec.AttachedFiles, models.AttachedFile{
					Filename: pl.Nombre,
					URL:      resolveRef(cfg.URL, pl.URL),
				})
			}
			if err := emit(rec); err != nil {
				return err
			}
		}

		if body.TotalPages > 0 && page >= body.TotalPages {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return nil
}

func withPageParam(rawURL string, page int) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid scraper URL %q: %w", rawURL, err)
	}
	q := u.Query()
	q.Set("page", fmt.Sprintf("%d", page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// resolveRef absolutizes a possibly-relative href against the listing URL.
func resolveRef(base, ref string) string {
	if ref == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return b.ResolveReference(r).String()
}

func budgetWithCurrency(amount, currency string) string {
	if amount == "" {
		return ""
	}
	if currency == "" {
		return amount
	}
	return currency + " " + amount
}
