package api

import (
	"crypto/rand"
	"encoding/base64"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/matiasb/licitar/internal/auth"
	"github.com/matiasb/licitar/internal/config"
	"github.com/matiasb/licitar/internal/db"
	"github.com/matiasb/licitar/internal/httpx"
	"github.com/matiasb/licitar/internal/ingest"
	"github.com/matiasb/licitar/internal/models"
	"github.com/matiasb/licitar/internal/scheduler"
	"github.com/shopspring/decimal"
)

type Server struct {
	Store     *db.Store
	Scheduler *scheduler.Scheduler
	Client    *httpx.Client
	Echo      *echo.Echo
	cfg       config.Config
}

var (
	adminSecretOnce    sync.Once
	adminSecretRuntime string
)

func NewServer(cfg config.Config, store *db.Store, sched *scheduler.Scheduler, client *httpx.Client) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	allowedOrigins := []string{"http://localhost:4200"}
	if cfg.CORSOrigins != "" {
		for _, o := range strings.Split(cfg.CORSOrigins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				allowedOrigins = append(allowedOrigins, o)
			}
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "X-Admin-Secret"},
	}))

	s := &Server{
		Store:     store,
		Scheduler: sched,
		Client:    client,
		Echo:      e,
		cfg:       cfg,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Echo.GET("/health", s.handleHealth)

	api := s.Echo.Group("/api/v1")
	api.GET("/licitaciones", s.handleListLicitaciones)
	api.GET("/licitaciones/vigentes", s.handleVigentes)
	api.GET("/licitaciones/:id", s.handleGetLicitacion)
	api.GET("/licitaciones/:id/goto", s.handleGoto)
	api.GET("/licitaciones/:id/urls", s.handleListURLs)
	api.GET("/facets", s.handleFacets)
	api.GET("/filters/:dimension", s.handleDistinct)
	api.GET("/stats", s.handleStats)

	// User routes: workflow tracking and favorites.
	user := api.Group("")
	user.Use(auth.Middleware(s.cfg.JWTSecret))
	user.PATCH("/licitaciones/:id/workflow", s.handleSetWorkflow)
	user.POST("/favoritos/:id", s.handleAddFavorite)
	user.DELETE("/favoritos/:id", s.handleRemoveFavorite)
	user.GET("/favoritos", s.handleListFavorites)

	// Admin routes: scraper operations.
	admin := api.Group("/admin")
	admin.Use(s.adminMiddleware)
	admin.GET("/scrapers", s.handleListScrapers)
	admin.POST("/scrapers/:name/trigger", s.handleTriggerScraper)
	admin.POST("/scrapers/:name/cancel", s.handleCancelScraper)
	admin.POST("/scrapers/:name/reactivate", s.handleReactivateScraper)
	admin.GET("/runs", s.handleListRuns)
	admin.GET("/runs/:id/logs", s.handleRunLogs)
	admin.GET("/scheduler/status", s.handleSchedulerStatus)
	admin.POST("/scheduler/start", s.handleSchedulerStart)
	admin.POST("/scheduler/stop", s.handleSchedulerStop)
	admin.POST("/recompute-estados", s.handleRecomputeEstados)
	admin.POST("/licitaciones/deduplicate", s.handleDeduplicate)
	admin.POST("/enrich", s.handleEnrichBatch)
	admin.DELETE("/licitaciones/:id", s.handleDeleteLicitacion)
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()

	count, err := s.Store.CountLicitaciones(ctx)
	if err != nil {
		log.Printf("[api] health: %v", err)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
	}

	active := 0
	if states, err := s.Store.ListScraperStates(ctx); err == nil {
		for _, st := range states {
			if st.Active {
				active++
			}
		}
	}

	schedulerStatus := "running"
	if s.Scheduler.Suspended() {
		schedulerStatus = "suspended"
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":             "healthy",
		"licitaciones_count": count,
		"active_scrapers":    active,
		"scheduler":          schedulerStatus,
		"scheduled_jobs":     len(s.Scheduler.Configs()),
	})
}

// fuenteNames is the configured source list, for smart-search promotion.
func (s *Server) fuenteNames() []string {
	configs := s.Scheduler.Configs()
	names := make([]string, 0, len(configs))
	for _, cfg := range configs {
		names = append(names, cfg.Name)
	}
	return names
}

func (s *Server) handleListLicitaciones(c echo.Context) error {
	params, err := listParamsFromRequest(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	autoFilters := applySmartFilters(&params, s.fuenteNames())

	result, err := s.Store.ListLicitaciones(c.Request().Context(), params)
	if err != nil {
		log.Printf("[api] list licitaciones: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
	}

	payload := map[string]interface{}{
		"licitaciones": result.Licitaciones,
		"total":        result.Total,
		"limit":        result.Limit,
		"offset":       result.Offset,
	}
	if len(autoFilters) > 0 {
		payload["auto_filters"] = autoFilters
	}
	return c.JSON(http.StatusOK, payload)
}

func listParamsFromRequest(c echo.Context) (db.ListParams, error) {
	params := db.ListParams{
		Query:             c.QueryParam("q"),
		Estado:            c.QueryParam("estado"),
		Jurisdiccion:      c.QueryParam("jurisdiccion"),
		Fuente:            c.QueryParam("fuente"),
		Rubro:             c.QueryParam("rubro"),
		TipoProcedimiento: c.QueryParam("tipo_procedimiento"),
		WorkflowState:     c.QueryParam("workflow_state"),
		Organization:      c.QueryParam("organization"),
		Nodo:              c.QueryParam("nodo"),
		FuenteExclude:     c.QueryParam("fuente_exclude"),
		SortBy:            c.QueryParam("sort"),
		SortOrder:         c.QueryParam("sort_order"),
		DateField:         c.QueryParam("fecha_campo"),
		OnlyWithBudget:    c.QueryParam("con_presupuesto") == "true",
		OnlyNational:      c.QueryParam("only_national") == "true",
	}
	params.Year, _ = strconv.Atoi(c.QueryParam("year"))

	var err error
	if params.NuevasDesde, err = timeParam(c, "nuevas_desde"); err != nil {
		return params, err
	}
	if params.PublishedFrom, err = dateParam(c, "published_from"); err != nil {
		return params, err
	}
	if params.PublishedTo, err = dateParam(c, "published_to"); err != nil {
		return params, err
	}
	if params.OpeningFrom, err = dateParam(c, "opening_from"); err != nil {
		return params, err
	}
	if params.OpeningTo, err = dateParam(c, "opening_to"); err != nil {
		return params, err
	}
	if params.DateFrom, err = dateParam(c, "fecha_desde"); err != nil {
		return params, err
	}
	if params.DateTo, err = dateParam(c, "fecha_hasta"); err != nil {
		return params, err
	}
	if params.MinBudget, err = decimalParam(c, "min_budget"); err != nil {
		return params, err
	}
	if params.MaxBudget, err = decimalParam(c, "max_budget"); err != nil {
		return params, err
	}

	params.Limit, _ = strconv.Atoi(c.QueryParam("limit"))
	params.Offset, _ = strconv.Atoi(c.QueryParam("offset"))
	return params, nil
}

func dateParam(c echo.Context, name string) (*time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, name+" must be YYYY-MM-DD")
	}
	return &t, nil
}

// timeParam accepts a full timestamp or a bare date.
func timeParam(c echo.Context, name string) (*time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, name+" must be RFC3339 or YYYY-MM-DD")
	}
	return &t, nil
}

func decimalParam(c echo.Context, name string) (*decimal.Decimal, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, name+" must be numeric")
	}
	return &d, nil
}

// handleVigentes is the landing-page list: open tenders only, soonest
// opening first.
func (s *Server) handleVigentes(c echo.Context) error {
	params, err := listParamsFromRequest(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	params.VigentesOnly = true
	params.SortBy = "opening_date"
	params.SortOrder = "asc"

	result, err := s.Store.ListLicitaciones(c.Request().Context(), params)
	if err != nil {
		log.Printf("[api] list vigentes: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleListURLs(c echo.Context) error {
	lic, err := s.Store.GetLicitacion(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
	}
	if lic == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"canonical_url": lic.CanonicalURL,
		"url_quality":   lic.URLQuality,
		"source_urls":   lic.SourceURLs,
	})
}

func (s *Server) handleGetLicitacion(c echo.Context) error {
	lic, err := s.Store.GetLicitacion(c.Request().Context(), c.Param("id"))
	if err != nil {
		log.Printf("[api] get licitacion: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
	}
	if lic == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	}
	return c.JSON(http.StatusOK, lic)
}

// handleGoto routes the reader to the best link we have. Direct URLs get a
// plain redirect. Proxy-quality records need their portal's form POST
// replayed server-side; the resulting HTML is returned as the response.
// Partial records redirect to the listing page they were seen on.
func (s *Server) handleGoto(c echo.Context) error {
	ctx := c.Request().Context()
	lic, err := s.Store.GetLicitacion(ctx, c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
	}
	if lic == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	}
	if lic.CanonicalURL == "" {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no source link available"})
	}

	if lic.URLQuality != models.URLProxy {
		return c.Redirect(http.StatusFound, lic.CanonicalURL)
	}

	target, _ := lic.Metadata["postback_target"].(string)
	argument, _ := lic.Metadata["postback_argument"].(string)
	if target == "" {
		return c.Redirect(http.StatusFound, lic.CanonicalURL)
	}

	form := url.Values{}
	form.Set("__EVENTTARGET", target)
	form.Set("__EVENTARGUMENT", argument)
	resp, err := s.Client.Fetch(ctx, httpx.Request{
		Method: http.MethodPost,
		URL:    lic.CanonicalURL,
		Header: http.Header{"Content-Type": {"application/x-www-form-urlencoded"}},
		Body:   []byte(form.Encode()),
	})
	if err != nil {
		log.Printf("[api] proxy replay for %s: %v", lic.ID, err)
		return c.Redirect(http.StatusFound, lic.CanonicalURL)
	}
	return c.HTMLBlob(http.StatusOK, resp.Body)
}

func (s *Server) handleFacets(c echo.Context) error {
	params, err := listParamsFromRequest(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	applySmartFilters(&params, s.fuenteNames())

	facets, err := s.Store.GetFacets(c.Request().Context(), params)
	if err != nil {
		log.Printf("[api] facets: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
	}
	return c.JSON(http.StatusOK, facets)
}

func (s *Server) handleDistinct(c echo.Context) error {
	values, err := s.Store.Distinct(c.Request().Context(), c.Param("dimension"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"values": values})
}

func (s *Server) handleStats(c echo.Context) error {
	summary, err := s.Store.EstadoDistribution(c.Request().Context())
	if err != nil {
		log.Printf("[api] stats: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
	}
	return c.JSON(http.StatusOK, summary)
}

func (s *Server) handleSetWorkflow(c echo.Context) error {
	var req struct {
		WorkflowState string `json:"workflow_state"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	state := models.WorkflowState(req.WorkflowState)
	switch state {
	case models.WorkflowDescubierta, models.WorkflowEvaluando, models.WorkflowPreparando,
		models.WorkflowPresentada, models.WorkflowDescartada:
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown workflow state"})
	}

	if err := s.Store.SetWorkflowState(c.Request().Context(), c.Param("id"), state); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	}
	return c.JSON(http.StatusOK, map[string]string{"workflow_state": string(state)})
}

func (s *Server) handleAddFavorite(c echo.Context) error {
	userID, err := auth.UserID(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized)
	}
	if err := s.Store.AddFavorite(c.Request().Context(), userID, c.Param("id")); err != nil {
		log.Printf("[api] add favorite: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "save failed"})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleRemoveFavorite(c echo.Context) error {
	userID, err := auth.UserID(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized)
	}
	if err := s.Store.RemoveFavorite(c.Request().Context(), userID, c.Param("id")); err != nil {
		log.Printf("[api] remove favorite: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "delete failed"})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListFavorites(c echo.Context) error {
	userID, err := auth.UserID(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized)
	}
	params, err := listParamsFromRequest(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	params.FavoritesOf = userID

	result, err := s.Store.ListLicitaciones(c.Request().Context(), params)
	if err != nil {
		log.Printf("[api] list favorites: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleListScrapers(c echo.Context) error {
	reports, err := s.Scheduler.HealthReports(c.Request().Context())
	if err != nil {
		log.Printf("[api] scraper health: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"scrapers": s.Scheduler.Configs(),
		"health":   reports,
	})
}

func (s *Server) handleTriggerScraper(c echo.Context) error {
	if err := s.Scheduler.Trigger(c.Request().Context(), c.Param("name")); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) handleCancelScraper(c echo.Context) error {
	if !s.Scheduler.Cancel(c.Param("name")) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no run in progress"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleReactivateScraper(c echo.Context) error {
	if err := s.Scheduler.Reactivate(c.Request().Context(), c.Param("name")); err != nil {
		log.Printf("[api] reactivate: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "reactivate failed"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "reactivated"})
}

func (s *Server) handleListRuns(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	runs, err := s.Store.ListRuns(c.Request().Context(), c.QueryParam("scraper"), limit)
	if err != nil {
		log.Printf("[api] list runs: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) handleRunLogs(c echo.Context) error {
	run, err := s.Store.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		log.Printf("[api] run logs: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
	}
	if run == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"id":           run.ID,
		"scraper_name": run.ScraperName,
		"status":       run.Status,
		"logs":         run.Logs,
		"warnings":     run.Warnings,
		"errors":       run.Errors,
	})
}

func (s *Server) handleSchedulerStatus(c echo.Context) error {
	states, err := s.Store.ListScraperStates(c.Request().Context())
	if err != nil {
		log.Printf("[api] scheduler status: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
	}
	status := "running"
	if s.Scheduler.Suspended() {
		status = "suspended"
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":   status,
		"running":  s.Scheduler.Running(),
		"jobs":     len(s.Scheduler.Configs()),
		"scrapers": states,
	})
}

func (s *Server) handleSchedulerStart(c echo.Context) error {
	s.Scheduler.Resume()
	return c.JSON(http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) handleSchedulerStop(c echo.Context) error {
	s.Scheduler.Suspend()
	return c.JSON(http.StatusOK, map[string]string{"status": "suspended"})
}

// handleDeduplicate runs the merge sweep over one jurisdiction's recent
// corpus: survivors are re-persisted with merged fields, absorbed records are
// soft-deleted.
func (s *Server) handleDeduplicate(c echo.Context) error {
	jurisdiccion := c.QueryParam("jurisdiccion")
	if jurisdiccion == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "jurisdiccion is required"})
	}
	ctx := c.Request().Context()

	candidates, err := s.Store.Candidates(ctx, jurisdiccion)
	if err != nil {
		log.Printf("[api] dedup sweep: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
	}

	result := ingest.NewDeduper().Sweep(candidates)
	if len(result.Survivors) > 0 {
		if _, _, err := s.Store.UpsertBatch(ctx, result.Survivors); err != nil {
			log.Printf("[api] persisting dedup survivors: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "save failed"})
		}
	}
	for _, id := range result.Absorbed {
		if err := s.Store.SoftDelete(ctx, id); err != nil {
			log.Printf("[api] soft-deleting absorbed %s: %v", id, err)
		}
	}
	return c.JSON(http.StatusOK, map[string]int{
		"examined": len(candidates),
		"merged":   len(result.Absorbed),
	})
}

func (s *Server) handleRecomputeEstados(c echo.Context) error {
	now := time.Now()
	changed, err := s.Store.RecomputeEstados(c.Request().Context(),
		func(pub, open, prorroga *time.Time) models.Estado {
			return ingest.ComputeEstado(pub, open, prorroga, now)
		})
	if err != nil {
		log.Printf("[api] recompute estados: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "recompute failed"})
	}
	return c.JSON(http.StatusOK, map[string]int{"changed": changed})
}

// handleEnrichBatch upgrades a batch of records with detail-page and pliego
// data. Synchronous on purpose: batches are small and the caller wants the
// outcome.
func (s *Server) handleEnrichBatch(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	result, err := ingest.NewEnricher(s.Client).EnrichBatch(c.Request().Context(), s.Store, limit)
	if err != nil {
		log.Printf("[api] enrich batch: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "enrich failed"})
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleDeleteLicitacion(c echo.Context) error {
	if err := s.Store.SoftDelete(c.Request().Context(), c.Param("id")); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	}
	return c.NoContent(http.StatusNoContent)
}

// adminMiddleware guards operational endpoints with a shared secret. When
// ADMIN_SECRET is unset a random one is generated and logged at boot.
func (s *Server) adminMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		secret := adminSecret()
		if c.Request().Header.Get("X-Admin-Secret") != secret {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid admin secret")
		}
		return next(c)
	}
}

func adminSecret() string {
	adminSecretOnce.Do(func() {
		adminSecretRuntime = os.Getenv("ADMIN_SECRET")
		if adminSecretRuntime == "" {
			buf := make([]byte, 24)
			if _, err := rand.Read(buf); err != nil {
				log.Fatalf("generating admin secret: %v", err)
			}
			adminSecretRuntime = base64.RawURLEncoding.EncodeToString(buf)
			log.Printf("ADMIN_SECRET not set; generated for this process: %s", adminSecretRuntime)
		}
	})
	return adminSecretRuntime
}

func (s *Server) Start(port string) error {
	return s.Echo.Start(":" + port)
}
