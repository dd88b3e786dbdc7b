package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/matiasb/licitar/internal/models"
	"github.com/shopspring/decimal"
)

type Store struct {
	pool *pgxpool.Pool

	facetCache    *ttlCache
	distinctCache *ttlCache
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:          pool,
		facetCache:    newTTLCache(5 * time.Minute),
		distinctCache: newTTLCache(30 * time.Minute),
	}
}

type ListParams struct {
	Query             string
	Estado            string
	Jurisdiccion      string
	Fuente            string
	Rubro             string
	TipoProcedimiento string
	WorkflowState     string
	Organization      string
	Nodo              string
	Year              int
	FuenteExclude     string
	NuevasDesde       *time.Time // first_seen_at cutoff, "new since" views
	OnlyNational      bool
	VigentesOnly      bool // estado vigente/prorrogada with a future opening
	PublishedFrom     *time.Time
	PublishedTo       *time.Time
	OpeningFrom       *time.Time
	OpeningTo         *time.Time
	MinBudget         *decimal.Decimal
	MaxBudget         *decimal.Decimal
	OnlyWithBudget    bool
	FavoritesOf       string // user id; restrict to their favorites
	IncludeDeleted    bool
	// DateField selects which date DateFrom/DateTo bound: publication_date
	// (default), opening_date or fecha_scraping.
	DateField string
	DateFrom  *time.Time
	DateTo    *time.Time
	SortBy    string // publication_date, opening_date, fecha_scraping, budget; relevance when empty with a query
	SortOrder string // "asc" or "desc"; empty takes the field's natural order
	Limit     int
	Offset    int
}

type ListResult struct {
	Licitaciones []models.Licitacion `json:"licitaciones"`
	Total        int                 `json:"total"`
	Limit        int                 `json:"limit"`
	Offset       int                 `json:"offset"`
}

// selectCols is the full column list shared by every licitaciones query.
// budget goes out as text so the decimal survives the round trip unscaled.
const selectCols = `id, title, organization, fuente, jurisdiccion, rubro,
	tipo_procedimiento, nodo, description, publication_date, opening_date,
	fecha_prorroga, estado, budget::text, currency, expedient_number,
	licitacion_number, canonical_url, source_urls, url_quality, content_hash,
	attached_files, workflow_state, enrichment_level, merged_from, is_merged,
	metadata, fecha_scraping, first_seen_at, created_at, updated_at, deleted_at`

func scanLicitacion(scan func(dest ...interface{}) error) (models.Licitacion, error) {
	var l models.Licitacion
	var budget *string
	var sourceURLs, attachedFiles, mergedFrom, metadata []byte

	err := scan(
		&l.ID, &l.Title, &l.Organization, &l.Fuente, &l.Jurisdiccion, &l.Rubro,
		&l.TipoProcedimiento, &l.Nodo, &l.Description, &l.PublicationDate, &l.OpeningDate,
		&l.FechaProrroga, &l.Estado, &budget, &l.Currency, &l.ExpedientNumber,
		&l.LicitacionNumber, &l.CanonicalURL, &sourceURLs, &l.URLQuality, &l.ContentHash,
		&attachedFiles, &l.WorkflowState, &l.EnrichmentLevel, &mergedFrom, &l.IsMerged,
		&metadata, &l.FechaScraping, &l.FirstSeenAt, &l.CreatedAt, &l.UpdatedAt, &l.DeletedAt,
	)
	if err != nil {
		return l, err
	}

	if budget != nil {
		if d, err := decimal.NewFromString(*budget); err == nil {
			l.Budget = &d
		}
	}
	if len(sourceURLs) > 0 {
		_ = json.Unmarshal(sourceURLs, &l.SourceURLs)
	}
	if len(attachedFiles) > 0 {
		_ = json.Unmarshal(attachedFiles, &l.AttachedFiles)
	}
	if len(mergedFrom) > 0 {
		_ = json.Unmarshal(mergedFrom, &l.MergedFrom)
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &l.Metadata)
	}
	return l, nil
}

// buildWhere assembles the WHERE clause for params. skipDimension leaves one
// filter out, which is how facet counts exclude their own dimension.
func buildWhere(params ListParams, skipDimension string) (string, []interface{}) {
	where := "WHERE 1=1"
	var args []interface{}
	argIdx := 1

	if !params.IncludeDeleted {
		where += " AND deleted_at IS NULL"
	}

	addEq := func(dimension, column, value string) {
		if value == "" || dimension == skipDimension {
			return
		}
		where += fmt.Sprintf(" AND %s = $%d", column, argIdx)
		args = append(args, value)
		argIdx++
	}

	addEq("estado", "estado", params.Estado)
	addEq("jurisdiccion", "jurisdiccion", params.Jurisdiccion)
	addEq("fuente", "fuente", params.Fuente)
	addEq("rubro", "rubro", params.Rubro)
	addEq("tipo_procedimiento", "tipo_procedimiento", params.TipoProcedimiento)
	addEq("workflow_state", "workflow_state", params.WorkflowState)
	addEq("nodo", "nodo", params.Nodo)

	if params.FuenteExclude != "" {
		where += fmt.Sprintf(" AND fuente <> $%d", argIdx)
		args = append(args, params.FuenteExclude)
		argIdx++
	}
	if params.Year > 0 {
		where += fmt.Sprintf(" AND EXTRACT(YEAR FROM publication_date) = $%d", argIdx)
		args = append(args, params.Year)
		argIdx++
	}
	if params.NuevasDesde != nil {
		where += fmt.Sprintf(" AND first_seen_at >= $%d", argIdx)
		args = append(args, *params.NuevasDesde)
		argIdx++
	}
	if params.OnlyNational {
		where += " AND jurisdiccion = 'Nación'"
	}
	if params.VigentesOnly {
		where += " AND estado IN ('vigente', 'prorrogada') AND opening_date >= CURRENT_DATE"
	}

	if params.Organization != "" && skipDimension != "organization" {
		where += fmt.Sprintf(" AND organization ILIKE $%d", argIdx)
		args = append(args, "%"+params.Organization+"%")
		argIdx++
	}

	if params.Query != "" {
		where += fmt.Sprintf(" AND search_vector @@ websearch_to_tsquery('spanish', $%d)", argIdx)
		args = append(args, params.Query)
		argIdx++
	}

	if params.PublishedFrom != nil {
		where += fmt.Sprintf(" AND publication_date >= $%d", argIdx)
		args = append(args, *params.PublishedFrom)
		argIdx++
	}
	if params.PublishedTo != nil {
		where += fmt.Sprintf(" AND publication_date <= $%d", argIdx)
		args = append(args, *params.PublishedTo)
		argIdx++
	}
	if params.OpeningFrom != nil {
		where += fmt.Sprintf(" AND opening_date >= $%d", argIdx)
		args = append(args, *params.OpeningFrom)
		argIdx++
	}
	if params.OpeningTo != nil {
		where += fmt.Sprintf(" AND opening_date <= $%d", argIdx)
		args = append(args, *params.OpeningTo)
		argIdx++
	}

	if params.DateFrom != nil || params.DateTo != nil {
		col, ok := dateFilterColumns[params.DateField]
		if !ok {
			col = "publication_date"
		}
		if params.DateFrom != nil {
			where += fmt.Sprintf(" AND %s >= $%d", col, argIdx)
			args = append(args, *params.DateFrom)
			argIdx++
		}
		if params.DateTo != nil {
			where += fmt.Sprintf(" AND %s <= $%d", col, argIdx)
			args = append(args, *params.DateTo)
			argIdx++
		}
	}

	if params.MinBudget != nil {
		where += fmt.Sprintf(" AND budget >= $%d", argIdx)
		args = append(args, params.MinBudget.String())
		argIdx++
	}
	if params.MaxBudget != nil {
		where += fmt.Sprintf(" AND budget <= $%d", argIdx)
		args = append(args, params.MaxBudget.String())
		argIdx++
	}
	if params.OnlyWithBudget {
		where += " AND budget IS NOT NULL"
	}

	if params.FavoritesOf != "" {
		where += fmt.Sprintf(" AND id IN (SELECT licitacion_id FROM favorites WHERE user_id = $%d)", argIdx)
		args = append(args, params.FavoritesOf)
		argIdx++
	}

	return where, args
}

// dateFilterColumns whitelists the fecha_campo values for DateFrom/DateTo.
var dateFilterColumns = map[string]string{
	"publication_date": "publication_date",
	"opening_date":     "opening_date",
	"fecha_scraping":   "fecha_scraping",
}

// sortColumns whitelists the sortable fields. The short aliases predate the
// full column names and stay for old clients.
var sortColumns = map[string]string{
	"publication":      "publication_date",
	"publication_date": "publication_date",
	"opening":          "opening_date",
	"opening_date":     "opening_date",
	"fecha_scraping":   "fecha_scraping",
	"budget":           "budget",
}

// orderClause builds the ORDER BY for an explicit sort field, or "" for the
// relevance/recency default. Every ordering ends with the id tie-break so
// equal keys page stably.
func orderClause(params ListParams) string {
	sortBy := params.SortBy
	order := strings.ToLower(params.SortOrder)
	if sortBy == "budget_desc" { // legacy alias
		sortBy, order = "budget", "desc"
	}
	col, ok := sortColumns[sortBy]
	if !ok {
		return ""
	}
	if order != "asc" && order != "desc" {
		if col == "opening_date" {
			order = "asc"
		} else {
			order = "desc"
		}
	}
	return fmt.Sprintf(" ORDER BY %s %s NULLS LAST, id ASC", col, strings.ToUpper(order))
}

// defaultPageSize and maxPageSize bound list pagination.
const (
	defaultPageSize = 15
	maxPageSize     = 100
)

func (s *Store) ListLicitaciones(ctx context.Context, params ListParams) (*ListResult, error) {
	if params.Limit <= 0 || params.Limit > maxPageSize {
		params.Limit = defaultPageSize
	}
	if params.Offset < 0 {
		params.Offset = 0
	}

	where, args := buildWhere(params, "")
	argIdx := len(args) + 1

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM licitaciones "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count failed: %w", err)
	}

	selectSQL := fmt.Sprintf("SELECT %s FROM licitaciones %s", selectCols, where)

	if clause := orderClause(params); clause != "" {
		selectSQL += clause
	} else if params.Query != "" {
		selectSQL += fmt.Sprintf(
			" ORDER BY ts_rank(search_vector, websearch_to_tsquery('spanish', $%d)) DESC, publication_date DESC NULLS LAST, id ASC",
			argIdx)
		args = append(args, params.Query)
		argIdx++
	} else {
		selectSQL += " ORDER BY publication_date DESC NULLS LAST, id ASC"
	}

	selectSQL += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, params.Limit, params.Offset)

	rows, err := s.pool.Query(ctx, selectSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var items []models.Licitacion
	for rows.Next() {
		l, err := scanLicitacion(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		items = append(items, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}
	if items == nil {
		items = []models.Licitacion{}
	}

	return &ListResult{Licitaciones: items, Total: total, Limit: params.Limit, Offset: params.Offset}, nil
}

func (s *Store) GetLicitacion(ctx context.Context, id string) (*models.Licitacion, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM licitaciones WHERE id = $1 AND deleted_at IS NULL", selectCols), id)
	l, err := scanLicitacion(row.Scan)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get licitacion: %w", err)
	}
	return &l, nil
}

// Candidates implements the ingest sink: the dedup slice is the last 90 days
// of the jurisdiction plus every undated record there.
func (s *Store) Candidates(ctx context.Context, jurisdiccion string) ([]models.Licitacion, error) {
	sql := fmt.Sprintf(`SELECT %s FROM licitaciones
		WHERE deleted_at IS NULL AND jurisdiccion = $1
		AND (publication_date IS NULL OR publication_date >= NOW() - INTERVAL '90 days')`, selectCols)
	rows, err := s.pool.Query(ctx, sql, jurisdiccion)
	if err != nil {
		return nil, fmt.Errorf("loading candidates: %w", err)
	}
	defer rows.Close()

	var items []models.Licitacion
	for rows.Next() {
		l, err := scanLicitacion(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		items = append(items, l)
	}
	return items, rows.Err()
}

const upsertSQL = `
	INSERT INTO licitaciones (
		id, title, organization, fuente, jurisdiccion, rubro,
		tipo_procedimiento, nodo, description, publication_date, opening_date,
		fecha_prorroga, estado, budget, currency, expedient_number,
		licitacion_number, canonical_url, source_urls, url_quality, content_hash,
		attached_files, workflow_state, enrichment_level, merged_from, is_merged,
		metadata, fecha_scraping, first_seen_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29
	)
	ON CONFLICT (id) DO UPDATE SET
		title = EXCLUDED.title,
		organization = EXCLUDED.organization,
		jurisdiccion = EXCLUDED.jurisdiccion,
		rubro = EXCLUDED.rubro,
		tipo_procedimiento = EXCLUDED.tipo_procedimiento,
		nodo = EXCLUDED.nodo,
		description = EXCLUDED.description,
		publication_date = EXCLUDED.publication_date,
		opening_date = EXCLUDED.opening_date,
		fecha_prorroga = EXCLUDED.fecha_prorroga,
		estado = EXCLUDED.estado,
		budget = COALESCE(EXCLUDED.budget, licitaciones.budget),
		currency = EXCLUDED.currency,
		expedient_number = EXCLUDED.expedient_number,
		licitacion_number = EXCLUDED.licitacion_number,
		canonical_url = EXCLUDED.canonical_url,
		source_urls = EXCLUDED.source_urls,
		url_quality = EXCLUDED.url_quality,
		content_hash = EXCLUDED.content_hash,
		attached_files = EXCLUDED.attached_files,
		enrichment_level = GREATEST(EXCLUDED.enrichment_level, licitaciones.enrichment_level),
		merged_from = EXCLUDED.merged_from,
		is_merged = EXCLUDED.is_merged,
		metadata = EXCLUDED.metadata,
		fecha_scraping = EXCLUDED.fecha_scraping,
		first_seen_at = LEAST(EXCLUDED.first_seen_at, licitaciones.first_seen_at),
		updated_at = NOW()
	RETURNING (xmax = 0) AS inserted`

const upsertChunkSize = 500

// UpsertBatch persists records in chunks through one pgx batch per chunk.
// A failed chunk gets a single retry before the error propagates.
func (s *Store) UpsertBatch(ctx context.Context, records []models.Licitacion) (int, int, error) {
	inserted, updated := 0, 0

	for start := 0; start < len(records); start += upsertChunkSize {
		end := start + upsertChunkSize
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]

		ins, upd, err := s.upsertChunk(ctx, chunk)
		if err != nil {
			ins, upd, err = s.upsertChunk(ctx, chunk)
		}
		if err != nil {
			return inserted, updated, fmt.Errorf("upsert chunk %d-%d: %w", start, end, err)
		}
		inserted += ins
		updated += upd
	}

	if inserted+updated > 0 {
		s.facetCache.purge()
	}
	return inserted, updated, nil
}

func (s *Store) upsertChunk(ctx context.Context, chunk []models.Licitacion) (int, int, error) {
	batch := &pgx.Batch{}
	for i := range chunk {
		l := &chunk[i]
		var budget *string
		if l.Budget != nil {
			v := l.Budget.String()
			budget = &v
		}
		batch.Queue(upsertSQL,
			l.ID, l.Title, l.Organization, l.Fuente, l.Jurisdiccion, l.Rubro,
			l.TipoProcedimiento, l.Nodo, l.Description, l.PublicationDate, l.OpeningDate,
			l.FechaProrroga, l.Estado, budget, l.Currency, l.ExpedientNumber,
			l.LicitacionNumber, l.CanonicalURL, jsonOrDefault(l.SourceURLs, "{}"), l.URLQuality, l.ContentHash,
			jsonOrDefault(l.AttachedFiles, "[]"), l.WorkflowState, l.EnrichmentLevel, jsonOrDefault(l.MergedFrom, "[]"), l.IsMerged,
			jsonOrNil(l.Metadata), l.FechaScraping, l.FirstSeenAt,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	inserted, updated := 0, 0
	for range chunk {
		var wasInsert bool
		if err := results.QueryRow().Scan(&wasInsert); err != nil {
			return 0, 0, err
		}
		if wasInsert {
			inserted++
		} else {
			updated++
		}
	}
	return inserted, updated, nil
}

func jsonOrDefault(v interface{}, empty string) []byte {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return []byte(empty)
	}
	return data
}

func jsonOrNil(v map[string]interface{}) []byte {
	if len(v) == 0 {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func (s *Store) SetWorkflowState(ctx context.Context, id string, state models.WorkflowState) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE licitaciones SET workflow_state = $1, updated_at = NOW() WHERE id = $2 AND deleted_at IS NULL",
		state, id)
	if err != nil {
		return fmt.Errorf("set workflow state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (s *Store) SoftDelete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE licitaciones SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL", id)
	if err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// facetDimensions maps the facet name to its column.
var facetDimensions = []struct{ name, column string }{
	{"estado", "estado"},
	{"jurisdiccion", "jurisdiccion"},
	{"fuente", "fuente"},
	{"rubro", "rubro"},
	{"tipo_procedimiento", "tipo_procedimiento"},
	{"nodo", "nodo"},
	{"workflow_state", "workflow_state"},
	{"organization", "organization"},
}

type FacetCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// GetFacets returns value counts per dimension under the current filters,
// with each dimension's own filter excluded so the UI can show the counts a
// click would produce.
func (s *Store) GetFacets(ctx context.Context, params ListParams) (map[string][]FacetCount, error) {
	key := facetCacheKey(params)
	if cached, ok := s.facetCache.get(key); ok {
		return cached.(map[string][]FacetCount), nil
	}

	out := make(map[string][]FacetCount, len(facetDimensions))
	for _, dim := range facetDimensions {
		where, args := buildWhere(params, dim.name)
		sql := fmt.Sprintf(`SELECT %s, COUNT(*) FROM licitaciones %s AND %s <> ''
			GROUP BY %s ORDER BY COUNT(*) DESC, %s ASC LIMIT 50`,
			dim.column, where, dim.column, dim.column, dim.column)

		rows, err := s.pool.Query(ctx, sql, args...)
		if err != nil {
			return nil, fmt.Errorf("facet %s: %w", dim.name, err)
		}
		counts := []FacetCount{}
		for rows.Next() {
			var fc FacetCount
			if err := rows.Scan(&fc.Value, &fc.Count); err != nil {
				rows.Close()
				return nil, fmt.Errorf("facet %s scan: %w", dim.name, err)
			}
			counts = append(counts, fc)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("facet %s rows: %w", dim.name, err)
		}
		out[dim.name] = counts
	}

	s.facetCache.set(key, out)
	return out, nil
}

func facetCacheKey(params ListParams) string {
	parts := []string{
		params.Query, params.Estado, params.Jurisdiccion, params.Fuente,
		params.Rubro, params.TipoProcedimiento, params.WorkflowState, params.Organization,
		params.Nodo, params.FuenteExclude, params.DateField,
		fmt.Sprintf("%d|%t|%t", params.Year, params.OnlyNational, params.VigentesOnly),
	}
	for _, t := range []*time.Time{params.PublishedFrom, params.PublishedTo, params.OpeningFrom, params.OpeningTo, params.NuevasDesde, params.DateFrom, params.DateTo} {
		if t != nil {
			parts = append(parts, t.Format("2006-01-02"))
		} else {
			parts = append(parts, "")
		}
	}
	return strings.Join(parts, "|")
}

// Distinct returns the distinct non-empty values of a faceted column. The
// column must be one of the facet dimensions; anything else is rejected.
func (s *Store) Distinct(ctx context.Context, column string) ([]string, error) {
	allowed := false
	for _, dim := range facetDimensions {
		if dim.column == column {
			allowed = true
		}
	}
	if !allowed {
		return nil, fmt.Errorf("column %q is not filterable", column)
	}

	if cached, ok := s.distinctCache.get(column); ok {
		return cached.([]string), nil
	}

	sql := fmt.Sprintf(
		"SELECT DISTINCT %s FROM licitaciones WHERE deleted_at IS NULL AND %s <> '' ORDER BY %s",
		column, column, column)
	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("distinct %s: %w", column, err)
	}
	defer rows.Close()

	values := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.distinctCache.set(column, values)
	return values, nil
}

// EstadoRow is one record's date fields, loaded for an estado sweep.
type EstadoRow struct {
	ID            string
	Publication   *time.Time
	Opening       *time.Time
	FechaProrroga *time.Time
	Estado        models.Estado
}

// RecomputeEstados sweeps every live record through compute and persists the
// ones whose estado changed. Returns how many changed.
func (s *Store) RecomputeEstados(ctx context.Context, compute func(pub, open, prorroga *time.Time) models.Estado) (int, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id, publication_date, opening_date, fecha_prorroga, estado FROM licitaciones WHERE deleted_at IS NULL")
	if err != nil {
		return 0, fmt.Errorf("loading estado rows: %w", err)
	}

	var stale []EstadoRow
	for rows.Next() {
		var r EstadoRow
		if err := rows.Scan(&r.ID, &r.Publication, &r.Opening, &r.FechaProrroga, &r.Estado); err != nil {
			rows.Close()
			return 0, err
		}
		if next := compute(r.Publication, r.Opening, r.FechaProrroga); next != r.Estado {
			r.Estado = next
			stale = append(stale, r)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	batch := &pgx.Batch{}
	for _, r := range stale {
		batch.Queue("UPDATE licitaciones SET estado = $1, updated_at = NOW() WHERE id = $2", r.Estado, r.ID)
	}
	if batch.Len() > 0 {
		if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
			return 0, fmt.Errorf("updating estados: %w", err)
		}
		s.facetCache.purge()
	}
	return len(stale), nil
}

// ListEnrichable returns records still below the target enrichment level
// that have something to enrich from: a direct detail URL or an attached
// PDF. Ordered newest first so fresh tenders get detail data soonest.
func (s *Store) ListEnrichable(ctx context.Context, maxLevel, limit int) ([]models.Licitacion, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	sql := fmt.Sprintf(`SELECT %s FROM licitaciones
		WHERE deleted_at IS NULL AND enrichment_level < $1
		AND (url_quality = 'direct' OR attached_files <> '[]'::jsonb)
		ORDER BY first_seen_at DESC LIMIT $2`, selectCols)

	rows, err := s.pool.Query(ctx, sql, maxLevel, limit)
	if err != nil {
		return nil, fmt.Errorf("list enrichable: %w", err)
	}
	defer rows.Close()

	var items []models.Licitacion
	for rows.Next() {
		l, err := scanLicitacion(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		items = append(items, l)
	}
	return items, rows.Err()
}

// CountLicitaciones is the live-record total, for the health endpoint.
func (s *Store) CountLicitaciones(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM licitaciones WHERE deleted_at IS NULL").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count licitaciones: %w", err)
	}
	return n, nil
}

// EstadoSummary is the landing-page stats payload.
type EstadoSummary struct {
	Total       int            `json:"total"`
	ByEstado    map[string]int `json:"by_estado"`
	ByYear      map[string]int `json:"by_year"`
	VigentesHoy int            `json:"vigentes_hoy"`
}

// EstadoDistribution aggregates live records by estado and publication year,
// plus the count of tenders still open for bidding today.
func (s *Store) EstadoDistribution(ctx context.Context) (*EstadoSummary, error) {
	out := &EstadoSummary{ByEstado: map[string]int{}, ByYear: map[string]int{}}

	rows, err := s.pool.Query(ctx,
		"SELECT estado, COUNT(*) FROM licitaciones WHERE deleted_at IS NULL GROUP BY estado")
	if err != nil {
		return nil, fmt.Errorf("estado distribution: %w", err)
	}
	for rows.Next() {
		var estado string
		var count int
		if err := rows.Scan(&estado, &count); err != nil {
			rows.Close()
			return nil, err
		}
		out.ByEstado[estado] = count
		out.Total += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx, `SELECT EXTRACT(YEAR FROM publication_date)::int, COUNT(*)
		FROM licitaciones WHERE deleted_at IS NULL AND publication_date IS NOT NULL
		GROUP BY 1`)
	if err != nil {
		return nil, fmt.Errorf("year distribution: %w", err)
	}
	for rows.Next() {
		var year, count int
		if err := rows.Scan(&year, &count); err != nil {
			rows.Close()
			return nil, err
		}
		out.ByYear[strconv.Itoa(year)] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM licitaciones
		WHERE deleted_at IS NULL AND estado IN ('vigente', 'prorrogada')
		AND opening_date >= CURRENT_DATE`).Scan(&out.VigentesHoy)
	if err != nil {
		return nil, fmt.Errorf("vigentes hoy: %w", err)
	}
	return out, nil
}
