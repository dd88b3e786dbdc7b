package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Estado is the vigencia state of a licitación with respect to its dates.
// It is computed by the resolver and never written directly by callers.
type Estado string

const (
	EstadoVigente    Estado = "vigente"
	EstadoVencida    Estado = "vencida"
	EstadoProrrogada Estado = "prorrogada"
	EstadoArchivada  Estado = "archivada"
)

// WorkflowState is the user-assigned tracking state of a licitación.
type WorkflowState string

const (
	WorkflowDescubierta WorkflowState = "descubierta"
	WorkflowEvaluando   WorkflowState = "evaluando"
	WorkflowPreparando  WorkflowState = "preparando"
	WorkflowPresentada  WorkflowState = "presentada"
	WorkflowDescartada  WorkflowState = "descartada"
)

// URLQuality ranks how usable a source URL is for a reader.
type URLQuality string

const (
	// URLDirect points at a unique, stable per-process page.
	URLDirect URLQuality = "direct"
	// URLProxy requires a form POST replayed by the server-side proxy endpoint.
	URLProxy URLQuality = "proxy"
	// URLPartial only reaches the listing page the item appeared on.
	URLPartial URLQuality = "partial"
)

// AttachedFile is a pliego or annex linked from a licitación.
type AttachedFile struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
	Mime     string `json:"mime,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Licitacion is the canonical tender record shared by every source.
type Licitacion struct {
	ID               string            `json:"id"`
	Title            string            `json:"title"`
	Organization     string            `json:"organization"`
	Fuente           string            `json:"fuente"`
	Jurisdiccion     string            `json:"jurisdiccion"`
	Rubro            string            `json:"rubro,omitempty"`
	TipoProcedimiento string           `json:"tipo_procedimiento,omitempty"`
	Nodo             string            `json:"nodo,omitempty"`
	Description      string            `json:"description,omitempty"`
	PublicationDate  *time.Time        `json:"publication_date"`
	OpeningDate      *time.Time        `json:"opening_date"`
	FechaProrroga    *time.Time        `json:"fecha_prorroga"`
	Estado           Estado            `json:"estado"`
	Budget           *decimal.Decimal  `json:"budget"`
	Currency         string            `json:"currency,omitempty"`
	ExpedientNumber  string            `json:"expedient_number,omitempty"`
	LicitacionNumber string            `json:"licitacion_number,omitempty"`
	CanonicalURL     string            `json:"canonical_url,omitempty"`
	SourceURLs       map[string]string `json:"source_urls"`
	URLQuality       URLQuality        `json:"url_quality"`
	ContentHash      string            `json:"content_hash"`
	AttachedFiles    []AttachedFile    `json:"attached_files"`
	WorkflowState    WorkflowState     `json:"workflow_state"`
	EnrichmentLevel  int               `json:"enrichment_level"`
	MergedFrom       []string          `json:"merged_from,omitempty"`
	IsMerged         bool              `json:"is_merged"`
	// Metadata carries ingest warnings such as date_order_violation or
	// flagged_year; it is additive and never trimmed by merges.
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	FechaScraping time.Time             `json:"fecha_scraping"`
	FirstSeenAt  time.Time              `json:"first_seen_at"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	DeletedAt    *time.Time             `json:"deleted_at,omitempty"`
}

// ScraperConfig declares one scheduled source.
type ScraperConfig struct {
	Name             string            `json:"name" yaml:"name"`
	URL              string            `json:"url" yaml:"url"`
	Adapter          string            `json:"adapter" yaml:"adapter"`
	Jurisdiccion     string            `json:"jurisdiccion" yaml:"jurisdiccion"`
	Active           bool              `json:"active" yaml:"active"`
	Schedule         string            `json:"schedule" yaml:"schedule"`
	Selectors        map[string]string `json:"selectors,omitempty" yaml:"selectors,omitempty"`
	Pagination       map[string]string `json:"pagination,omitempty" yaml:"pagination,omitempty"`
	MaxPages         int               `json:"max_pages,omitempty" yaml:"max_pages,omitempty"`
	MinIntervalHours int               `json:"min_interval_hours,omitempty" yaml:"min_interval_hours,omitempty"`
	AdaptiveSchedule bool              `json:"adaptive_schedule,omitempty" yaml:"adaptive_schedule,omitempty"`
	LastRun          *time.Time        `json:"last_run,omitempty" yaml:"-"`
	RunsCount        int               `json:"runs_count" yaml:"-"`
	PausedReason     string            `json:"paused_reason,omitempty" yaml:"-"`
}

// Run statuses. A run that produced records alongside warnings ends partial.
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunPartial = "partial"
	RunFailed  = "failed"
	RunSkipped = "skipped"
)

// ScraperRun is the durable record of one scrape execution.
type ScraperRun struct {
	ID              string     `json:"id"`
	ScraperName     string     `json:"scraper_name"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	Status          string     `json:"status"`
	ItemsFound      int        `json:"items_found"`
	ItemsSaved      int        `json:"items_saved"`
	ItemsUpdated    int        `json:"items_updated"`
	ItemsDuplicated int        `json:"items_duplicated"`
	DurationSeconds *float64   `json:"duration_seconds,omitempty"`
	Errors          []string   `json:"errors"`
	Warnings        []string   `json:"warnings"`
	Logs            []string   `json:"logs"`
}

// Favorite marks a licitación saved by a user. The user id is an opaque
// subject issued by the external auth collaborator.
type Favorite struct {
	UserID       string    `json:"user_id"`
	LicitacionID string    `json:"licitacion_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// HealthReport is the computed health of one source.
type HealthReport struct {
	ScraperName string    `json:"scraper_name"`
	Score       float64   `json:"score"`
	SuccessRate float64   `json:"success_rate"`
	Freshness   float64   `json:"freshness"`
	Yield       float64   `json:"yield"`
	Stability   float64   `json:"stability"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	Paused      bool      `json:"paused"`
	PausedReason string   `json:"paused_reason,omitempty"`
}
