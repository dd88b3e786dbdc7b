package ingest

import (
	"embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/matiasb/licitar/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed config/scrapers.yaml
var scrapersYAML embed.FS

// Registry maps adapter names (and URL patterns) to implementations. Adding
// a source is one Register call plus a scrapers.yaml entry.
type Registry struct {
	mu          sync.RWMutex
	adapters    map[string]Adapter
	urlPatterns []urlPattern
}

type urlPattern struct {
	substr  string
	adapter string
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// RegisterURLPattern routes configs whose URL contains substr to the named
// adapter when the config does not name one explicitly.
func (r *Registry) RegisterURLPattern(substr, adapterName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urlPatterns = append(r.urlPatterns, urlPattern{substr: substr, adapter: adapterName})
}

// Resolve picks the adapter for a config: explicit name first, then URL
// pattern lookup.
func (r *Registry) Resolve(cfg models.ScraperConfig) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg.Adapter != "" {
		if a, ok := r.adapters[cfg.Adapter]; ok {
			return a, nil
		}
		return nil, fmt.Errorf("adapter %q not registered (scraper %q)", cfg.Adapter, cfg.Name)
	}
	for _, p := range r.urlPatterns {
		if strings.Contains(cfg.URL, p.substr) {
			if a, ok := r.adapters[p.adapter]; ok {
				return a, nil
			}
		}
	}
	return nil, fmt.Errorf("no adapter matches scraper %q (url %s)", cfg.Name, cfg.URL)
}

func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// DefaultRegistry wires the adapter fleet.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&ComprarAdapter{})
	r.Register(&BoletinHTMLAdapter{})
	r.Register(&ASPNetGridAdapter{})
	r.Register(&GenexusGridAdapter{})
	r.Register(&BoletinPDFAdapter{})
	r.Register(&BrowserAdapter{})

	r.RegisterURLPattern("comprar.", "comprar")
	r.RegisterURLPattern(".aspx", "aspnet_grid")
	r.RegisterURLPattern("boletinoficial", "boletin_html")
	return r
}

type scrapersFile struct {
	Scrapers []models.ScraperConfig `yaml:"scrapers"`
}

// LoadScraperConfigs reads the embedded scrapers.yaml, falling back to the
// filesystem path for local development. Environment variables inside the
// YAML (e.g. ${COMPRAR_API_KEY}) are expanded.
func LoadScraperConfigs(path string) ([]models.ScraperConfig, error) {
	data, err := scrapersYAML.ReadFile("config/scrapers.yaml")
	if err != nil {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
	}

	expanded := os.ExpandEnv(string(data))

	var f scrapersFile
	if err := yaml.Unmarshal([]byte(expanded), &f); err != nil {
		return nil, fmt.Errorf("parsing scrapers.yaml: %w", err)
	}
	return f.Scrapers, nil
}
