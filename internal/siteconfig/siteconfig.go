package siteconfig

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	apperrors "github.com/yungbote/catalog-indexer/internal/pkg/errors"
)

const (
	DefaultRequestsPerMinute = 100
	DefaultRequestsPerSecond = 10
	DefaultBatchSize         = 100
	DefaultEntityType        = "product"
)

// Config is the per-site bundle Discovery and the processor run against.
// Enabled is a pointer so an absent flag can be told apart from an explicit false.
type Config struct {
	SiteID            string   `yaml:"site_id" json:"site_id"`
	Endpoint          string   `yaml:"endpoint" json:"endpoint"`
	SecretKey         string   `yaml:"secret_key" json:"-"`
	Enabled           *bool    `yaml:"enabled" json:"enabled,omitempty"`
	RequestsPerMinute int      `yaml:"requests_per_minute" json:"requests_per_minute"`
	RequestsPerSecond int      `yaml:"requests_per_second" json:"requests_per_second"`
	BatchSize         int      `yaml:"batch_size" json:"batch_size"`
	EntityType        string   `yaml:"entity_type" json:"entity_type"`
	Subtypes          []string `yaml:"subtypes" json:"subtypes,omitempty"`
	ParentSubtypes    []string `yaml:"parent_subtypes" json:"parent_subtypes,omitempty"`
	Currency          string   `yaml:"currency" json:"currency,omitempty"`
}

// Complete reports whether endpoint, enabled flag and site id are all present.
func (c Config) Complete() bool {
	return strings.TrimSpace(c.SiteID) != "" &&
		strings.TrimSpace(c.Endpoint) != "" &&
		c.Enabled != nil
}

func (c Config) IsEnabled() bool {
	return c.Enabled != nil && *c.Enabled
}

// Check returns ErrConfigurationIncomplete naming the first missing field.
func (c Config) Check() error {
	switch {
	case strings.TrimSpace(c.SiteID) == "":
		return fmt.Errorf("site_id missing: %w", apperrors.ErrConfigurationIncomplete)
	case strings.TrimSpace(c.Endpoint) == "":
		return fmt.Errorf("site %s: endpoint missing: %w", c.SiteID, apperrors.ErrConfigurationIncomplete)
	case c.Enabled == nil:
		return fmt.Errorf("site %s: enabled flag missing: %w", c.SiteID, apperrors.ErrConfigurationIncomplete)
	}
	return nil
}

type Defaults struct {
	RequestsPerMinute int
	RequestsPerSecond int
	BatchSize         int
}

func (c Config) withDefaults(d Defaults) Config {
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = firstPositive(d.RequestsPerMinute, DefaultRequestsPerMinute)
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = firstPositive(d.RequestsPerSecond, DefaultRequestsPerSecond)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = firstPositive(d.BatchSize, DefaultBatchSize)
	}
	if strings.TrimSpace(c.EntityType) == "" {
		c.EntityType = DefaultEntityType
	}
	c.SiteID = strings.TrimSpace(c.SiteID)
	c.Endpoint = strings.TrimRight(strings.TrimSpace(c.Endpoint), "/")
	return c
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

type Provider interface {
	GetConfig(siteID string) (Config, bool)
	Sites() []string
}

type fileDocument struct {
	Sites []Config `yaml:"sites"`
}

// Static is an in-memory Provider, optionally backed by a YAML file that can be reloaded.
type Static struct {
	mu       sync.RWMutex
	path     string
	defaults Defaults
	sites    map[string]Config
}

func NewStatic(defaults Defaults, sites ...Config) *Static {
	p := &Static{defaults: defaults}
	p.set(sites)
	return p
}

// LoadFile reads a YAML document of the form `sites: [...]`.
func LoadFile(path string, defaults Defaults) (*Static, error) {
	p := &Static{path: path, defaults: defaults}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

func Parse(raw []byte, defaults Defaults) (*Static, error) {
	sites, err := decode(raw)
	if err != nil {
		return nil, err
	}
	return NewStatic(defaults, sites...), nil
}

func (p *Static) Reload() error {
	if p.path == "" {
		return nil
	}
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read site config %s: %w", p.path, err)
	}
	sites, err := decode(raw)
	if err != nil {
		return fmt.Errorf("site config %s: %w", p.path, err)
	}
	p.set(sites)
	return nil
}

func decode(raw []byte) ([]Config, error) {
	var doc fileDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	seen := make(map[string]struct{}, len(doc.Sites))
	for _, s := range doc.Sites {
		id := strings.TrimSpace(s.SiteID)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate site_id %q", id)
		}
		seen[id] = struct{}{}
	}
	return doc.Sites, nil
}

// set keeps sites without an id so they are reported, under a synthetic key, as incomplete.
func (p *Static) set(sites []Config) {
	m := make(map[string]Config, len(sites))
	for i, s := range sites {
		s = s.withDefaults(p.defaults)
		key := s.SiteID
		if key == "" {
			key = fmt.Sprintf("#%d", i)
		}
		m[key] = s
	}
	p.mu.Lock()
	p.sites = m
	p.mu.Unlock()
}

func (p *Static) GetConfig(siteID string) (Config, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.sites[strings.TrimSpace(siteID)]
	return c, ok
}

// Sites lists every configured key in sorted order, including incomplete entries.
func (p *Static) Sites() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.sites))
	for id := range p.sites {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
