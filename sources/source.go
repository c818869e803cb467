package sources

import (
	"context"
	"sort"
	"sync"
	"time"
)

// SourceKind classifies how a backend talks to the upstream provider.
type SourceKind string

const (
	KindExtractor SourceKind = "extractor" // subprocess media extractor
	KindAPI       SourceKind = "api"       // hosted API, official or reverse-engineered
	KindMirror    SourceKind = "mirror"    // third-party mirror instances
	KindFeed      SourceKind = "feed"      // RSS/Atom feeds
	KindDirect    SourceKind = "direct"    // direct media URLs
)

// Item is a single resolved media entry. StreamURL is only populated
// when the backend performs full extraction; metadata-only backends
// leave it empty and the player resolves it lazily.
type Item struct {
	ID        string
	Title     string
	Channel   string
	URL       string
	StreamURL string
	Thumbnail string
	Duration  time.Duration
	Source    string
	// RequestedBy is an opaque caller tag, filled by the session.
	RequestedBy string
}

// Source is one resolution backend.
type Source interface {
	// Name uniquely identifies the backend.
	Name() string
	// Kind reports the backend's transport class.
	Kind() SourceKind
	// IsValidURL reports whether rawURL is addressed to this backend.
	IsValidURL(rawURL string) bool
	// Search runs a text query, returning up to limit items.
	Search(ctx context.Context, query string, limit int) ([]Item, error)
	// Resolve turns a backend-addressed URL into a single item.
	Resolve(ctx context.Context, rawURL string) (Item, error)
}

// BackendConfig is the per-backend resolution policy. Lower priority
// numbers are tried first.
type BackendConfig struct {
	Enabled    bool
	Priority   int
	Timeout    time.Duration
	MaxRetries int
}

// Registry pairs sources with their runtime-mutable configuration.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
	configs map[string]BackendConfig
}

func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]Source),
		configs: make(map[string]BackendConfig),
	}
}

// Register adds a source with its starting config. Re-registering a
// name replaces both.
func (r *Registry) Register(s Source, cfg BackendConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[s.Name()] = s
	r.configs[s.Name()] = cfg
}

// Configure replaces the config of a registered backend. Unknown
// names are ignored.
func (r *Registry) Configure(name string, cfg BackendConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[name]; ok {
		r.configs[name] = cfg
	}
}

// SetEnabled flips a backend on or off without touching its other
// policy fields.
func (r *Registry) SetEnabled(name string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg, ok := r.configs[name]; ok {
		cfg.Enabled = enabled
		r.configs[name] = cfg
	}
}

// Config returns the current config for a backend.
func (r *Registry) Config(name string) (BackendConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[name]
	return cfg, ok
}

// backendSlot is a source snapshot with its config at lookup time.
type backendSlot struct {
	source Source
	config BackendConfig
}

// enabled returns the enabled backends sorted by ascending priority,
// ties broken by name for a stable order.
func (r *Registry) enabled() []backendSlot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []backendSlot
	for name, s := range r.sources {
		cfg := r.configs[name]
		if cfg.Enabled {
			out = append(out, backendSlot{source: s, config: cfg})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].config.Priority != out[j].config.Priority {
			return out[i].config.Priority < out[j].config.Priority
		}
		return out[i].source.Name() < out[j].source.Name()
	})
	return out
}

// all returns every registered backend regardless of enablement.
func (r *Registry) all() []backendSlot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []backendSlot
	for name, s := range r.sources {
		out = append(out, backendSlot{source: s, config: r.configs[name]})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].source.Name() < out[j].source.Name()
	})
	return out
}

// Names returns the registered backend names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
