package router

import (
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/af-corp/aiproxy/internal/config"
	"github.com/af-corp/aiproxy/internal/proxyerr"
	"github.com/af-corp/aiproxy/internal/router/adapters"
)

// Registry manages provider adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]adapters.ProviderAdapter
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]adapters.ProviderAdapter),
	}
}

// Register adds adapter under name. An adapter whose own name differs is
// renamed so that traces and errors carry the configured provider name.
func (r *Registry) Register(name string, adapter adapters.ProviderAdapter) {
	if adapter.Name() != name {
		adapter = adapters.Rename(adapter, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = adapter
}

func (r *Registry) Get(name string) (adapters.ProviderAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Replace swaps in the adapters of other, used on config reload.
func (r *Registry) Replace(other *Registry) {
	other.mu.RLock()
	next := make(map[string]adapters.ProviderAdapter, len(other.adapters))
	for k, v := range other.adapters {
		next[k] = v
	}
	other.mu.RUnlock()

	r.mu.Lock()
	r.adapters = next
	r.mu.Unlock()
}

// BuildFromConfig builds provider adapters from the providers config. The
// null provider is always registered.
func BuildFromConfig(provCfg *config.ProvidersConfig) *Registry {
	registry := NewRegistry()
	registry.Register(config.ProviderNull, adapters.NewNullAdapter())
	if provCfg == nil {
		return registry
	}
	for name, cfg := range provCfg.Providers {
		maxConns := cfg.MaxConcurrent
		if maxConns <= 0 {
			maxConns = 100
		}
		// No client-level timeout: a streaming body may outlive any fixed
		// deadline, so deadlines come from the request context.
		client := &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        maxConns,
				MaxIdleConnsPerHost: maxConns,
				MaxConnsPerHost:     maxConns,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		}

		var adapter adapters.ProviderAdapter
		switch cfg.Type {
		case config.ProviderOpenAI:
			adapter = adapters.NewOpenAIAdapter(cfg, client)
		case config.ProviderAnthropic:
			adapter = adapters.NewAnthropicAdapter(cfg, client)
		case config.ProviderOpenRouter:
			adapter = adapters.NewOpenRouterAdapter(cfg, client)
		case config.ProviderNull:
			adapter = adapters.NewNullAdapter()
		default:
			// Fall back to OpenAI-compatible for unknown types
			adapter = adapters.NewOpenAIAdapter(cfg, client)
		}
		registry.Register(name, adapter)
	}
	return registry
}

// Router resolves a model and capability to a healthy adapter. Its routing
// table can be swapped at runtime.
type Router struct {
	table    atomic.Pointer[RoutingTable]
	registry *Registry
	health   *HealthTracker
}

func New(table *RoutingTable, registry *Registry, health *HealthTracker) *Router {
	r := &Router{registry: registry, health: health}
	r.table.Store(table)
	return r
}

// SetTable installs a new routing table for subsequent calls.
func (r *Router) SetTable(t *RoutingTable) {
	r.table.Store(t)
}

func (r *Router) Table() *RoutingTable {
	return r.table.Load()
}

func (r *Router) Registry() *Registry {
	return r.registry
}

func (r *Router) Health() *HealthTracker {
	return r.health
}

// Resolve finds the adapter serving model for capability c. Routing to an
// unregistered provider or one lacking c is a validation failure; an open
// circuit is reported as provider unavailable.
func (r *Router) Resolve(model string, c adapters.Capability) (adapters.ProviderAdapter, error) {
	name, err := r.Table().Route(model)
	if err != nil {
		return nil, err
	}
	adapter, ok := r.registry.Get(name)
	if !ok {
		return nil, proxyerr.Validation("model %q routes to unknown provider %q", model, name).
			WithDetail("provider", name)
	}
	if !adapters.Supports(adapter, c) {
		return nil, proxyerr.Validation("provider %q does not support %s", name, c).
			WithDetail("provider", name)
	}
	if !r.health.IsAvailable(name) {
		return nil, proxyerr.Unavailable(name, "circuit open", nil)
	}
	return adapter, nil
}
