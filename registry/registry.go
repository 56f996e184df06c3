// Package registry tracks the configured model backends, probes their
// availability, and hands out clients with fallback when a requested
// backend is down.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tabletalk/llm"
)

// ErrBackendUnreachable is returned when a model backend fails its
// availability probe.
var ErrBackendUnreachable = errors.New("registry: model backend unreachable")

// probeTimeout bounds each availability check.
const probeTimeout = 10 * time.Second

// BackendSpec names one backend and its provider configuration.
type BackendSpec struct {
	Name string
	Cfg  llm.Config
}

// backend is one registered model backend with its last probe result.
type backend struct {
	name      string
	provider  llm.Provider
	model     string
	available bool
}

// Registry holds the configured backends in declaration order. The
// first configured backend doubles as the dispatch fallback.
type Registry struct {
	mu       sync.Mutex
	backends []*backend
	active   string
	fallback string
}

// New builds a registry from the given specs and probes every backend
// once. Backends whose provider configuration is invalid are recorded
// as unavailable rather than dropped, so they still show up (greyed
// out) in backend listings.
func New(ctx context.Context, specs []BackendSpec) *Registry {
	r := &Registry{}

	for _, spec := range specs {
		b := &backend{name: spec.Name, model: spec.Cfg.Model}
		provider, err := llm.NewProvider(spec.Cfg)
		if err != nil {
			slog.Warn("registry: invalid backend config", "backend", spec.Name, "error", err)
		} else {
			b.provider = provider
			b.available = probe(ctx, provider, spec.Cfg.Model) == nil
		}
		r.backends = append(r.backends, b)
	}

	if len(r.backends) > 0 {
		r.fallback = r.backends[0].name
		r.active = r.fallback
		for _, b := range r.backends {
			if b.available {
				r.active = b.name
				break
			}
		}
	}

	slog.Info("registry: initialised",
		"backends", len(r.backends),
		"available", len(r.AvailableBackends()),
		"active", r.active)
	return r
}

// probe performs a minimal chat round trip to verify a backend responds.
func probe(ctx context.Context, p llm.Provider, model string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	_, err := p.Chat(ctx, llm.ChatRequest{
		Model:     model,
		Messages:  []llm.Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	return nil
}

// AvailableBackends returns the names of backends that passed their
// last probe, in configuration order.
func (r *Registry) AvailableBackends() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var names []string
	for _, b := range r.backends {
		if b.available {
			names = append(names, b.name)
		}
	}
	return names
}

// Active returns the name of the currently selected backend.
func (r *Registry) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// SetActive switches the selected backend after re-probing it. A
// failed probe leaves the current selection unchanged and returns an
// error whose message is suitable for direct display.
func (r *Registry) SetActive(ctx context.Context, name string) error {
	r.mu.Lock()
	b := r.find(name)
	r.mu.Unlock()

	if b == nil || b.provider == nil {
		return fmt.Errorf("%w: Model %s not available", ErrBackendUnreachable, name)
	}

	err := probe(ctx, b.provider, b.model)

	r.mu.Lock()
	defer r.mu.Unlock()
	b.available = err == nil
	if err != nil {
		return fmt.Errorf("%w: Model %s not available", ErrBackendUnreachable, name)
	}
	r.active = name
	return nil
}

// Client returns the provider and model for the named backend, falling
// back to the first configured backend when the requested one is
// unknown or unavailable. An empty name selects the active backend.
func (r *Registry) Client(name string) (llm.Provider, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		name = r.active
	}
	if b := r.find(name); b != nil && b.available && b.provider != nil {
		return b.provider, b.model
	}

	if name != r.fallback {
		slog.Warn("registry: backend unavailable, using fallback",
			"requested", name, "fallback", r.fallback)
	}
	if b := r.find(r.fallback); b != nil && b.provider != nil {
		return b.provider, b.model
	}
	return nil, ""
}

// RefreshAll re-probes every backend.
func (r *Registry) RefreshAll(ctx context.Context) {
	r.mu.Lock()
	backends := append([]*backend(nil), r.backends...)
	r.mu.Unlock()

	for _, b := range backends {
		if b.provider == nil {
			continue
		}
		err := probe(ctx, b.provider, b.model)
		r.mu.Lock()
		b.available = err == nil
		r.mu.Unlock()
	}
}

// find returns the backend with the given name. Callers hold r.mu.
func (r *Registry) find(name string) *backend {
	for _, b := range r.backends {
		if b.name == name {
			return b
		}
	}
	return nil
}
