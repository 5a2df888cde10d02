package routing

import (
	"sync"

	"github.com/JiHyuk-Byun/agent-infra/pkg/backend"
)

// Context carries the request attributes that may influence a routing
// decision.
type Context struct {
	// Model is the resolved model name.
	Model string

	// SessionID is the client session identifier (affinity hint; currently
	// unused by all strategies).
	SessionID string

	// Exclude lists backend ids that must not be selected, used during
	// failover to skip candidates that already failed this request.
	Exclude []string
}

// Engine applies the configured strategy against registry snapshots. It
// owns the per-model round-robin counters; the registry itself is never
// mutated by a selection.
type Engine struct {
	strategy Strategy
	registry *backend.Registry

	mu       sync.Mutex
	counters map[string]uint64
}

// NewEngine creates a selection engine bound to a registry.
func NewEngine(strategy Strategy, registry *backend.Registry) *Engine {
	return &Engine{
		strategy: strategy,
		registry: registry,
		counters: make(map[string]uint64),
	}
}

// Strategy returns the engine's strategy tag.
func (e *Engine) Strategy() Strategy {
	return e.strategy
}

// Select picks a backend for the given context. It takes a consistent
// snapshot of the candidates for one decision; concurrent health
// transitions are reconciled at the next call. Returns UnknownModelError
// when no backend serves the model at all, or NoBackendAvailableError when
// candidates exist but none is selectable.
func (e *Engine) Select(ctx Context) (backend.Snapshot, error) {
	candidates := e.registry.ListForModel(ctx.Model)

	if len(ctx.Exclude) > 0 {
		excluded := make(map[string]bool, len(ctx.Exclude))
		for _, id := range ctx.Exclude {
			excluded[id] = true
		}
		kept := candidates[:0]
		for _, c := range candidates {
			if !excluded[c.ID] {
				kept = append(kept, c)
			}
		}
		candidates = kept
	}

	if len(candidates) == 0 {
		if len(e.registry.ListForModel(ctx.Model)) == 0 && !e.servesModel(ctx.Model) {
			return backend.Snapshot{}, &UnknownModelError{
				Model:           ctx.Model,
				AvailableModels: e.registry.Models(),
			}
		}
		return backend.Snapshot{}, &NoBackendAvailableError{
			Model:    ctx.Model,
			Excluded: ctx.Exclude,
		}
	}

	// Round-robin skips are not retried: the counter advances on every
	// call regardless of strategy so the sequence stays reproducible.
	e.mu.Lock()
	counter := e.counters[ctx.Model]
	e.counters[ctx.Model]++
	e.mu.Unlock()

	return e.strategy.Select(candidates, counter), nil
}

// servesModel reports whether any backend, selectable or not, is
// registered for the model.
func (e *Engine) servesModel(model string) bool {
	for _, s := range e.registry.List() {
		if s.Model == model {
			return true
		}
	}
	return false
}
