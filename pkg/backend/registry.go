package backend

import (
	"errors"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry errors.
var (
	// ErrBackendNotFound is returned when an operation references an
	// unknown backend id.
	ErrBackendNotFound = errors.New("backend not found")

	// ErrBackendNotSelectable is returned by ObserveStart when the backend
	// is draining, removed, or at its in-flight cap.
	ErrBackendNotSelectable = errors.New("backend not selectable")
)

// Token proves a matching ObserveStart for a later ObserveEnd. Every token
// handed out must be returned exactly once.
type Token struct {
	BackendID string
	startedAt time.Time
}

// ProbeResult is the outcome of one health probe.
type ProbeResult struct {
	// OK indicates the probe succeeded.
	OK bool

	// Load is the reported GPU utilization in [0, 1], or NaN when the
	// probe did not report one. Unknown loads leave the stored value
	// unchanged.
	Load float64
}

// Registry is the live inventory of backend replicas. The top-level map is
// guarded by a read-write lock; each backend carries its own lock so
// counter and health updates on different backends never serialize against
// each other.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]*backend
	bc       *broadcaster
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]*backend),
		bc:       newBroadcaster(),
		logger:   slog.Default().With("component", "backend.registry"),
	}
}

// Upsert inserts or updates a backend. For an existing id only the
// endpoint-level fields are updated; in-flight counts and latency
// statistics are preserved. Re-registering a removed or unhealthy backend
// resets it to unknown so the next probe decides its health.
func (r *Registry) Upsert(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, exists := r.backends[d.ID]
	if !exists {
		r.backends[d.ID] = newBackend(d)
		r.logger.Info("backend added",
			"backend", d.ID,
			"model", d.Model,
			"endpoint", d.Endpoint,
		)
		r.bc.publish(Event{Type: EventAdded, BackendID: d.ID, State: StateUnknown})
		return
	}

	b.mu.Lock()
	b.model = d.Model
	b.endpoint = d.Endpoint
	b.partition = d.Partition
	b.maxInFlight = d.MaxInFlight
	stateChanged := false
	if b.state == StateRemoved || b.state == StateUnhealthy || b.state == StateDraining {
		b.state = StateUnknown
		b.consecutiveFailures = 0
		stateChanged = true
	}
	b.mu.Unlock()

	if stateChanged {
		r.bc.publish(Event{Type: EventStateChanged, BackendID: d.ID, State: StateUnknown})
	}
}

// Remove transitions a backend to removed. The entry is freed once its
// in-flight count drains to zero. Returns false for unknown ids.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.backends[id]
	if !ok {
		return false
	}

	b.mu.Lock()
	b.state = StateRemoved
	drained := b.inFlight == 0
	b.mu.Unlock()

	if drained {
		delete(r.backends, id)
	}

	r.logger.Info("backend removed", "backend", id, "drained", drained)
	r.bc.publish(Event{Type: EventRemoved, BackendID: id, State: StateRemoved})
	return true
}

// MarkDraining excludes a backend from selection while letting in-flight
// requests finish.
func (r *Registry) MarkDraining(id string) bool {
	r.mu.RLock()
	b, ok := r.backends[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	b.mu.Lock()
	changed := b.state != StateDraining
	b.state = StateDraining
	b.mu.Unlock()

	if changed {
		r.bc.publish(Event{Type: EventStateChanged, BackendID: id, State: StateDraining})
	}
	return true
}

// Get returns a snapshot of one backend.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.RLock()
	b, ok := r.backends[id]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked(), true
}

// List returns snapshots of every backend, sorted by id.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	all := make([]*backend, 0, len(r.backends))
	for _, b := range r.backends {
		all = append(all, b)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(all))
	for _, b := range all {
		b.mu.Lock()
		out = append(out, b.snapshotLocked())
		b.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListForModel returns snapshots of the currently selectable backends for
// a model, sorted by id. Selectable means state healthy or unknown, and
// below the in-flight cap when one is set.
func (r *Registry) ListForModel(model string) []Snapshot {
	var out []Snapshot
	for _, s := range r.List() {
		if s.Model != model || !s.Selectable() {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Models returns the distinct model names with at least one selectable
// backend, sorted.
func (r *Registry) Models() []string {
	seen := make(map[string]bool)
	for _, s := range r.List() {
		if s.Selectable() {
			seen[s.Model] = true
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// ResolveModel maps a client-supplied model name to a registered model
// name. It tries an exact match first, then a case-insensitive substring
// match in either direction. Every registered model is considered, whether
// or not it currently has a selectable backend. Returns false when nothing
// matches.
func (r *Registry) ResolveModel(name string) (string, bool) {
	seen := make(map[string]bool)
	var models []string
	for _, s := range r.List() {
		if !seen[s.Model] {
			seen[s.Model] = true
			models = append(models, s.Model)
		}
	}
	sort.Strings(models)
	for _, m := range models {
		if m == name {
			return m, true
		}
	}
	lower := strings.ToLower(name)
	if lower == "" {
		return "", false
	}
	for _, m := range models {
		ml := strings.ToLower(m)
		if strings.Contains(ml, lower) || strings.Contains(lower, ml) {
			return m, true
		}
	}
	return "", false
}

// ObserveStart atomically increments the in-flight counter for a backend
// and returns a token the caller must pass to ObserveEnd when the request
// completes.
func (r *Registry) ObserveStart(id string) (Token, error) {
	r.mu.RLock()
	b, ok := r.backends[id]
	r.mu.RUnlock()
	if !ok {
		return Token{}, ErrBackendNotFound
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateRemoved || b.state == StateDraining {
		return Token{}, ErrBackendNotSelectable
	}
	if b.maxInFlight > 0 && b.inFlight >= int64(b.maxInFlight) {
		return Token{}, ErrBackendNotSelectable
	}

	b.inFlight++
	return Token{BackendID: id, startedAt: time.Now()}, nil
}

// ObserveEnd decrements the in-flight counter, appends the request
// duration to the latency window, updates the latency EMA, and on failure
// bumps the consecutive failure counter (flipping the backend unhealthy at
// the threshold). A removed backend is freed once it drains.
func (r *Registry) ObserveEnd(tok Token, duration time.Duration, ok bool) {
	r.mu.RLock()
	b, found := r.backends[tok.BackendID]
	r.mu.RUnlock()
	if !found {
		return
	}

	now := time.Now()
	ms := float64(duration.Milliseconds())

	b.mu.Lock()
	if b.inFlight > 0 {
		b.inFlight--
	}
	b.requestCount++
	b.latency.Append(ms)
	if math.IsNaN(b.emaLatencyMS) {
		b.emaLatencyMS = ms
	} else {
		b.emaLatencyMS = emaAlpha*ms + (1-emaAlpha)*b.emaLatencyMS
	}

	transitioned := false
	var newState State
	if ok {
		b.lastOKAt = now
		b.consecutiveFailures = 0
	} else {
		b.errorCount++
		if b.recordFailureLocked() {
			transitioned = true
			newState = b.state
		}
	}

	removedAndDrained := b.state == StateRemoved && b.inFlight == 0
	b.mu.Unlock()

	if transitioned {
		r.logger.Warn("backend unhealthy after consecutive failures",
			"backend", tok.BackendID,
		)
		r.bc.publish(Event{Type: EventStateChanged, BackendID: tok.BackendID, State: newState})
	}

	if removedAndDrained {
		r.mu.Lock()
		if cur, still := r.backends[tok.BackendID]; still && cur == b {
			delete(r.backends, tok.BackendID)
		}
		r.mu.Unlock()
	}
}

// ApplyProbe applies a health probe result. Three consecutive failures
// flip a backend unhealthy; a single success flips it back healthy. A
// reported load updates the stored GPU utilization; NaN leaves it
// unchanged.
func (r *Registry) ApplyProbe(id string, res ProbeResult) {
	r.mu.RLock()
	b, ok := r.backends[id]
	r.mu.RUnlock()
	if !ok {
		return
	}

	now := time.Now()

	b.mu.Lock()
	b.lastProbeAt = now
	if b.state == StateRemoved || b.state == StateDraining {
		b.mu.Unlock()
		return
	}

	stateChanged := false
	loadChanged := false
	var newState State
	var newLoad float64

	if res.OK {
		stateChanged = b.recordSuccessLocked(now)
		if !math.IsNaN(res.Load) {
			b.load = res.Load
			loadChanged = true
			newLoad = res.Load
		}
	} else {
		stateChanged = b.recordFailureLocked()
	}
	newState = b.state
	b.mu.Unlock()

	if stateChanged {
		r.logger.Info("backend state changed",
			"backend", id,
			"state", string(newState),
		)
		r.bc.publish(Event{Type: EventStateChanged, BackendID: id, State: newState})
	}
	if loadChanged {
		r.bc.publish(Event{Type: EventLoadChanged, BackendID: id, State: newState, Load: newLoad})
	}
}

// MeanLoad returns the mean of the known GPU loads across all non-removed
// backends, or NaN when no backend has reported a load.
func (r *Registry) MeanLoad() float64 {
	var sum float64
	var n int
	for _, s := range r.List() {
		if s.State == StateRemoved || math.IsNaN(s.Load) {
			continue
		}
		sum += s.Load
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// TotalInFlight returns the sum of in-flight counters across the pool.
func (r *Registry) TotalInFlight() int64 {
	var total int64
	for _, s := range r.List() {
		total += s.InFlight
	}
	return total
}

// Subscribe registers a change-event subscriber with the given channel
// buffer (<=0 selects the default). Events are dropped rather than block a
// slow consumer; the returned cancel function closes the channel.
func (r *Registry) Subscribe(buffer int) (<-chan Event, func()) {
	return r.bc.subscribe(buffer)
}

// DroppedEvents returns how many change events were dropped due to slow
// subscribers.
func (r *Registry) DroppedEvents() int64 {
	return r.bc.droppedCount()
}
