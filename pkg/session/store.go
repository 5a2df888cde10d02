package session

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// SessionSummary is the per-session aggregate exposed by the admin
// surface.
type SessionSummary struct {
	SessionID string    `json:"session_id"`
	ClientID  string    `json:"client_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Model     string    `json:"model,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`

	// TotalTurns is the number of turns ever assigned to the session; it
	// survives ring eviction.
	TotalTurns int `json:"total_turns"`

	// Completed and Failed count every turn appended since the session
	// entry was created; ring eviction does not lower them.
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// sessionEntry holds one session's ring plus metadata. Each entry carries
// its own lock so writes to different sessions never serialize.
type sessionEntry struct {
	mu        sync.Mutex
	ring      *Ring
	firstSeen time.Time
	lastSeen  time.Time
	clientID  string
	taskID    string
	model     string
	completed int
	failed    int
}

// Store maps session ids to turn rings and maintains a global rolling
// window for aggregate queries. Write failures never propagate to the
// request path.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry

	globalMu sync.Mutex
	global   *Ring

	counterMu    sync.Mutex
	turnCounters map[string]int

	sessionCap int
	expire     time.Duration
	logger     *slog.Logger
}

// NewStore creates a session store. sessionCap is the per-session ring
// capacity, globalCap the global window capacity, expire the idle TTL
// after which a session is eligible for eviction.
func NewStore(sessionCap, globalCap int, expire time.Duration) *Store {
	if sessionCap < 1 {
		sessionCap = 128
	}
	if globalCap < 1 {
		globalCap = 4096
	}
	return &Store{
		sessions:     make(map[string]*sessionEntry),
		global:       NewRing(globalCap),
		turnCounters: make(map[string]int),
		sessionCap:   sessionCap,
		expire:       expire,
		logger:       slog.Default().With("component", "session.store"),
	}
}

// NextTurn assigns the next sequential turn number for a session. The
// counter is never decremented and survives ring eviction. Returns zero
// for an empty session id.
func (s *Store) NextTurn(sessionID string) int {
	if sessionID == "" {
		return 0
	}
	s.counterMu.Lock()
	defer s.counterMu.Unlock()
	s.turnCounters[sessionID]++
	return s.turnCounters[sessionID]
}

// Append records a finalized turn. Appends to the owning session's ring
// (creating the session on first sight) and to the global window.
func (s *Store) Append(rec TurnRecord) {
	now := rec.CompletedAt
	if now.IsZero() {
		now = time.Now()
	}

	if rec.SessionID != "" {
		entry := s.entryFor(rec.SessionID, now)

		entry.mu.Lock()
		entry.ring.Append(rec)
		entry.lastSeen = now
		if rec.ClientID != "" {
			entry.clientID = rec.ClientID
		}
		if rec.TaskID != "" {
			entry.taskID = rec.TaskID
		}
		if rec.Model != "" {
			entry.model = rec.Model
		}
		if rec.OK() {
			entry.completed++
		} else {
			entry.failed++
		}
		entry.mu.Unlock()
	}

	s.globalMu.Lock()
	s.global.Append(rec)
	s.globalMu.Unlock()
}

// entryFor returns the session entry, creating it if needed.
func (s *Store) entryFor(sessionID string, now time.Time) *sessionEntry {
	s.mu.RLock()
	entry, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		return entry
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok = s.sessions[sessionID]; ok {
		return entry
	}
	entry = &sessionEntry{
		ring:      NewRing(s.sessionCap),
		firstSeen: now,
		lastSeen:  now,
	}
	s.sessions[sessionID] = entry
	return entry
}

// GetSession returns the turn records for a session, oldest first, and
// whether the session exists.
func (s *Store) GetSession(id string) ([]TurnRecord, bool) {
	s.mu.RLock()
	entry, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.ring.Records(), true
}

// ListSessions returns session summaries sorted by last activity,
// newest first. limit <= 0 means no limit; a non-zero since filters out
// sessions idle before it.
func (s *Store) ListSessions(limit int, since time.Time) []SessionSummary {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	entries := make([]*sessionEntry, 0, len(s.sessions))
	for id, entry := range s.sessions {
		ids = append(ids, id)
		entries = append(entries, entry)
	}
	s.mu.RUnlock()

	s.counterMu.Lock()
	counters := make(map[string]int, len(ids))
	for _, id := range ids {
		counters[id] = s.turnCounters[id]
	}
	s.counterMu.Unlock()

	out := make([]SessionSummary, 0, len(ids))
	for i, entry := range entries {
		entry.mu.Lock()
		summary := SessionSummary{
			SessionID:  ids[i],
			ClientID:   entry.clientID,
			TaskID:     entry.taskID,
			Model:      entry.model,
			FirstSeen:  entry.firstSeen,
			LastSeen:   entry.lastSeen,
			TotalTurns: counters[ids[i]],
			Completed:  entry.completed,
			Failed:     entry.failed,
		}
		entry.mu.Unlock()

		if !since.IsZero() && summary.LastSeen.Before(since) {
			continue
		}
		out = append(out, summary)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].SessionID < out[j].SessionID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// GlobalWindow returns a copy of the global rolling window, oldest first.
func (s *Store) GlobalWindow() []TurnRecord {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	return s.global.Records()
}

// WindowStats aggregates the global window over the trailing duration:
// completed count, error count, and mean total latency in milliseconds.
func (s *Store) WindowStats(trailing time.Duration) (count, errors int, meanLatencyMS float64) {
	cutoff := time.Now().Add(-trailing)
	var latencySum float64

	for _, rec := range s.GlobalWindow() {
		if rec.CompletedAt.Before(cutoff) {
			continue
		}
		count++
		latencySum += rec.TotalMS
		if !rec.OK() {
			errors++
		}
	}

	if count > 0 {
		meanLatencyMS = latencySum / float64(count)
	}
	return count, errors, meanLatencyMS
}

// Sweep evicts sessions idle longer than the store TTL and returns how
// many were dropped. Turn counters for evicted sessions are retained so a
// returning session keeps its numbering.
func (s *Store) Sweep(now time.Time) int {
	cutoff := now.Add(-s.expire)

	s.mu.Lock()
	var evicted []string
	for id, entry := range s.sessions {
		entry.mu.Lock()
		idle := entry.lastSeen.Before(cutoff)
		entry.mu.Unlock()
		if idle {
			delete(s.sessions, id)
			evicted = append(evicted, id)
		}
	}
	s.mu.Unlock()

	if len(evicted) > 0 {
		s.logger.Debug("evicted idle sessions", "count", len(evicted))
	}
	return len(evicted)
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
