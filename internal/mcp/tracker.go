package mcp

import (
	"sync"
	"time"
)

// searchTracker records recent sapphire_kb_search calls per caller so
// handleResolve can nudge callers that resolve without looking first.
// In-memory and per-process; the nudge is advisory.
type searchTracker struct {
	mu       sync.Mutex
	searches map[string]time.Time
	window   time.Duration
	now      func() time.Time
}

func newSearchTracker(window time.Duration) *searchTracker {
	return &searchTracker{
		searches: make(map[string]time.Time),
		window:   window,
		now:      time.Now,
	}
}

// Record notes that caller searched the knowledge base.
func (t *searchTracker) Record(caller string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.searches[caller] = t.now()

	// Many distinct callers over time would otherwise grow the map unbounded.
	if len(t.searches) > 1000 {
		t.purgeStale()
	}
}

// WasSearched reports whether caller searched within the window.
func (t *searchTracker) WasSearched(caller string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.searches[caller]
	if !ok {
		return false
	}
	if t.now().Sub(ts) > t.window {
		delete(t.searches, caller)
		return false
	}
	return true
}

// purgeStale removes entries older than the window. Must be called with mu held.
func (t *searchTracker) purgeStale() {
	now := t.now()
	for k, ts := range t.searches {
		if now.Sub(ts) > t.window {
			delete(t.searches, k)
		}
	}
}
