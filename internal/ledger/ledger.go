// Package ledger is the process-wide dedup state for membership events. Both
// Telegram event channels funnel through Admit; whichever observation of a
// departure arrives first wins, the other is discarded.
package ledger

import (
	"sync"
	"time"

	"github.com/leavenote/leavenote/internal/event"
	"github.com/leavenote/leavenote/internal/logging"
	"github.com/leavenote/leavenote/internal/metrics"
)

// Ledger tracks which occurrences have already been handled. Entries expire
// after the retention window; above maxEntries the ledger degrades to
// admitting everything rather than blocking or dropping events.
type Ledger struct {
	mu      sync.Mutex
	entries map[event.Key]time.Time
	window  time.Duration
	max     int
	// degraded is latched while over capacity so the warning logs once per
	// degradation episode instead of per event
	degraded bool

	Now func() time.Time // injectable clock for testing
}

// New builds a ledger with the given retention window and entry cap.
func New(window time.Duration, maxEntries int) *Ledger {
	return &Ledger{
		entries: make(map[event.Key]time.Time),
		window:  window,
		max:     maxEntries,
		Now:     time.Now,
	}
}

// Admit reports whether this is the first observation of the key within the
// retention window, recording it if so. The check and the insert happen
// under one lock so two near-simultaneous observations cannot both pass.
// Admit never fails: a ledger over capacity admits everything (favoring a
// duplicate notification over a missed one) until the sweep catches up.
func (l *Ledger) Admit(key event.Key) bool {
	now := l.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if seen, ok := l.entries[key]; ok {
		if now.Sub(seen) < l.window {
			return false
		}
		// stale entry: the previous occurrence aged out, treat as new
		delete(l.entries, key)
	}

	if l.max > 0 && len(l.entries) >= l.max {
		l.evictExpiredLocked(now)
		if len(l.entries) >= l.max {
			if !l.degraded {
				l.degraded = true
				logging.Get().Warn().Int("entries", len(l.entries)).Msg("dedup ledger over capacity; admitting all events")
			}
			metrics.IncLedgerDegraded()
			return true
		}
	}
	l.degraded = false

	l.entries[key] = now
	return true
}

// Sweep evicts entries older than the retention window. Intended to run
// periodically; Admit also evicts lazily when at capacity.
func (l *Ledger) Sweep() int {
	now := l.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := l.evictExpiredLocked(now)
	if l.degraded && (l.max <= 0 || len(l.entries) < l.max) {
		l.degraded = false
		logging.Get().Info().Int("entries", len(l.entries)).Msg("dedup ledger recovered from degraded mode")
	}
	return removed
}

// Len returns the number of live entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// RunSweeper sweeps at half the retention window until ctx is done.
func (l *Ledger) RunSweeper(done <-chan struct{}) {
	interval := l.window / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				logging.Get().Debug().Int("evicted", n).Msg("dedup ledger sweep")
			}
		case <-done:
			return
		}
	}
}

func (l *Ledger) evictExpiredLocked(now time.Time) int {
	removed := 0
	for k, seen := range l.entries {
		if now.Sub(seen) >= l.window {
			delete(l.entries, k)
			removed++
		}
	}
	return removed
}
