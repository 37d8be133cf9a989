package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps a timestamp log per key in process memory. Each window has
// its own lock so unrelated keys never contend.
type MemoryStore struct {
	mutex        sync.RWMutex
	windows      map[string]*window
	now          func() time.Time
	idleTTL      time.Duration
	cleanupEvery time.Duration
}

type window struct {
	mutex    sync.Mutex
	hits     []time.Time
	lastSeen time.Time
	// span is the rule window of the latest hit.
	span    time.Duration
	evicted bool
}

type MemoryOption func(*MemoryStore)

func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// WithIdleTTL sets how long a window may go without hits before the janitor
// drops it. Non-positive values keep the default.
func WithIdleTTL(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.idleTTL = d
		}
	}
}

func WithCleanupEvery(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.cleanupEvery = d }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		windows:      make(map[string]*window),
		now:          time.Now,
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hit prunes expired hits for key and records a new one if the window has room.
func (s *MemoryStore) Hit(_ context.Context, key string, rule Rule) (Decision, error) {
	for {
		w := s.window(key)

		w.mutex.Lock()
		if w.evicted {
			// The janitor removed this window after we looked it up.
			w.mutex.Unlock()
			continue
		}
		decision := w.hit(s.now(), rule)
		w.mutex.Unlock()
		return decision, nil
	}
}

func (s *MemoryStore) window(key string) *window {
	s.mutex.RLock()
	w, exists := s.windows[key]
	s.mutex.RUnlock()

	if exists {
		return w
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if w, exists = s.windows[key]; exists {
		return w
	}
	w = &window{}
	s.windows[key] = w
	return w
}

func (w *window) hit(now time.Time, rule Rule) Decision {
	w.lastSeen = now
	w.span = rule.Window
	w.prune(now.Add(-rule.Window))

	if len(w.hits) < rule.MaxRequests {
		w.hits = append(w.hits, now)
		return Decision{Allowed: true, Remaining: rule.MaxRequests - len(w.hits)}
	}

	retryAfter := w.hits[len(w.hits)-rule.MaxRequests].Add(rule.Window).Sub(now)
	if retryAfter <= 0 {
		retryAfter = time.Millisecond
	}
	return Decision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}
}

// prune drops hits at or before cutoff. Hits are appended in order, so the
// live ones are a suffix.
func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	w.hits = append(w.hits[:0], w.hits[i:]...)
}

// Cleanup drops windows idle for longer than the idle TTL. A window that still
// holds live hits is kept regardless of the TTL.
func (s *MemoryStore) Cleanup() int {
	now := s.now()
	cutoff := now.Add(-s.idleTTL)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	removed := 0
	for key, w := range s.windows {
		w.mutex.Lock()
		if w.lastSeen.Before(cutoff) && !w.live(now) {
			w.evicted = true
			delete(s.windows, key)
			removed++
		}
		w.mutex.Unlock()
	}
	return removed
}

// live reports whether the newest hit still counts against its window.
func (w *window) live(now time.Time) bool {
	if len(w.hits) == 0 {
		return false
	}
	return w.hits[len(w.hits)-1].Add(w.span).After(now)
}

// StartJanitor runs Cleanup periodically until ctx is done.
func (s *MemoryStore) StartJanitor(ctx context.Context) {
	if s.cleanupEvery <= 0 {
		return
	}

	ticker := time.NewTicker(s.cleanupEvery)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Cleanup()
			}
		}
	}()
}

// Len reports the number of live windows.
func (s *MemoryStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.windows)
}
