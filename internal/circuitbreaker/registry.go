package circuitbreaker

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Registry struct {
	mutex     sync.RWMutex
	breakers  map[string]*CircuitBreaker
	settings  Settings
	overrides map[string]func(error) bool
	now       func() time.Time
	logger    *slog.Logger
	listeners []func(target string, from, to State)
}

type Option func(*Registry)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithClassifier overrides the failure classifier for a single target.
func WithClassifier(target string, isFailure func(error) bool) Option {
	return func(r *Registry) { r.overrides[target] = isFailure }
}

// OnStateChange registers a listener for every transition of every target.
// Listeners run while the breaker is locked and must not call back into it.
func OnStateChange(fn func(target string, from, to State)) Option {
	return func(r *Registry) { r.listeners = append(r.listeners, fn) }
}

func NewRegistry(settings Settings, opts ...Option) *Registry {
	r := &Registry{
		breakers:  make(map[string]*CircuitBreaker),
		settings:  settings.withDefaults(),
		overrides: make(map[string]func(error) bool),
		now:       time.Now,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) GetBreaker(target string) *CircuitBreaker {
	r.mutex.RLock()
	cb, exists := r.breakers[target]
	r.mutex.RUnlock()

	if exists {
		return cb
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// Double-check: another goroutine may have created it
	if cb, exists = r.breakers[target]; exists {
		return cb
	}

	settings := r.settings
	if isFailure, ok := r.overrides[target]; ok {
		settings.IsFailure = isFailure
	}

	cb = newCircuitBreaker(target, settings, r.now, r.notify)
	r.breakers[target] = cb
	return cb
}

func (r *Registry) BeforeCall(target string) (Ticket, error) {
	return r.GetBreaker(target).BeforeCall()
}

func (r *Registry) OnSuccess(target string, t Ticket) {
	r.GetBreaker(target).OnSuccess(t)
}

func (r *Registry) OnFailure(target string, t Ticket, err error) {
	r.GetBreaker(target).OnFailure(t, err)
}

func (r *Registry) Release(target string, t Ticket) {
	r.GetBreaker(target).Release(t)
}

func (r *Registry) Check(target string, t Ticket) error {
	return r.GetBreaker(target).Check(t)
}

// ForceClose is the administrative reset of one target. It reports false for
// targets that were never referenced.
func (r *Registry) ForceClose(target string) bool {
	r.mutex.RLock()
	cb, exists := r.breakers[target]
	r.mutex.RUnlock()

	if !exists {
		return false
	}

	r.logger.Warn("Circuit forced closed", slog.String("target", target))
	cb.ForceClose()
	return true
}

// Reset forces every known breaker closed and returns how many there were.
func (r *Registry) Reset() int {
	r.mutex.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mutex.RUnlock()

	for _, cb := range breakers {
		cb.ForceClose()
	}
	r.logger.Warn("All circuits forced closed", slog.Int("count", len(breakers)))
	return len(breakers)
}

// Snapshots returns every breaker's view ordered by target.
func (r *Registry) Snapshots() []Snapshot {
	r.mutex.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mutex.RUnlock()

	snaps := make([]Snapshot, 0, len(breakers))
	for _, cb := range breakers {
		snaps = append(snaps, cb.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Target < snaps[j].Target
	})
	return snaps
}

func (r *Registry) notify(target string, from, to State) {
	attrs := []any{
		slog.String("target", target),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	}
	if to == StateOpen {
		r.logger.Warn("Circuit opened", attrs...)
	} else {
		r.logger.Info("Circuit state changed", attrs...)
	}

	for _, fn := range r.listeners {
		fn(target, from, to)
	}
}
