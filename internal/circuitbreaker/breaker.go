package circuitbreaker

import (
	"sync"
	"time"

	"github.com/angeloszaimis/llm-gateway/internal/faults"
)

// probeRetryAfter is the hint given to calls turned away while the half-open
// probes run. A probe settles the circuit within roughly one upstream call.
const probeRetryAfter = time.Second

type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing fast
	StateHalfOpen              // Admitting probe calls
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// Ticket identifies one admitted call. Outcomes are matched against the
// generation the call was admitted in; a transition in between makes them stale.
type Ticket struct {
	generation uint64
	probe      bool
}

// Probe reports whether the ticket holds a half-open probe slot.
func (t Ticket) Probe() bool {
	return t.probe
}

// Snapshot is a read-only view of one breaker.
type Snapshot struct {
	Target              string        `json:"target"`
	State               State         `json:"-"`
	StateName           string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastFailureAt       time.Time     `json:"last_failure_at"`
	OpenedAt            time.Time     `json:"opened_at"`
	Cooldown            time.Duration `json:"cooldown"`
	ProbesInFlight      int           `json:"probes_in_flight"`
	Rejected            int64         `json:"rejected"`
}

type CircuitBreaker struct {
	mutex    sync.Mutex
	target   string
	settings Settings
	now      func() time.Time
	onChange func(target string, from, to State)

	state               State
	generation          uint64
	consecutiveFailures int
	outcomes            *outcomeWindow
	lastFailure         time.Time
	openedAt            time.Time
	cooldown            time.Duration
	reopens             int
	probesInFlight      int
	rejected            int64
}

func newCircuitBreaker(target string, settings Settings, now func() time.Time, onChange func(string, State, State)) *CircuitBreaker {
	cb := &CircuitBreaker{
		target:   target,
		settings: settings,
		now:      now,
		onChange: onChange,
		state:    StateClosed,
		cooldown: settings.Cooldown,
	}
	if settings.Policy == PolicyRatio {
		cb.outcomes = newOutcomeWindow(settings.WindowSize)
	}
	return cb
}

// NewCircuitBreaker creates a standalone breaker for target.
func NewCircuitBreaker(target string, settings Settings) *CircuitBreaker {
	return newCircuitBreaker(target, settings.withDefaults(), time.Now, nil)
}

// BeforeCall admits or rejects a call. It never performs I/O; a rejection is a
// *faults.CircuitOpenError carrying the remaining cooldown.
func (cb *CircuitBreaker) BeforeCall() (Ticket, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	cb.advance(now)

	switch cb.state {
	case StateOpen:
		cb.rejected++
		return Ticket{}, cb.rejection(now)
	case StateHalfOpen:
		if cb.probesInFlight >= cb.settings.HalfOpenProbes {
			cb.rejected++
			return Ticket{}, cb.rejection(now)
		}
		cb.probesInFlight++
		return Ticket{generation: cb.generation, probe: true}, nil
	default:
		return Ticket{generation: cb.generation}, nil
	}
}

// Check reports whether a call admitted with t may keep going. Once the
// circuit has moved on to OPEN or HALF-OPEN it returns the rejection a new
// call would get.
func (cb *CircuitBreaker) Check(t Ticket) error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	cb.advance(now)
	if cb.current(t) || cb.state == StateClosed {
		return nil
	}
	return cb.rejection(now)
}

func (cb *CircuitBreaker) rejection(now time.Time) *faults.CircuitOpenError {
	delay := probeRetryAfter
	if cb.state == StateOpen {
		delay = cb.openedAt.Add(cb.cooldown).Sub(now)
	} else if cb.cooldown > 0 {
		delay = min(delay, cb.cooldown)
	}
	return &faults.CircuitOpenError{Target: cb.target, Delay: delay}
}

// OnSuccess records a successful outcome for a call admitted with t.
func (cb *CircuitBreaker) OnSuccess(t Ticket) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if !cb.current(t) {
		return
	}
	cb.recordSuccess()
}

// OnFailure records err for a call admitted with t. Errors the classifier does
// not count are recorded as successes: the provider did answer.
func (cb *CircuitBreaker) OnFailure(t Ticket, err error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if !cb.current(t) {
		return
	}
	if !cb.settings.IsFailure(err) {
		cb.recordSuccess()
		return
	}

	now := cb.now()
	cb.lastFailure = now

	switch cb.state {
	case StateHalfOpen:
		cb.releaseProbe(t)
		cb.reopens++
		cb.cooldown = cb.settings.backoffCooldown(cb.reopens)
		cb.transition(StateOpen, now)
	case StateClosed:
		cb.consecutiveFailures++
		if cb.outcomes != nil {
			cb.outcomes.add(false)
		}
		if cb.tripped() {
			cb.cooldown = cb.settings.Cooldown
			cb.transition(StateOpen, now)
		}
	}
}

// Release gives back the probe slot held by t without recording an outcome.
func (cb *CircuitBreaker) Release(t Ticket) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.current(t) {
		cb.releaseProbe(t)
	}
}

// ForceClose resets the breaker to CLOSED regardless of its state.
func (cb *CircuitBreaker) ForceClose() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.reopens = 0
	cb.cooldown = cb.settings.Cooldown
	if cb.state == StateClosed {
		cb.resetCounts()
		return
	}
	cb.transition(StateClosed, cb.now())
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.advance(cb.now())
	return cb.state
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.advance(cb.now())
	return Snapshot{
		Target:              cb.target,
		State:               cb.state,
		StateName:           cb.state.String(),
		ConsecutiveFailures: cb.consecutiveFailures,
		LastFailureAt:       cb.lastFailure,
		OpenedAt:            cb.openedAt,
		Cooldown:            cb.cooldown,
		ProbesInFlight:      cb.probesInFlight,
		Rejected:            cb.rejected,
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	switch cb.state {
	case StateHalfOpen:
		cb.reopens = 0
		cb.cooldown = cb.settings.Cooldown
		cb.transition(StateClosed, cb.now())
	case StateClosed:
		cb.consecutiveFailures = 0
		if cb.outcomes != nil {
			cb.outcomes.add(true)
		}
	}
}

// advance performs the only time-driven transition, OPEN -> HALF-OPEN.
func (cb *CircuitBreaker) advance(now time.Time) {
	if cb.state == StateOpen && !now.Before(cb.openedAt.Add(cb.cooldown)) {
		cb.transition(StateHalfOpen, now)
	}
}

func (cb *CircuitBreaker) tripped() bool {
	if cb.settings.Policy == PolicyRatio {
		total, failures := cb.outcomes.counts()
		if total < cb.settings.MinCalls {
			return false
		}
		return float64(failures)/float64(total) >= cb.settings.FailureRatio
	}
	return cb.consecutiveFailures >= cb.settings.FailureThreshold
}

func (cb *CircuitBreaker) current(t Ticket) bool {
	return t.generation == cb.generation
}

func (cb *CircuitBreaker) releaseProbe(t Ticket) {
	if t.probe && cb.state == StateHalfOpen && cb.probesInFlight > 0 {
		cb.probesInFlight--
	}
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	from := cb.state
	cb.state = to
	cb.generation++
	cb.resetCounts()

	if to == StateOpen {
		cb.openedAt = now
	}

	if cb.onChange != nil {
		cb.onChange(cb.target, from, to)
	}
}

func (cb *CircuitBreaker) resetCounts() {
	cb.consecutiveFailures = 0
	cb.probesInFlight = 0
	if cb.outcomes != nil {
		cb.outcomes.reset()
	}
}

// outcomeWindow keeps the last N call outcomes for the ratio policy.
type outcomeWindow struct {
	results []bool
	next    int
	filled  int
}

func newOutcomeWindow(size int) *outcomeWindow {
	return &outcomeWindow{results: make([]bool, size)}
}

func (w *outcomeWindow) add(success bool) {
	w.results[w.next] = success
	w.next = (w.next + 1) % len(w.results)
	if w.filled < len(w.results) {
		w.filled++
	}
}

func (w *outcomeWindow) counts() (total, failures int) {
	for i := 0; i < w.filled; i++ {
		if !w.results[i] {
			failures++
		}
	}
	return w.filled, failures
}

func (w *outcomeWindow) reset() {
	w.next = 0
	w.filled = 0
}
