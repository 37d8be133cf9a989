package metrics

import (
	"sort"
	"sync"
	"time"
)

const maxResponseSamples = 1000

type Metrics struct {
	mutex          sync.RWMutex
	requests       map[string]int64
	responseTimes  map[string][]time.Duration
	statusCodes    map[string]map[int]int64
	circuitStates  map[string]string
	circuitRejects map[string]int64
	transitions    map[string]int64
	dedup          map[string]map[string]int64
	retries        map[string]int64
	upstreamErrors map[string]map[string]int64
	rateLimited    map[string]int64
	startTime      time.Time
}

type Snapshot struct {
	TotalRequests    int64                    `json:"total_requests"`
	TotalRateLimited int64                    `json:"total_rate_limited"`
	Uptime           time.Duration            `json:"uptime"`
	RateLimited      map[string]int64         `json:"rate_limited"`
	Targets          map[string]TargetMetrics `json:"targets"`
}

type TargetMetrics struct {
	Requests           int64            `json:"requests"`
	AvgResponse        time.Duration    `json:"avg_response"`
	P50Response        time.Duration    `json:"p50_response"`
	P95Response        time.Duration    `json:"p95_response"`
	P99Response        time.Duration    `json:"p99_response"`
	StatusCodes        map[int]int64    `json:"status_codes"`
	CircuitState       string           `json:"circuit_state,omitempty"`
	CircuitRejections  int64            `json:"circuit_rejections"`
	CircuitTransitions int64            `json:"circuit_transitions"`
	Dedup              map[string]int64 `json:"dedup"`
	Retries            int64            `json:"retries"`
	UpstreamErrors     map[string]int64 `json:"upstream_errors"`
}

func (m *Metrics) IncrementRequests(target string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.requests[target]++
}

func (m *Metrics) RecordResponse(target string, duration time.Duration, statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.responseTimes[target] = append(m.responseTimes[target], duration)

	if len(m.responseTimes[target]) > maxResponseSamples {
		m.responseTimes[target] = m.responseTimes[target][1:]
	}

	if m.statusCodes[target] == nil {
		m.statusCodes[target] = make(map[int]int64)
	}
	m.statusCodes[target][statusCode]++
}

func (m *Metrics) RecordRateLimited(dimension string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.rateLimited[dimension]++
}

func (m *Metrics) RecordCircuitRejection(target string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.circuitRejects[target]++
}

func (m *Metrics) UpdateCircuitState(target, state string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.circuitStates[target] = state
	m.transitions[target]++
}

// RecordDedup counts one deduplication outcome (hit, miss or bypass).
func (m *Metrics) RecordDedup(target, result string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.dedup[target] == nil {
		m.dedup[target] = make(map[string]int64)
	}
	m.dedup[target][result]++
}

func (m *Metrics) RecordRetry(target string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.retries[target]++
}

func (m *Metrics) RecordUpstreamError(target, class string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.upstreamErrors[target] == nil {
		m.upstreamErrors[target] = make(map[string]int64)
	}
	m.upstreamErrors[target][class]++
}

func (m *Metrics) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Uptime:      time.Since(m.startTime),
		RateLimited: make(map[string]int64, len(m.rateLimited)),
		Targets:     make(map[string]TargetMetrics),
	}

	for dimension, count := range m.rateLimited {
		snap.RateLimited[dimension] = count
		snap.TotalRateLimited += count
	}

	// Collect every target seen by any event
	allTargets := make(map[string]bool)
	for target := range m.requests {
		allTargets[target] = true
	}
	for target := range m.responseTimes {
		allTargets[target] = true
	}
	for target := range m.circuitStates {
		allTargets[target] = true
	}
	for target := range m.circuitRejects {
		allTargets[target] = true
	}
	for target := range m.dedup {
		allTargets[target] = true
	}
	for target := range m.retries {
		allTargets[target] = true
	}
	for target := range m.upstreamErrors {
		allTargets[target] = true
	}

	for target := range allTargets {
		snap.TotalRequests += m.requests[target]

		tm := TargetMetrics{
			Requests:           m.requests[target],
			StatusCodes:        copyMap(m.statusCodes[target]),
			CircuitState:       m.circuitStates[target],
			CircuitRejections:  m.circuitRejects[target],
			CircuitTransitions: m.transitions[target],
			Dedup:              copyMap(m.dedup[target]),
			Retries:            m.retries[target],
			UpstreamErrors:     copyMap(m.upstreamErrors[target]),
		}

		durations := m.responseTimes[target]
		if len(durations) > 0 {
			sorted := make([]time.Duration, len(durations))
			copy(sorted, durations)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			tm.AvgResponse = average(sorted)
			tm.P50Response = percentile(sorted, 0.50)
			tm.P95Response = percentile(sorted, 0.95)
			tm.P99Response = percentile(sorted, 0.99)
		}

		snap.Targets[target] = tm
	}

	return snap
}

func NewMetrics() *Metrics {
	return &Metrics{
		requests:       make(map[string]int64),
		responseTimes:  make(map[string][]time.Duration),
		statusCodes:    make(map[string]map[int]int64),
		circuitStates:  make(map[string]string),
		circuitRejects: make(map[string]int64),
		transitions:    make(map[string]int64),
		dedup:          make(map[string]map[string]int64),
		retries:        make(map[string]int64),
		upstreamErrors: make(map[string]map[string]int64),
		rateLimited:    make(map[string]int64),
		startTime:      time.Now(),
	}
}

func copyMap[K comparable](src map[K]int64) map[K]int64 {
	dst := make(map[K]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
