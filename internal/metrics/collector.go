package metrics

import (
	"context"
	"log/slog"
	"time"
)

type EventType string

const (
	EventRequestReceived     EventType = "request_received"
	EventResponseCompleted   EventType = "response_completed"
	EventRateLimited         EventType = "rate_limited"
	EventCircuitRejected     EventType = "circuit_rejected"
	EventCircuitStateChanged EventType = "circuit_state_changed"
	EventDedup               EventType = "dedup"
	EventRetryAttempt        EventType = "retry_attempt"
	EventUpstreamError       EventType = "upstream_error"
)

// Dedup results carried in MetricEvent.Result.
const (
	DedupHit    = "hit"
	DedupMiss   = "miss"
	DedupBypass = "bypass"
)

type MetricEvent struct {
	Type       EventType
	Timestamp  time.Time
	Target     string
	Dimension  string
	Duration   time.Duration
	StatusCode int
	State      string
	Result     string
	Attempt    int
	Class      string
}

// Sink receives every processed event, after the in-memory metrics are updated.
type Sink interface {
	Observe(event MetricEvent)
}

type Collector struct {
	eventCh chan MetricEvent
	metrics *Metrics
	sinks   []Sink
	logger  *slog.Logger
}

func NewCollector(bufferSize int, logger *slog.Logger, sinks ...Sink) *Collector {
	return &Collector{
		eventCh: make(chan MetricEvent, bufferSize),
		metrics: NewMetrics(),
		sinks:   sinks,
		logger:  logger,
	}
}

// Emit queues event without blocking. Events are dropped when the buffer is
// full. A nil collector ignores events.
func (c *Collector) Emit(event MetricEvent) {
	if c == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case c.eventCh <- event:
	default:
	}
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			// Drain remaining events before shutdown
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventRequestReceived:
		c.metrics.IncrementRequests(event.Target)

	case EventResponseCompleted:
		c.metrics.RecordResponse(event.Target, event.Duration, event.StatusCode)

	case EventRateLimited:
		c.metrics.RecordRateLimited(event.Dimension)

	case EventCircuitRejected:
		c.metrics.RecordCircuitRejection(event.Target)

	case EventCircuitStateChanged:
		c.metrics.UpdateCircuitState(event.Target, event.State)

	case EventDedup:
		c.metrics.RecordDedup(event.Target, event.Result)

	case EventRetryAttempt:
		c.metrics.RecordRetry(event.Target)

	case EventUpstreamError:
		c.metrics.RecordUpstreamError(event.Target, event.Class)
	}

	for _, sink := range c.sinks {
		sink.Observe(event)
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot() Snapshot {
	return c.metrics.Snapshot()
}
