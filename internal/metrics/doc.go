// Package metrics provides real-time metrics collection for the gateway.
//
// It uses a channel-based event pipeline to asynchronously collect metrics about:
//   - Request counts and response times per target (P50, P95, P99)
//   - HTTP status code distribution
//   - Rate-limit rejections per dimension
//   - Circuit rejections and state transitions
//   - Deduplication hits, misses and bypasses
//   - Retry attempts and final upstream error classes
//
// The collector runs in a dedicated goroutine and processes events without blocking
// the request path. Emit never blocks: events are dropped when the buffer is full.
// Each processed event is also handed to the registered sinks, such as the
// Prometheus exporter.
//
// Example usage:
//
//	exporter := metrics.NewPrometheusExporter()
//	collector := metrics.NewCollector(1000, logger, exporter)
//	collector.Start(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:       metrics.EventResponseCompleted,
//		Target:     "openai",
//		Duration:   150 * time.Millisecond,
//		StatusCode: 200,
//	})
//
//	snapshot := collector.Snapshot()
package metrics
