// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - WebSocket connection state and frame rates
//   - Dropped inbound frames by decode reason
//   - Reconnect attempts and exhaustion
//   - Subscriber handler failures
//   - Journal batch inserts
//
// All recording methods are safe to call on a nil *Metrics, so components can
// run without instrumentation in tests.
package metrics
