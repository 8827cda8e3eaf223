// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Device connection pool size and dial failures
//   - Physical streams, subscriptions and client sessions
//   - Fan-out deliveries and per-client delivery failures
//   - Exec outcomes and latency
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics
