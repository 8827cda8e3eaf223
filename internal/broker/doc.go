// Package broker multiplexes client subscriptions and one-shot commands onto
// shared device connections.
//
// Components:
//   - Subscription Registry: one physical stream per signature, shared by
//     every subscription with the same device, path and params
//   - Fan-Out Engine: one pump goroutine per physical stream, non-blocking
//     delivery into each client's Sink, direct and broadcast modes
//   - Command Executor: correlated one-shot commands resolved exactly once
//   - Session Manager: per-client ownership and bulk teardown on disconnect
//
// A pump holds its first event until every subscriber that joined during the
// open has been acknowledged. A signature stays reserved until its device
// stream is closed, so a resubscribe waits rather than opening a second one.
//
// Lock order is registry, device table, stream, subscription. No lock is held
// across device or network I/O.
package broker
