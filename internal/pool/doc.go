// Package pool implements the device Connection Pool.
//
// The pool:
//   - Keys connections by device identity (host, port, credentials fingerprint)
//   - Coalesces concurrent Acquire calls for one identity onto a single dial
//   - Reference-counts connections shared by many physical streams and execs
//   - Closes unreferenced connections after an idle grace period
//   - Drops a connection from the pool as soon as the device side goes away
//
// The pool never retries a failed dial. Every waiter on a failed dial receives
// the same error and the caller decides what to report.
package pool
