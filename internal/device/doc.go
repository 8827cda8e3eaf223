// Package device defines the contract between the broker and a device driver.
//
// A driver opens authenticated sessions to network devices (router management
// APIs). Each session supports:
//   - Execute: one request, one set of result rows
//   - OpenStream: a continuous, cancellable sequence of events
//
// The broker never looks inside a driver. It only relies on the error
// classification in this package to decide whether a failure is scoped to a
// whole connection or to a single command.
package device
