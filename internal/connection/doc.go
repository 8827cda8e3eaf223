// Package connection implements the device bridge driver.
//
// The driver:
//   - Dials one WebSocket per device session with HTTP Basic credentials
//   - Correlates execute replies and stream events by request id
//   - Pings the bridge and treats a silent bridge as a lost connection
//   - Fails every pending execute and open stream when the socket dies
//
// It never reconnects. Reconnection is the caller's decision.
package connection
