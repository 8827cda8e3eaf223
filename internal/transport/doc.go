// Package transport is the browser-facing WebSocket adapter.
//
// Each browser channel gets one broker session. Inbound JSON messages are
// validated and turned into broker calls; broker notices are encoded and
// written by a dedicated writer goroutine from a bounded per-client queue, so
// the fan-out never waits on a slow browser.
package transport
