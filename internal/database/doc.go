// Package database provides the optional PostgreSQL store behind the broker.
//
// It holds two tables:
//   - routers: stored device records that subscribe and exec requests can
//     reference by routerId instead of carrying credentials inline
//   - exec_audit: one row per completed one-shot command, written by the
//     audit package
package database
