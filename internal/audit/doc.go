// Package audit persists completed one-shot commands to the exec_audit table.
//
// The broker hands each finished exec to Writer.Record, which never blocks:
// records are buffered and batch-inserted by size or on a flush interval.
package audit
