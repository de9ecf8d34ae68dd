// Package ledger appends terminal transactions to PostgreSQL.
//
// The broker hands each finished Transaction to Writer.Record, which only
// enqueues it. A consumer goroutine batches rows and inserts them with
// pgx.Batch; a ticker flushes partial batches. Rows are insert-only and
// keyed by transaction id, so a replayed row is counted as a conflict.
package ledger
