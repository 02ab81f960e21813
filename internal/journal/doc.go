// Package journal records received envelopes in PostgreSQL.
//
// A Journal subscribes to message types on a dispatch registry, queues each
// payload in a bounded Buffer, and flushes batches with pgx.Batch on a size
// or time trigger. Rows are append-only and keyed by a random UUID.
package journal
