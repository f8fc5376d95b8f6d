// Package journal records inbound envelopes in PostgreSQL.
//
// The journal is a wildcard subscriber of the connection manager. Envelopes
// are buffered in memory and written with pgx.Batch, flushing when the batch
// is full or the flush interval passes. It is append-only and stores only
// received messages.
package journal
