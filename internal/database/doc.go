// Package database provides connection pool management for the message journal.
//
// The link itself never needs a database; the pool exists only when the
// journal is enabled, and startup retries the first connection so the daemon
// can come up before PostgreSQL does.
package database
