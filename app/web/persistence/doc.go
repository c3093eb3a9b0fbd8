// Package persistence provides storage for blog users and posts.
// The only backend is SQLite (pure-go driver) accessed through sqlx, with WAL mode
// enabled for better concurrency between readers and the single writer.
package persistence
