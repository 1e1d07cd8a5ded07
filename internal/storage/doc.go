// Package storage is the result journal: an append-only record of every
// terminal task result, queryable by batch id.
//
// Drivers:
//   - "file": JSON Lines file (<prefix>.results.jsonl)
//   - "sqlite": SQLite database (modernc.org/sqlite, pure Go)
//
// The journal is a reporting trail. Nothing is replayed from it.
package storage
