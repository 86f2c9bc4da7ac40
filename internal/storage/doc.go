// Package storage implements the fleet persistence contract.
//
// Drivers:
//   - "memory": in-process maps, lost on exit
//   - "file":   memory plus a JSON snapshot and an append-only audit log
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL via lib/pq
//
// All drivers give fleet.Store its transactional contract: Update either
// commits every write made by its function or none of them.
package storage
