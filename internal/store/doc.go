// Package store persists registered agents and the task ledger.
//
// # Architecture
//
// A single Store interface covers both record kinds. Two drivers implement it:
//
//   - FileStore: one JSON document holding every agent and ledger entry. The
//     document is loaded wholesale at startup and rewritten wholesale (temp
//     file, fsync, rename) on every mutation.
//   - SQLiteStore: tables agents and tasks in a WAL-mode SQLite database
//     (modernc.org/sqlite, no cgo) with synchronous=FULL.
//
// SealedStore decorates either driver and encrypts agent passwords and tokens
// with NaCl secretbox before they are written.
//
// MockStore is an in-memory implementation for tests.
//
// # Data Models
//
//   - AgentRecord: address (identity), credentials and last token
//   - TaskRecord: (agent, task id) key, target, status, last-seen result
//     counts and timestamps
//
// # Durability
//
// Every mutating method returns only after the change is on disk, so a
// status transition reported to a caller cannot be lost by a crash.
//
// # Document Layout
//
//	{
//	  "version": 1,
//	  "agents": {"https://10.0.0.1:5003": {"username": "admin", "token": "..."}},
//	  "tasks": {"https://10.0.0.1:5003": {"65f0...": {"status": "running", "counts": {...}}}}
//	}
package store
