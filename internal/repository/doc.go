// Package repository defines the persistent store for synthesis results.
//
// A Store keeps three bounded tables:
//
//   - reports, capped by count and evicted oldest first
//   - signatures, upserted by their deterministic id and evicted lowest
//     confidence first
//   - fragments flushed by the collector, evicted oldest first and flagged
//     once a run has analyzed them
//
// Payloads are stored as JSON and compressed above a size threshold. A global
// quota on stored bytes is checked on open, every few writes and by
// RunQuotaLoop; exceeding it removes the oldest half of every table.
//
// Two implementations exist: sqlite (modernc.org/sqlite, the default) and
// badger (dgraph-io/badger). Both are tested with the shared suite in
// storetest.
package repository
