// Package persist saves strata snapshots outside the process.
//
// Encode and Decode turn a snapshot into a JSON document and back. The
// document keeps entity ids, sources and canonical field values, plus the
// edges of every connection in child order, so a decoded snapshot has the
// same ids and the same indexes as the one encoded. Slots absent from the
// document come back as tombstones.
//
// Store keeps versioned snapshots in SQLite, normalized into rows:
//   - snapshots: one row per saved version, with label and content digest
//   - entities: one row per entity of a version
//   - edges: one row per child, with its position under the parent
//   - diagnostics: dumps reported by failed consistency checks
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Digests are computed by value.Digest with the snapshot domain over the
// Encode document.
package persist
