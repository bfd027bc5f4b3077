// Package storage is the strata entity store.
//
// A storage holds typed entities and the typed, cardinality-constrained
// edges between them. It exists in two forms:
//
//   - Snapshot: immutable, safe to share between goroutines, cheap to keep
//     around. Derived computations can be cached per snapshot with Cached.
//   - Builder: mutable, derived from one base snapshot. Every structural
//     change is journalled, and ToSnapshot freezes the current content at
//     a cost proportional to what was touched.
//
// Entities of one concrete type live in a dense slot array (a family).
// Builders copy a family, an edge container or an index only on their first
// write to it, so untouched parts stay shared with the base snapshot.
//
// Beyond plain add/modify/remove, a builder supports two composite
// operations:
//
//   - ApplyChangesFrom replays another builder's journal, translating the
//     ids of entities that builder created.
//   - ReplaceBySource reconciles the entities selected by a source
//     predicate against a replacement storage, keeping ids of matched
//     entities stable.
//
// Data anomalies (duplicate symbolic ids, unresolvable references, broken
// invariants) are logged and leave a sticky broken flag instead of failing
// the operation. Invalid arguments return a *StorageError. Mutating an
// entity outside its ModifyEntity callback, or through a builder that does
// not own it, panics.
package storage
