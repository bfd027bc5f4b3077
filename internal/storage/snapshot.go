package storage

import (
	"iter"
	"sync"
	"sync/atomic"

	"github.com/roach88/strata/internal/schema"
)

var snapshotVersions atomic.Uint64

// Snapshot is an immutable view of a storage. It is safe for concurrent
// use without locking.
type Snapshot struct {
	st      *state
	version uint64
	broken  bool

	// wrappers memoizes *Entity by id. Racing creations are harmless:
	// the first stored wrapper wins.
	wrappers sync.Map

	// cache holds Cached results keyed by *Query. It starts empty for
	// every snapshot.
	cache sync.Map
}

func newSnapshot(st *state, broken bool) *Snapshot {
	return &Snapshot{st: st, version: snapshotVersions.Add(1), broken: broken}
}

// Empty returns a snapshot with no entities.
func Empty(reg *schema.Registry) *Snapshot {
	return newSnapshot(newState(reg), false)
}

// Version is a process-wide increasing number; later snapshots have
// larger versions.
func (s *Snapshot) Version() uint64 { return s.version }

// Broken reports whether the builder that produced s had detected a
// consistency violation.
func (s *Snapshot) Broken() bool { return s.broken }

// ToBuilder derives a builder whose base is s.
func (s *Snapshot) ToBuilder(opts ...Option) *Builder {
	return newBuilder(s, opts...)
}

// Registry returns the schema the storage is typed by.
func (s *Snapshot) Registry() *schema.Registry { return s.st.reg }

func (s *Snapshot) view() *state { return s.st }

func (s *Snapshot) wrap(id EntityID) *Entity {
	if e, ok := s.wrappers.Load(id); ok {
		return e.(*Entity)
	}
	e, _ := s.wrappers.LoadOrStore(id, newEntity(s, id, s.st.data(id)))
	return e.(*Entity)
}

// Entities yields the entities of the named type and its subtypes.
func (s *Snapshot) Entities(typeName string) iter.Seq[*Entity] {
	return entitiesOf(s, typeName)
}

// Entity looks up an entity by id.
func (s *Snapshot) Entity(id EntityID) (*Entity, bool) {
	return entityOf(s, id)
}

// Resolve finds the entity carrying the symbolic id.
func (s *Snapshot) Resolve(id SymbolicID) (*Entity, bool) {
	return resolveIn(s, id)
}

// Referrers yields entities of typeName whose fields link to id.
func (s *Snapshot) Referrers(id SymbolicID, typeName string) iter.Seq[*Entity] {
	return referrersOf(s, id, typeName)
}

// EntitiesBySource yields entities whose source satisfies pred.
func (s *Snapshot) EntitiesBySource(pred func(Source) bool) iter.Seq[*Entity] {
	return entitiesBySourceOf(s, pred)
}

// Children returns the children of parent in conn, in stored order.
func (s *Snapshot) Children(conn *schema.Connection, parent *Entity) []*Entity {
	return childrenOf(s, conn, parent)
}

// Parent returns the parent of child in conn.
func (s *Snapshot) Parent(conn *schema.Connection, child *Entity) (*Entity, bool) {
	return parentOf(s, conn, child)
}

// Count returns the number of live entities.
func (s *Snapshot) Count() int { return s.st.count() }

// Consistency runs the invariant checks against s.
func (s *Snapshot) Consistency() error {
	if v := checkState(s.st); len(v) > 0 {
		return &ConsistencyError{Violations: v}
	}
	return nil
}
