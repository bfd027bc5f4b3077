package storage

import (
	"iter"
	"slices"

	"github.com/roach88/strata/internal/schema"
	"github.com/roach88/strata/internal/value"
)

// Storage is the read surface shared by snapshots and builders.
type Storage interface {
	// Registry returns the type registry the storage was created with.
	Registry() *schema.Registry

	// Entities yields every entity whose type is typeName or one of its
	// subtypes, in id order.
	Entities(typeName string) iter.Seq[*Entity]

	// Entity looks up an entity by id.
	Entity(id EntityID) (*Entity, bool)

	// Resolve looks up the entity exposing a symbolic id.
	Resolve(id SymbolicID) (*Entity, bool)

	// Referrers yields entities of type typeName (or a subtype) holding a
	// soft link to id, in id order.
	Referrers(id SymbolicID, typeName string) iter.Seq[*Entity]

	// EntitiesBySource yields entities whose source satisfies pred,
	// grouped by source in source order.
	EntitiesBySource(pred func(Source) bool) iter.Seq[*Entity]

	// Children returns the children of parent in conn, in stored order.
	Children(conn *schema.Connection, parent *Entity) []*Entity

	// Parent returns the parent of child in conn.
	Parent(conn *schema.Connection, child *Entity) (*Entity, bool)

	// Count returns the number of stored entities.
	Count() int

	view() *state
	wrap(id EntityID) *Entity
}

func entitiesOf(s Storage, typeName string) iter.Seq[*Entity] {
	return func(yield func(*Entity) bool) {
		st := s.view()
		t, ok := st.reg.Type(typeName)
		if !ok {
			return
		}
		for _, id := range st.idsAssignableTo(t.ID) {
			if !yield(s.wrap(id)) {
				return
			}
		}
	}
}

func entityOf(s Storage, id EntityID) (*Entity, bool) {
	if !s.view().exists(id) {
		return nil, false
	}
	return s.wrap(id), true
}

func resolveIn(s Storage, sid SymbolicID) (*Entity, bool) {
	id, ok := s.view().idx.resolve(sid)
	if !ok {
		return nil, false
	}
	return entityOf(s, id)
}

func referrersOf(s Storage, sid SymbolicID, typeName string) iter.Seq[*Entity] {
	return func(yield func(*Entity) bool) {
		st := s.view()
		t, ok := st.reg.Type(typeName)
		if !ok {
			return
		}
		for _, id := range st.idx.softLinks.ids(sid.Link()) {
			if !st.reg.IsAssignable(id.Type(), t.ID) {
				continue
			}
			if !yield(s.wrap(id)) {
				return
			}
		}
	}
}

// sourceIDs lists ids by source order, then id order.
func sourceIDs(st *state, pred func(Source) bool) []EntityID {
	srcs := st.idx.bySource.keys()
	slices.SortFunc(srcs, compareSources)
	var out []EntityID
	for _, src := range srcs {
		if pred(src) {
			out = append(out, st.idx.bySource.ids(src)...)
		}
	}
	return out
}

func entitiesBySourceOf(s Storage, pred func(Source) bool) iter.Seq[*Entity] {
	return func(yield func(*Entity) bool) {
		for _, id := range sourceIDs(s.view(), pred) {
			if !yield(s.wrap(id)) {
				return
			}
		}
	}
}

func childrenOf(s Storage, conn *schema.Connection, parent *Entity) []*Entity {
	if parent == nil {
		return nil
	}
	ids := s.view().refs.childrenOf(conn, parent.id)
	out := make([]*Entity, 0, len(ids))
	for _, id := range ids {
		if s.view().exists(id) {
			out = append(out, s.wrap(id))
		}
	}
	return out
}

func parentOf(s Storage, conn *schema.Connection, child *Entity) (*Entity, bool) {
	if child == nil {
		return nil, false
	}
	p, ok := s.view().refs.parentOf(conn, child.id)
	if !ok {
		return nil, false
	}
	return entityOf(s, p)
}

// Entity is a read view of one stored entity. Entities read from a builder
// follow later modifications made through that builder.
type Entity struct {
	id    EntityID
	data  *EntityData
	typ   *schema.EntityType
	store Storage
}

func newEntity(s Storage, id EntityID, d *EntityData) *Entity {
	return &Entity{id: id, data: d, typ: s.view().typeOf(id), store: s}
}

func (e *Entity) current() *EntityData {
	if b, ok := e.store.(*Builder); ok {
		if d := b.st.data(e.id); d != nil {
			return d
		}
	}
	return e.data
}

// ID returns the entity's id within its storage line.
func (e *Entity) ID() EntityID { return e.id }

// Type returns the entity's concrete type.
func (e *Entity) Type() *schema.EntityType { return e.typ }

// TypeName returns the name of the entity's concrete type.
func (e *Entity) TypeName() string { return e.typ.Name }

// Source returns the entity's provenance tag.
func (e *Entity) Source() Source { return e.current().Source }

// Field returns the named field, or value.Null when unset.
func (e *Entity) Field(name string) value.Value {
	return e.current().Fields.Get(name)
}

// Fields returns a copy of every set field.
func (e *Entity) Fields() value.Record {
	return e.current().Fields.Clone()
}

// SymbolicID returns the entity's business key, if its type declares one.
func (e *Entity) SymbolicID() (SymbolicID, bool) {
	return symbolicKey(e.typ, e.current().Fields)
}

// Children returns the children of e in conn.
func (e *Entity) Children(conn *schema.Connection) []*Entity {
	return e.store.Children(conn, e)
}

// Parent returns the parent of e in conn.
func (e *Entity) Parent(conn *schema.Connection) (*Entity, bool) {
	return e.store.Parent(conn, e)
}

// Storage returns the storage e was read from.
func (e *Entity) Storage() Storage { return e.store }

func (e *Entity) String() string {
	if sid, ok := e.SymbolicID(); ok {
		return sid.String()
	}
	return e.typ.Name + "#" + e.id.String()
}
