package storage

import (
	"github.com/roach88/strata/internal/schema"
	"github.com/roach88/strata/internal/value"
)

// Loader bulk-builds a snapshot with caller-chosen ids, as when reading a
// persisted document back. Nothing is journalled.
type Loader struct {
	st   *state
	done bool
}

// NewLoader returns a loader over reg.
func NewLoader(reg *schema.Registry) *Loader {
	return &Loader{st: newState(reg)}
}

// Put stores an entity at id. Slots skipped between puts become
// tombstones.
func (l *Loader) Put(id EntityID, src Source, fields value.Record) error {
	l.check()
	t, ok := l.st.reg.TypeByID(id.Type())
	if !ok {
		return newError(ErrCodeUnknownType, "no type with id %d", id.Type()).withEntity(id)
	}
	if t.Abstract {
		return newError(ErrCodeAbstractType, "cannot instantiate abstract type %s", t.Name).withEntity(id)
	}
	if err := validateFields(t, fields); err != nil {
		return err
	}
	f := l.st.writableFamily(t.ID, nil)
	if f.state(id.Slot()) == slotFilled {
		return newError(ErrCodeIllegalMutation, "entity %s loaded twice", id).withEntity(id)
	}
	d := &EntityData{Type: t.ID, Source: src, Fields: normalizeFields(fields)}
	if sid, ok := symbolicKey(t, d.Fields); ok {
		if other, dup := l.st.idx.resolve(sid); dup {
			return newError(ErrCodeDuplicateSymbolicID, "%s already held by %s", sid, other).withEntity(id)
		}
	}
	f.insertAt(id.Slot(), d)
	l.st.indexEntity(id, d)
	return nil
}

// Link appends child to the children of parent in conn.
func (l *Loader) Link(conn *schema.Connection, parent, child EntityID) error {
	l.check()
	for _, ep := range []struct {
		id       EntityID
		declared schema.TypeID
	}{{parent, conn.Parent}, {child, conn.Child}} {
		if !l.st.exists(ep.id) {
			return newError(ErrCodeEntityNotFound, "%s: entity %s not loaded", conn.Name, ep.id).
				withConnection(conn).withEntity(ep.id)
		}
		if !l.st.reg.IsAssignable(ep.id.Type(), ep.declared) {
			return newError(ErrCodeConnectionMismatch, "%s: %s is not assignable to %s",
				conn.Name, l.st.reg.TypeName(ep.id.Type()), l.st.reg.TypeName(ep.declared)).
				withConnection(conn).withEntity(ep.id)
		}
	}
	if parent == child {
		return newError(ErrCodeSelfReference, "%s: %s cannot be its own child", conn.Name, child).
			withConnection(conn).withEntity(child)
	}
	if p, ok := l.st.refs.parentOf(conn, child); ok {
		return newError(ErrCodeConnectionMismatch, "%s: %s already has parent %s", conn.Name, child, p).
			withConnection(conn).withEntity(child)
	}
	if conn.Cardinality.Single() && len(l.st.refs.childrenOf(conn, parent)) > 0 {
		return newError(ErrCodeConnectionMismatch, "%s: %s already has a child", conn.Name, parent).
			withConnection(conn).withEntity(parent)
	}
	l.st.refs.replaceParentOfChild(conn, child, parent)
	return nil
}

// Finish returns the loaded snapshot. The loader cannot be used after.
func (l *Loader) Finish() *Snapshot {
	l.check()
	l.done = true
	return newSnapshot(l.st, false)
}

func (l *Loader) check() {
	if l.done {
		panic(newError(ErrCodeIllegalMutation, "loader used after Finish"))
	}
}
