package storage

import (
	"maps"
	"slices"

	"github.com/roach88/strata/internal/schema"
)

// RefChangeKind says whether an edge appeared or disappeared.
type RefChangeKind int

const (
	RefAdded RefChangeKind = iota
	RefRemoved
)

func (k RefChangeKind) String() string {
	if k == RefAdded {
		return "added"
	}
	return "removed"
}

// RefChange is one edge-level effect of a refs mutation.
type RefChange struct {
	Kind   RefChangeKind
	Conn   *schema.Connection
	Parent EntityID
	Child  EntityID
}

// refsTable holds every edge of a storage, one container per cardinality.
// In a builder, owned records which connection containers were already
// cloned from the base.
type refsTable struct {
	reg *schema.Registry

	oneToOne          map[*schema.Connection]edgeSet
	oneToMany         map[*schema.Connection]edgeSet
	oneToAbstractMany map[*schema.Connection]edgeSet
	abstractOneToOne  map[*schema.Connection]edgeSet

	owned map[*schema.Connection]bool
}

func newRefsTable(reg *schema.Registry) *refsTable {
	return &refsTable{
		reg:               reg,
		oneToOne:          make(map[*schema.Connection]edgeSet),
		oneToMany:         make(map[*schema.Connection]edgeSet),
		oneToAbstractMany: make(map[*schema.Connection]edgeSet),
		abstractOneToOne:  make(map[*schema.Connection]edgeSet),
		owned:             make(map[*schema.Connection]bool),
	}
}

// mutableCopy shares every container with r; containers are cloned on
// first write.
func (r *refsTable) mutableCopy() *refsTable {
	return &refsTable{
		reg:               r.reg,
		oneToOne:          maps.Clone(r.oneToOne),
		oneToMany:         maps.Clone(r.oneToMany),
		oneToAbstractMany: maps.Clone(r.oneToAbstractMany),
		abstractOneToOne:  maps.Clone(r.abstractOneToOne),
		owned:             make(map[*schema.Connection]bool),
	}
}

func (r *refsTable) container(c *schema.Connection) map[*schema.Connection]edgeSet {
	switch c.Cardinality {
	case schema.OneToOne:
		return r.oneToOne
	case schema.OneToMany:
		return r.oneToMany
	case schema.OneToAbstractMany:
		return r.oneToAbstractMany
	default:
		return r.abstractOneToOne
	}
}

func (r *refsTable) read(c *schema.Connection) edgeSet {
	return r.container(c)[c]
}

func (r *refsTable) write(c *schema.Connection) edgeSet {
	m := r.container(c)
	es, ok := m[c]
	switch {
	case !ok:
		es = newEdgeSet(c)
	case !r.owned[c]:
		es = es.clone()
	default:
		return es
	}
	m[c] = es
	r.owned[c] = true
	return es
}

func (r *refsTable) parentOf(c *schema.Connection, child EntityID) (EntityID, bool) {
	es := r.read(c)
	if es == nil {
		return NoEntity, false
	}
	return es.parentOf(child)
}

func (r *refsTable) childrenOf(c *schema.Connection, parent EntityID) []EntityID {
	es := r.read(c)
	if es == nil {
		return nil
	}
	return es.childrenOf(parent)
}

// parentRef is one parent edge of a child.
type parentRef struct {
	conn *schema.Connection
	id   EntityID
}

// childRefs is the ordered child list of a parent in one connection.
type childRefs struct {
	conn *schema.Connection
	ids  []EntityID
}

func (r *refsTable) parentRefsOfChild(child EntityID) []parentRef {
	var out []parentRef
	for _, c := range r.reg.ParentConnections(child.Type()) {
		if p, ok := r.parentOf(c, child); ok {
			out = append(out, parentRef{conn: c, id: p})
		}
	}
	return out
}

func (r *refsTable) childrenRefsOfParent(parent EntityID) []childRefs {
	var out []childRefs
	for _, c := range r.reg.ChildConnections(parent.Type()) {
		if ids := r.childrenOf(c, parent); len(ids) > 0 {
			out = append(out, childRefs{conn: c, ids: ids})
		}
	}
	return out
}

// replaceParentOfChild links child under parent, moving it away from a
// previous parent in the same connection.
func (r *refsTable) replaceParentOfChild(c *schema.Connection, child, parent EntityID) []RefChange {
	if cur, ok := r.parentOf(c, child); ok && cur == parent {
		return nil
	}
	es := r.write(c)
	var changes []RefChange
	if old, ok := es.unlink(child); ok {
		changes = append(changes, RefChange{Kind: RefRemoved, Conn: c, Parent: old, Child: child})
	}
	es.link(parent, child)
	return append(changes, RefChange{Kind: RefAdded, Conn: c, Parent: parent, Child: child})
}

// replaceChildrenOfParent makes children the exact ordered child list of
// parent. Dropped children are unlinked; the caller decides whether they
// survive.
func (r *refsTable) replaceChildrenOfParent(c *schema.Connection, parent EntityID, children []EntityID) []RefChange {
	old := r.childrenOf(c, parent)
	if slices.Equal(old, children) {
		return nil
	}
	es := r.write(c)
	keep := make(map[EntityID]struct{}, len(children))
	for _, id := range children {
		keep[id] = struct{}{}
	}
	var changes []RefChange
	for _, id := range old {
		if _, ok := keep[id]; ok {
			continue
		}
		es.unlink(id)
		changes = append(changes, RefChange{Kind: RefRemoved, Conn: c, Parent: parent, Child: id})
	}
	for _, id := range children {
		cur, linked := es.parentOf(id)
		if linked && cur == parent {
			continue
		}
		if linked {
			es.unlink(id)
			changes = append(changes, RefChange{Kind: RefRemoved, Conn: c, Parent: cur, Child: id})
		}
		es.link(parent, id)
		changes = append(changes, RefChange{Kind: RefAdded, Conn: c, Parent: parent, Child: id})
	}
	es.setChildren(parent, children)
	return changes
}

func (r *refsTable) removeParentToChildRef(c *schema.Connection, parent, child EntityID) []RefChange {
	if cur, ok := r.parentOf(c, child); !ok || cur != parent {
		return nil
	}
	r.write(c).unlink(child)
	return []RefChange{{Kind: RefRemoved, Conn: c, Parent: parent, Child: child}}
}

func (r *refsTable) removeRefsByChild(child EntityID) []RefChange {
	var changes []RefChange
	for _, p := range r.parentRefsOfChild(child) {
		changes = append(changes, r.removeParentToChildRef(p.conn, p.id, child)...)
	}
	return changes
}

func (r *refsTable) removeRefsByParent(parent EntityID) []RefChange {
	var changes []RefChange
	for _, cr := range r.childrenRefsOfParent(parent) {
		es := r.write(cr.conn)
		for _, id := range cr.ids {
			es.unlink(id)
			changes = append(changes, RefChange{Kind: RefRemoved, Conn: cr.conn, Parent: parent, Child: id})
		}
	}
	return changes
}

// reorderChildren permutes the existing children of parent. Ids not
// currently linked to parent are ignored; linked ids missing from order
// keep their relative order at the end.
func (r *refsTable) reorderChildren(c *schema.Connection, parent EntityID, order []EntityID) bool {
	cur := r.childrenOf(c, parent)
	if len(cur) < 2 {
		return false
	}
	present := make(map[EntityID]bool, len(cur))
	for _, id := range cur {
		present[id] = true
	}
	next := make([]EntityID, 0, len(cur))
	for _, id := range order {
		if present[id] {
			next = append(next, id)
			present[id] = false
		}
	}
	for _, id := range cur {
		if present[id] {
			next = append(next, id)
		}
	}
	if slices.Equal(cur, next) {
		return false
	}
	r.write(c).setChildren(parent, next)
	return true
}

// connections returns every connection holding at least one container, in
// registry order.
func (r *refsTable) connections() []*schema.Connection {
	var out []*schema.Connection
	for _, c := range r.reg.Connections() {
		if r.read(c) != nil {
			out = append(out, c)
		}
	}
	return out
}
