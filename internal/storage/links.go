package storage

import (
	"maps"
	"slices"

	"github.com/roach88/strata/internal/schema"
)

// edgeSet holds the parent/child edges of one connection. Child lists are
// ordered. Slices handed out by childrenOf are shared and must not be
// modified; writers always install fresh slices.
type edgeSet interface {
	parentOf(child EntityID) (EntityID, bool)
	childrenOf(parent EntityID) []EntityID
	// link appends child to parent's children. child must be unlinked.
	link(parent, child EntityID)
	unlink(child EntityID) (EntityID, bool)
	// setChildren replaces parent's child list. Every listed child must
	// already be linked to parent.
	setChildren(parent EntityID, children []EntityID)
	parents() []EntityID
	clone() edgeSet
}

func newEdgeSet(c *schema.Connection) edgeSet {
	if c.Cardinality.Abstract() {
		return &idLinks{
			parent:   make(map[EntityID]EntityID),
			children: make(map[EntityID][]EntityID),
		}
	}
	return &slotLinks{
		parentType: c.Parent,
		childType:  c.Child,
		children:   make(map[int32][]int32),
	}
}

// slotLinks serves connections whose endpoints are both concrete, so
// edges can be stored as slot indexes.
type slotLinks struct {
	parentType schema.TypeID
	childType  schema.TypeID

	// parent[childSlot] is parentSlot+1, 0 meaning no parent.
	parent   []int32
	children map[int32][]int32
}

func (l *slotLinks) parentOf(child EntityID) (EntityID, bool) {
	s := child.Slot()
	if child.Type() != l.childType || s >= len(l.parent) || l.parent[s] == 0 {
		return NoEntity, false
	}
	return NewEntityID(int(l.parent[s]-1), l.parentType), true
}

func (l *slotLinks) childrenOf(parent EntityID) []EntityID {
	if parent.Type() != l.parentType {
		return nil
	}
	slots := l.children[int32(parent.Slot())]
	if len(slots) == 0 {
		return nil
	}
	out := make([]EntityID, len(slots))
	for i, s := range slots {
		out[i] = NewEntityID(int(s), l.childType)
	}
	return out
}

func (l *slotLinks) link(parent, child EntityID) {
	cs := child.Slot()
	for len(l.parent) <= cs {
		l.parent = append(l.parent, 0)
	}
	ps := int32(parent.Slot())
	l.parent[cs] = ps + 1
	old := l.children[ps]
	next := make([]int32, len(old), len(old)+1)
	copy(next, old)
	l.children[ps] = append(next, int32(cs))
}

func (l *slotLinks) unlink(child EntityID) (EntityID, bool) {
	p, ok := l.parentOf(child)
	if !ok {
		return NoEntity, false
	}
	cs := int32(child.Slot())
	l.parent[cs] = 0
	ps := int32(p.Slot())
	old := l.children[ps]
	next := make([]int32, 0, len(old))
	for _, s := range old {
		if s != cs {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		delete(l.children, ps)
	} else {
		l.children[ps] = next
	}
	return p, true
}

func (l *slotLinks) setChildren(parent EntityID, children []EntityID) {
	ps := int32(parent.Slot())
	if len(children) == 0 {
		delete(l.children, ps)
		return
	}
	next := make([]int32, len(children))
	for i, c := range children {
		next[i] = int32(c.Slot())
	}
	l.children[ps] = next
}

func (l *slotLinks) parents() []EntityID {
	slots := slices.Sorted(maps.Keys(l.children))
	out := make([]EntityID, len(slots))
	for i, s := range slots {
		out[i] = NewEntityID(int(s), l.parentType)
	}
	return out
}

func (l *slotLinks) clone() edgeSet {
	return &slotLinks{
		parentType: l.parentType,
		childType:  l.childType,
		parent:     slices.Clone(l.parent),
		children:   maps.Clone(l.children),
	}
}

// idLinks serves abstract connections, whose endpoints span several
// concrete types.
type idLinks struct {
	parent   map[EntityID]EntityID
	children map[EntityID][]EntityID
}

func (l *idLinks) parentOf(child EntityID) (EntityID, bool) {
	p, ok := l.parent[child]
	if !ok {
		return NoEntity, false
	}
	return p, true
}

func (l *idLinks) childrenOf(parent EntityID) []EntityID {
	return l.children[parent]
}

func (l *idLinks) link(parent, child EntityID) {
	l.parent[child] = parent
	old := l.children[parent]
	next := make([]EntityID, len(old), len(old)+1)
	copy(next, old)
	l.children[parent] = append(next, child)
}

func (l *idLinks) unlink(child EntityID) (EntityID, bool) {
	p, ok := l.parent[child]
	if !ok {
		return NoEntity, false
	}
	delete(l.parent, child)
	next := slices.DeleteFunc(slices.Clone(l.children[p]), func(id EntityID) bool { return id == child })
	if len(next) == 0 {
		delete(l.children, p)
	} else {
		l.children[p] = next
	}
	return p, true
}

func (l *idLinks) setChildren(parent EntityID, children []EntityID) {
	if len(children) == 0 {
		delete(l.children, parent)
		return
	}
	l.children[parent] = slices.Clone(children)
}

func (l *idLinks) parents() []EntityID {
	return slices.Sorted(maps.Keys(l.children))
}

func (l *idLinks) clone() edgeSet {
	return &idLinks{
		parent:   maps.Clone(l.parent),
		children: maps.Clone(l.children),
	}
}
