package storage

import (
	"slices"

	"github.com/roach88/strata/internal/schema"
)

// state is the whole structural content of a storage. A snapshot's state
// is never written. A builder's state shares every sub-collection with its
// base until the first write to it.
type state struct {
	reg      *schema.Registry
	families barrel
	owned    []bool
	refs     *refsTable
	idx      *indexes
}

func newState(reg *schema.Registry) *state {
	return &state{
		reg:      reg,
		families: newBarrel(reg),
		owned:    make([]bool, reg.TypeCount()),
		refs:     newRefsTable(reg),
		idx:      newIndexes(),
	}
}

func (s *state) mutableCopy() *state {
	return &state{
		reg:      s.reg,
		families: slices.Clone(s.families),
		owned:    make([]bool, len(s.families)),
		refs:     s.refs.mutableCopy(),
		idx:      s.idx.mutableCopy(),
	}
}

func (s *state) writableFamily(t schema.TypeID, freed map[int]struct{}) *family {
	if s.owned[t] && s.families[t] != nil {
		return s.families[t]
	}
	f := s.families[t].mutableCopy(freed)
	s.families[t] = f
	s.owned[t] = true
	return f
}

func (s *state) typeOf(id EntityID) *schema.EntityType {
	t, _ := s.reg.TypeByID(id.Type())
	return t
}

func (s *state) data(id EntityID) *EntityData {
	if id < 0 {
		return nil
	}
	return s.families.family(id.Type()).get(id.Slot())
}

func (s *state) exists(id EntityID) bool {
	return s.data(id) != nil
}

func (s *state) slotState(id EntityID) slotState {
	if id < 0 {
		return slotFree
	}
	return s.families.family(id.Type()).state(id.Slot())
}

// ids lists the filled slots of concrete type t in slot order.
func (s *state) ids(t schema.TypeID) []EntityID {
	f := s.families.family(t)
	if f == nil {
		return nil
	}
	out := make([]EntityID, 0, f.filled)
	for i, sl := range f.slots {
		if sl.state == slotFilled {
			out = append(out, NewEntityID(i, t))
		}
	}
	return out
}

// idsAssignableTo lists entities whose type is declared or a subtype.
func (s *state) idsAssignableTo(declared schema.TypeID) []EntityID {
	var out []EntityID
	for _, t := range s.reg.ConcreteSubtypes(declared) {
		out = append(out, s.ids(t)...)
	}
	return out
}

func (s *state) count() int {
	n := 0
	for _, f := range s.families {
		if f != nil {
			n += f.filled
		}
	}
	return n
}

func (s *state) indexEntity(id EntityID, d *EntityData) {
	if sid, ok := symbolicKey(s.typeOf(id), d.Fields); ok {
		s.idx.setSymbolic(sid, id)
	}
	s.idx.bySource.add(d.Source, id)
	for _, l := range dataLinks(d) {
		s.idx.softLinks.add(l, id)
	}
}

func (s *state) unindexEntity(id EntityID, d *EntityData) {
	if sid, ok := symbolicKey(s.typeOf(id), d.Fields); ok {
		s.idx.dropSymbolic(sid, id)
	}
	s.idx.bySource.remove(d.Source, id)
	for _, l := range dataLinks(d) {
		s.idx.softLinks.remove(l, id)
	}
}

func (s *state) symbolicOf(id EntityID) (SymbolicID, bool) {
	d := s.data(id)
	if d == nil {
		return SymbolicID{}, false
	}
	return symbolicKey(s.typeOf(id), d.Fields)
}

func (s *state) parentsOf(id EntityID) []parentRef {
	return s.refs.parentRefsOfChild(id)
}
