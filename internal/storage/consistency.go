package storage

import (
	"fmt"
	"slices"
)

// checkState verifies the structural invariants of st and returns one
// line per violation, in a deterministic order.
func checkState(st *state) []string {
	var out []string
	report := func(format string, args ...any) {
		out = append(out, fmt.Sprintf(format, args...))
	}

	for _, c := range st.refs.connections() {
		es := st.refs.read(c)
		for _, p := range sortedIDs(es.parents()) {
			if !st.exists(p) {
				report("%s: parent %s does not exist", c.Name, p)
			} else if !st.reg.IsAssignable(p.Type(), c.Parent) {
				report("%s: parent %s of type %s is not assignable to %s",
					c.Name, p, st.reg.TypeName(p.Type()), st.reg.TypeName(c.Parent))
			}
			children := es.childrenOf(p)
			if c.Cardinality.Single() && len(children) > 1 {
				report("%s: parent %s has %d children", c.Name, p, len(children))
			}
			for _, ch := range children {
				switch {
				case !st.exists(ch):
					report("%s: child %s of %s does not exist", c.Name, ch, p)
				case !st.reg.IsAssignable(ch.Type(), c.Child):
					report("%s: child %s of type %s is not assignable to %s",
						c.Name, ch, st.reg.TypeName(ch.Type()), st.reg.TypeName(c.Child))
				}
				if back, ok := es.parentOf(ch); !ok || back != p {
					report("%s: child %s listed under %s but linked to %s", c.Name, ch, p, back)
				}
			}
		}
	}

	for _, c := range st.reg.Connections() {
		if c.ParentNullable {
			continue
		}
		for _, t := range st.reg.ConcreteSubtypes(c.Child) {
			for _, id := range st.ids(t) {
				if _, ok := st.refs.parentOf(c, id); !ok {
					report("%s: %s %s has no parent", c.Name, st.reg.TypeName(t), id)
				}
			}
		}
	}

	symbolic := 0
	bySource := 0
	links := 0
	for _, t := range st.reg.Types() {
		f := st.families.family(t.ID)
		if f == nil {
			continue
		}
		for i, sl := range f.slots {
			id := NewEntityID(i, t.ID)
			switch sl.state {
			case slotBooked:
				report("%s: booked slot %s was never filled", t.Name, id)
				continue
			case slotFree:
				continue
			}
			d := sl.data
			if sid, ok := symbolicKey(t, d.Fields); ok {
				symbolic++
				switch got, ok := st.idx.resolve(sid); {
				case !ok:
					report("symbolic index: %s of %s is not indexed", sid, id)
				case got != id:
					report("symbolic index: %s resolves to %s, want %s", sid, got, id)
				}
			}
			bySource++
			if !st.idx.bySource.has(d.Source, id) {
				report("source index: %s missing under %s", id, d.Source)
			}
			for _, l := range dataLinks(d) {
				links++
				if !st.idx.softLinks.has(l, id) {
					report("link index: %s missing under %s", id, l)
				}
			}
		}
	}
	if n := len(st.idx.symbolic); n != symbolic {
		report("symbolic index holds %d ids for %d keyed entities", n, symbolic)
	}
	if n := st.idx.bySource.size(); n != bySource {
		report("source index holds %d entries for %d entities", n, bySource)
	}
	if n := st.idx.softLinks.size(); n != links {
		report("link index holds %d entries for %d links", n, links)
	}
	return out
}

func sortedIDs(ids []EntityID) []EntityID {
	out := slices.Clone(ids)
	slices.Sort(out)
	return out
}
