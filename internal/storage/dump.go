package storage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/strata/internal/value"
)

// Dump renders s as an id-independent tree: parentless entities sorted by
// their rendering, children nested under connection names in stored
// order. Two storages with equal content have equal dumps.
func Dump(s Storage) string {
	st := s.view()
	var roots []string
	for _, t := range st.reg.Types() {
		for _, id := range st.ids(t.ID) {
			if len(st.parentsOf(id)) == 0 {
				var b strings.Builder
				dumpTree(&b, st, id, 0)
				roots = append(roots, b.String())
			}
		}
	}
	sort.Strings(roots)
	return strings.Join(roots, "")
}

func dumpLine(st *state, id EntityID) string {
	d := st.data(id)
	return fmt.Sprintf("%s [%s] %s", st.reg.TypeName(id.Type()), d.Source, value.MustCanonical(d.Fields))
}

func dumpTree(b *strings.Builder, st *state, id EntityID, depth int) {
	indent := strings.Repeat("  ", depth)
	b.WriteString(indent)
	b.WriteString(dumpLine(st, id))
	b.WriteByte('\n')
	for _, cr := range st.refs.childrenRefsOfParent(id) {
		fmt.Fprintf(b, "%s  %s:\n", indent, cr.conn.Name)
		for _, c := range cr.ids {
			if st.exists(c) {
				dumpTree(b, st, c, depth+2)
			} else {
				fmt.Fprintf(b, "%s    <missing %s>\n", indent, c)
			}
		}
	}
}

// dumpState renders st with ids, for diagnostics.
func dumpState(st *state) string {
	var b strings.Builder
	for _, t := range st.reg.Types() {
		f := st.families.family(t.ID)
		if f == nil {
			continue
		}
		for i, sl := range f.slots {
			id := NewEntityID(i, t.ID)
			switch sl.state {
			case slotFilled:
				fmt.Fprintf(&b, "%s %s\n", id, dumpLine(st, id))
			case slotBooked:
				fmt.Fprintf(&b, "%s %s <booked>\n", id, t.Name)
			}
		}
	}
	for _, c := range st.refs.connections() {
		es := st.refs.read(c)
		for _, p := range sortedIDs(es.parents()) {
			fmt.Fprintf(&b, "%s %s ->", c.Name, p)
			for _, ch := range es.childrenOf(p) {
				fmt.Fprintf(&b, " %s", ch)
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}
