package storage

import (
	"slices"

	"github.com/roach88/strata/internal/schema"
)

// EntityChange is one entry of CollectChanges: Added, Removed or Replaced.
type EntityChange interface {
	isEntityChange()
}

// Added reports an entity created since the base snapshot.
type Added struct {
	New *Entity
}

// Removed reports a base entity that no longer exists. Old reads from the
// base snapshot.
type Removed struct {
	Old *Entity
}

// Replaced reports a base entity whose data or edges changed. For
// edge-only changes Old and New carry equal data.
type Replaced struct {
	Old *Entity
	New *Entity
}

func (Added) isEntityChange()    {}
func (Removed) isEntityChange()  {}
func (Replaced) isEntityChange() {}

// CollectChanges groups the journal by entity type. Within a type,
// removals come first, then replacements, then additions, each in journal
// order.
func (b *Builder) CollectChanges() map[schema.TypeID][]EntityChange {
	type bucket struct {
		removed, replaced, added []EntityChange
	}
	buckets := make(map[schema.TypeID]*bucket)
	get := func(t schema.TypeID) *bucket {
		bk, ok := buckets[t]
		if !ok {
			bk = &bucket{}
			buckets[t] = bk
		}
		return bk
	}
	for _, rec := range b.journal.records() {
		bk := get(rec.id.Type())
		switch e := rec.entry.(type) {
		case *addEntry:
			bk.added = append(bk.added, Added{New: b.wrap(rec.id)})
		case *removeEntry:
			bk.removed = append(bk.removed, Removed{Old: newEntity(b.base, rec.id, e.old)})
		case *replaceEntry:
			old := b.base.st.data(rec.id)
			if e.data != nil {
				old = e.data.old
			}
			if old == nil {
				old = b.st.data(rec.id)
			}
			bk.replaced = append(bk.replaced, Replaced{
				Old: newEntity(b.base, rec.id, old),
				New: b.wrap(rec.id),
			})
		}
	}
	out := make(map[schema.TypeID][]EntityChange, len(buckets))
	for t, bk := range buckets {
		out[t] = slices.Concat(bk.removed, bk.replaced, bk.added)
	}
	return out
}

// HasSameEntities reports whether the journal is a net no-op: every added
// entity pairs with a removed one of equal data and equivalent parents,
// and every edge-only replacement is explained by those pairs.
func (b *Builder) HasSameEntities() bool {
	var adds, removes []EntityID
	var replaces []journalRecord
	for _, rec := range b.journal.records() {
		switch e := rec.entry.(type) {
		case *addEntry:
			adds = append(adds, rec.id)
		case *removeEntry:
			removes = append(removes, rec.id)
		case *replaceEntry:
			if e.data != nil {
				return false
			}
			replaces = append(replaces, rec)
		}
	}
	if len(adds) != len(removes) {
		return false
	}

	// pairs maps an added id to the removed id it stands for.
	pairs := make(map[EntityID]EntityID, len(adds))
	taken := make(map[EntityID]bool, len(removes))
	for progress := true; progress; {
		progress = false
		for _, a := range adds {
			if _, ok := pairs[a]; ok {
				continue
			}
			for _, r := range removes {
				if taken[r] {
					continue
				}
				if !dataEqual(b.st.data(a), b.journal.get(r).(*removeEntry).old) {
					continue
				}
				if !b.sameParents(a, r, pairs) {
					continue
				}
				pairs[a] = r
				taken[r] = true
				progress = true
				break
			}
		}
	}
	if len(pairs) != len(adds) {
		return false
	}

	tr := func(id EntityID) EntityID {
		if r, ok := pairs[id]; ok {
			return r
		}
		return id
	}
	for _, rec := range replaces {
		d := rec.entry.(*replaceEntry).refs
		added := make(map[edge]struct{}, len(d.addedChildren))
		for e := range d.addedChildren {
			added[edge{conn: e.conn, id: tr(e.id)}] = struct{}{}
		}
		if len(added) != len(d.removedChildren) {
			return false
		}
		for e := range d.removedChildren {
			if _, ok := added[e]; !ok {
				return false
			}
		}
		if len(d.addedParents) != len(d.removedParents) {
			return false
		}
		for conn, p := range d.addedParents {
			if old, ok := d.removedParents[conn]; !ok || old != tr(p) {
				return false
			}
		}
		for conn, order := range d.childrenOrder {
			translated := make([]EntityID, len(order))
			for i, id := range order {
				translated[i] = tr(id)
			}
			if !slices.Equal(translated, b.base.st.refs.childrenOf(conn, rec.id)) {
				return false
			}
		}
	}
	return true
}

// sameParents compares the live parents of added entity a with the base
// parents of removed entity r, translating through known pairs.
func (b *Builder) sameParents(a, r EntityID, pairs map[EntityID]EntityID) bool {
	now := b.st.parentsOf(a)
	before := b.base.st.parentsOf(r)
	if len(now) != len(before) {
		return false
	}
	for _, p := range now {
		want, ok := b.base.st.refs.parentOf(p.conn, r)
		if !ok {
			return false
		}
		got := p.id
		if paired, ok := pairs[got]; ok {
			got = paired
		} else if _, added := b.journal.get(got).(*addEntry); added {
			return false
		}
		if got != want {
			return false
		}
	}
	return true
}
