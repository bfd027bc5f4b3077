package storage

import (
	"maps"
	"slices"

	"github.com/roach88/strata/internal/value"
)

// multiIndex maps a key to a set of entity ids. Within a builder the outer
// map is cloned on first write and each inner set on its first write.
type multiIndex[K comparable] struct {
	m          map[K]map[EntityID]struct{}
	ownedOuter bool
	ownedKeys  map[K]bool
}

func newMultiIndex[K comparable]() *multiIndex[K] {
	return &multiIndex[K]{
		m:          make(map[K]map[EntityID]struct{}),
		ownedOuter: true,
		ownedKeys:  make(map[K]bool),
	}
}

func (x *multiIndex[K]) mutableCopy() *multiIndex[K] {
	return &multiIndex[K]{m: x.m, ownedKeys: make(map[K]bool)}
}

func (x *multiIndex[K]) writable(k K) map[EntityID]struct{} {
	if !x.ownedOuter {
		x.m = maps.Clone(x.m)
		x.ownedOuter = true
	}
	set := x.m[k]
	if !x.ownedKeys[k] {
		set = maps.Clone(set)
		if set == nil {
			set = make(map[EntityID]struct{})
		}
		x.m[k] = set
		x.ownedKeys[k] = true
	}
	return set
}

func (x *multiIndex[K]) add(k K, id EntityID) {
	if _, ok := x.m[k][id]; ok {
		return
	}
	x.writable(k)[id] = struct{}{}
}

func (x *multiIndex[K]) remove(k K, id EntityID) {
	if _, ok := x.m[k][id]; !ok {
		return
	}
	set := x.writable(k)
	delete(set, id)
	if len(set) == 0 {
		delete(x.m, k)
		delete(x.ownedKeys, k)
	}
}

func (x *multiIndex[K]) has(k K, id EntityID) bool {
	_, ok := x.m[k][id]
	return ok
}

// ids returns the ids stored under k in ascending order.
func (x *multiIndex[K]) ids(k K) []EntityID {
	return slices.Sorted(maps.Keys(x.m[k]))
}

func (x *multiIndex[K]) keys() []K {
	return slices.Collect(maps.Keys(x.m))
}

func (x *multiIndex[K]) size() int {
	n := 0
	for _, set := range x.m {
		n += len(set)
	}
	return n
}

// indexes are the derived lookups kept in sync with entity data.
type indexes struct {
	symbolic    map[SymbolicID]EntityID
	ownSymbolic bool

	bySource  *multiIndex[Source]
	softLinks *multiIndex[value.Link]
}

func newIndexes() *indexes {
	return &indexes{
		symbolic:    make(map[SymbolicID]EntityID),
		ownSymbolic: true,
		bySource:    newMultiIndex[Source](),
		softLinks:   newMultiIndex[value.Link](),
	}
}

func (ix *indexes) mutableCopy() *indexes {
	return &indexes{
		symbolic:  ix.symbolic,
		bySource:  ix.bySource.mutableCopy(),
		softLinks: ix.softLinks.mutableCopy(),
	}
}

func (ix *indexes) writableSymbolic() map[SymbolicID]EntityID {
	if !ix.ownSymbolic {
		ix.symbolic = maps.Clone(ix.symbolic)
		ix.ownSymbolic = true
	}
	return ix.symbolic
}

func (ix *indexes) resolve(sid SymbolicID) (EntityID, bool) {
	id, ok := ix.symbolic[sid]
	return id, ok
}

func (ix *indexes) setSymbolic(sid SymbolicID, id EntityID) {
	if cur, ok := ix.symbolic[sid]; ok && cur == id {
		return
	}
	ix.writableSymbolic()[sid] = id
}

// dropSymbolic removes sid only while it still points at id.
func (ix *indexes) dropSymbolic(sid SymbolicID, id EntityID) {
	if cur, ok := ix.symbolic[sid]; !ok || cur != id {
		return
	}
	delete(ix.writableSymbolic(), sid)
}
