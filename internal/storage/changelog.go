package storage

import (
	"log/slog"
	"maps"
	"slices"
	"sort"

	"github.com/roach88/strata/internal/schema"
)

// journalEntry is the closed set of change-journal entries.
type journalEntry interface {
	isJournalEntry()
}

// addEntry records an entity created by this builder. Edges of added
// entities are read from the live refs table, never journalled.
type addEntry struct {
	data *EntityData
}

// removeEntry records an entity of the base snapshot that was removed.
type removeEntry struct {
	old *EntityData
}

// replaceEntry records a modified base entity. Either part may be nil.
type replaceEntry struct {
	data *dataChange
	refs *refDelta
}

func (*addEntry) isJournalEntry()     {}
func (*removeEntry) isJournalEntry()  {}
func (*replaceEntry) isJournalEntry() {}

type dataChange struct {
	old, new *EntityData
}

// edge names the other endpoint of a journalled edge.
type edge struct {
	conn *schema.Connection
	id   EntityID
}

type refDelta struct {
	addedChildren   map[edge]struct{}
	removedChildren map[edge]struct{}
	addedParents    map[*schema.Connection]EntityID
	removedParents  map[*schema.Connection]EntityID
	childrenOrder   map[*schema.Connection][]EntityID
}

func newRefDelta() *refDelta {
	return &refDelta{
		addedChildren:   make(map[edge]struct{}),
		removedChildren: make(map[edge]struct{}),
		addedParents:    make(map[*schema.Connection]EntityID),
		removedParents:  make(map[*schema.Connection]EntityID),
		childrenOrder:   make(map[*schema.Connection][]EntityID),
	}
}

func (r *refDelta) empty() bool {
	return r == nil || len(r.addedChildren)+len(r.removedChildren)+len(r.addedParents)+
		len(r.removedParents)+len(r.childrenOrder) == 0
}

func sortedEdges(m map[edge]struct{}) []edge {
	out := slices.Collect(maps.Keys(m))
	sort.Slice(out, func(i, j int) bool {
		if out[i].conn.Name != out[j].conn.Name {
			return out[i].conn.Name < out[j].conn.Name
		}
		return out[i].id < out[j].id
	})
	return out
}

func sortedConns[V any](m map[*schema.Connection]V) []*schema.Connection {
	out := slices.Collect(maps.Keys(m))
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type journalItem struct {
	seq   uint64
	entry journalEntry
}

// journalRecord is one entry in journal order.
type journalRecord struct {
	id    EntityID
	entry journalEntry
}

// changelog is the ordered, coalescing journal of one builder. Re-putting
// an id keeps its original position.
type changelog struct {
	items    map[EntityID]*journalItem
	next     uint64
	modCount int64
	log      *slog.Logger
}

func newChangelog(log *slog.Logger) *changelog {
	return &changelog{items: make(map[EntityID]*journalItem), log: log}
}

func (c *changelog) len() int { return len(c.items) }

func (c *changelog) get(id EntityID) journalEntry {
	if it, ok := c.items[id]; ok {
		return it.entry
	}
	return nil
}

func (c *changelog) put(id EntityID, e journalEntry) {
	c.modCount++
	if it, ok := c.items[id]; ok {
		it.entry = e
		return
	}
	c.next++
	c.items[id] = &journalItem{seq: c.next, entry: e}
}

func (c *changelog) drop(id EntityID) {
	c.modCount++
	delete(c.items, id)
}

func (c *changelog) records() []journalRecord {
	out := make([]journalRecord, 0, len(c.items))
	for id, it := range c.items {
		out = append(out, journalRecord{id: id, entry: it.entry})
	}
	sort.Slice(out, func(i, j int) bool { return c.items[out[i].id].seq < c.items[out[j].id].seq })
	return out
}

// addAdd journals a new entity. replaying allows an add on top of a
// remove, which becomes a replace of the removed data.
func (c *changelog) addAdd(id EntityID, data *EntityData, replaying bool) {
	switch cur := c.get(id).(type) {
	case nil:
		c.put(id, &addEntry{data: data})
	case *removeEntry:
		if !replaying {
			c.log.Error("journal: entity added over a removed entity", "entity", id)
			return
		}
		if dataEqual(cur.old, data) {
			c.drop(id)
			return
		}
		c.put(id, &replaceEntry{data: &dataChange{old: cur.old, new: data}})
	default:
		c.log.Error("journal: entity added twice", "entity", id)
	}
}

// addRemove journals the removal of id. old is the data as it was in the
// base snapshot for entities the journal has not seen yet.
func (c *changelog) addRemove(id EntityID, old *EntityData) {
	switch cur := c.get(id).(type) {
	case nil:
		c.put(id, &removeEntry{old: old})
	case *addEntry:
		c.drop(id)
	case *replaceEntry:
		orig := old
		if cur.data != nil {
			orig = cur.data.old
		}
		c.put(id, &removeEntry{old: orig})
	case *removeEntry:
		c.log.Error("journal: entity removed twice", "entity", id)
	}
}

// addReplaceData journals new data for id; old is the data being replaced.
func (c *changelog) addReplaceData(id EntityID, old, data *EntityData) {
	switch cur := c.get(id).(type) {
	case nil:
		if dataEqual(old, data) {
			return
		}
		c.put(id, &replaceEntry{data: &dataChange{old: old, new: data}})
	case *addEntry:
		cur.data = data
		c.modCount++
	case *removeEntry:
		c.log.Error("journal: removed entity modified", "entity", id)
	case *replaceEntry:
		switch {
		case cur.data == nil:
			if !dataEqual(old, data) {
				cur.data = &dataChange{old: old, new: data}
			}
		case dataEqual(cur.data.old, data):
			cur.data = nil
		default:
			cur.data.new = data
		}
		c.settle(id, cur)
	}
}

// refsFor returns the reference delta of id, creating a replace entry if
// needed. It returns nil when id is added or removed by this builder.
func (c *changelog) refsFor(id EntityID) (*replaceEntry, *refDelta) {
	switch cur := c.get(id).(type) {
	case nil:
		e := &replaceEntry{refs: newRefDelta()}
		c.put(id, e)
		return e, e.refs
	case *replaceEntry:
		if cur.refs == nil {
			cur.refs = newRefDelta()
		}
		return cur, cur.refs
	default:
		return nil, nil
	}
}

// addRefChange journals one edge effect on both endpoints, except those
// skip reports.
func (c *changelog) addRefChange(ch RefChange, skip func(EntityID) bool) {
	if skip(ch.Parent) {
		// nothing to record on the parent side
	} else if e, d := c.refsFor(ch.Parent); d != nil {
		key := edge{conn: ch.Conn, id: ch.Child}
		if ch.Kind == RefAdded {
			toggle(d.removedChildren, d.addedChildren, key)
		} else {
			toggle(d.addedChildren, d.removedChildren, key)
		}
		c.settle(ch.Parent, e)
	}
	if skip(ch.Child) {
		return
	}
	if e, d := c.refsFor(ch.Child); d != nil {
		if ch.Kind == RefAdded {
			toggleParent(d.removedParents, d.addedParents, ch.Conn, ch.Parent)
		} else {
			toggleParent(d.addedParents, d.removedParents, ch.Conn, ch.Parent)
		}
		c.settle(ch.Child, e)
	}
}

// addChildrenOrder records the child order of parent in conn. An order
// equal to the base order is forgotten.
func (c *changelog) addChildrenOrder(conn *schema.Connection, parent EntityID, order, base []EntityID) {
	e, d := c.refsFor(parent)
	if d == nil {
		return
	}
	if slices.Equal(order, base) {
		delete(d.childrenOrder, conn)
	} else {
		d.childrenOrder[conn] = slices.Clone(order)
	}
	c.settle(parent, e)
}

// settle deletes a replace entry whose parts have both become empty.
func (c *changelog) settle(id EntityID, e *replaceEntry) {
	if e.refs.empty() {
		e.refs = nil
	}
	if e.data == nil && e.refs == nil {
		c.drop(id)
	}
}

// toggle cancels key out of undo if present, else records it in do.
func toggle(undo, do map[edge]struct{}, key edge) {
	if _, ok := undo[key]; ok {
		delete(undo, key)
		return
	}
	do[key] = struct{}{}
}

func toggleParent(undo, do map[*schema.Connection]EntityID, conn *schema.Connection, parent EntityID) {
	if cur, ok := undo[conn]; ok && cur == parent {
		delete(undo, conn)
		return
	}
	do[conn] = parent
}
