package storage

import (
	"math/rand/v2"
	"time"
)

// ApplyChangesFrom replays the journal of d onto b. d must be derived from
// a snapshot on b's line so that untouched ids mean the same entities in
// both. Applying the same builder twice is logged and carried out.
func (b *Builder) ApplyChangesFrom(d *Builder) {
	if d.st.reg != b.st.reg {
		panic(newError(ErrCodeIllegalMutation, "diff was built over a different registry"))
	}
	defer b.guard.enter(b.log, "ApplyChangesFrom")()
	defer b.observe("apply_changes", time.Now())

	if !d.applied.CompareAndSwap(false, true) {
		b.log.Error("diff applied more than once", "code", ErrCodeAlreadyAppliedDiff)
	}

	a := &diffApply{
		b:       b,
		d:       d,
		mapping: make(map[EntityID]EntityID),
		booked:  make(map[EntityID]EntityID),
		added:   make(map[EntityID]struct{}),
	}
	records := d.journal.records()
	if b.opts.shuffleSeed != nil {
		rng := rand.New(rand.NewPCG(*b.opts.shuffleSeed, uint64(len(records))))
		rng.Shuffle(len(records), func(i, j int) { records[i], records[j] = records[j], records[i] })
	}
	for _, rec := range records {
		switch e := rec.entry.(type) {
		case *addEntry:
			a.add(rec.id, e)
		case *removeEntry:
			a.remove(rec.id)
		case *replaceEntry:
			a.replace(rec.id, e)
		}
	}
	a.finish()
	b.checkAfter("ApplyChangesFrom")
}

// AddDiff is ApplyChangesFrom.
func (b *Builder) AddDiff(d *Builder) { b.ApplyChangesFrom(d) }

type diffApply struct {
	b, d *Builder

	// mapping translates ids of entities added by d to ids in b.
	mapping map[EntityID]EntityID
	// booked holds slots reserved in b for adds of d not replayed yet.
	booked map[EntityID]EntityID
	// added holds b ids created by this application.
	added map[EntityID]struct{}
}

// resolve translates an id of d into b, booking a slot when the id is an
// add that has not been replayed yet.
func (a *diffApply) resolve(id EntityID) (EntityID, bool) {
	if t, ok := a.mapping[id]; ok {
		return t, true
	}
	if t, ok := a.booked[id]; ok {
		return t, true
	}
	if _, pending := a.d.journal.get(id).(*addEntry); pending {
		t := a.b.book(id.Type())
		a.booked[id] = t
		return t, true
	}
	if a.b.st.exists(id) {
		return id, true
	}
	return NoEntity, false
}

// existing translates id without booking.
func (a *diffApply) existing(id EntityID) (EntityID, bool) {
	if t, ok := a.mapping[id]; ok {
		return t, true
	}
	if a.b.st.exists(id) {
		return id, true
	}
	return NoEntity, false
}

func (a *diffApply) add(id EntityID, e *addEntry) {
	if _, done := a.mapping[id]; done {
		return
	}
	b := a.b
	data := e.data.clone()
	var t EntityID
	if slot, ok := a.booked[id]; ok {
		b.fillBooked(slot, data)
		delete(a.booked, id)
		t = slot
	} else {
		t = b.addData(data, true)
	}
	a.mapping[id] = t
	a.added[t] = struct{}{}

	for _, p := range a.d.st.parentsOf(id) {
		parent, ok := a.resolve(p.id)
		if !ok {
			if !p.conn.ParentNullable {
				b.log.Error("required parent cannot be resolved, edge dropped",
					"code", ErrCodeUnresolvableReference,
					"entity", t.String(),
					"parent", p.id.String(),
					"connection", p.conn.Name)
				b.markBroken()
			}
			continue
		}
		b.attach(p.conn, parent, t)
	}
	for _, cr := range a.d.st.refs.childrenRefsOfParent(id) {
		order := make([]EntityID, 0, len(cr.ids))
		for _, c := range cr.ids {
			child, ok := a.resolve(c)
			if !ok {
				continue
			}
			b.attach(cr.conn, t, child)
			order = append(order, child)
		}
		b.st.refs.reorderChildren(cr.conn, t, order)
	}
}

func (a *diffApply) remove(id EntityID) {
	if _, fresh := a.added[id]; fresh {
		return
	}
	if !a.b.st.exists(id) {
		a.b.log.Debug("diff removes an entity already gone", "entity", id.String())
		return
	}
	a.b.removeIDs(id)
}

func (a *diffApply) replace(id EntityID, e *replaceEntry) {
	b := a.b
	t, ok := a.existing(id)
	if !ok {
		b.log.Debug("diff replaces an entity already gone", "entity", id.String())
		return
	}
	if e.data != nil {
		b.replaceData(t, e.data.new.clone())
		if !b.st.exists(t) {
			return
		}
	}
	d := e.refs
	if d == nil {
		return
	}
	for _, ed := range sortedEdges(d.removedChildren) {
		if c, ok := a.existing(ed.id); ok {
			b.recordRefs(b.st.refs.removeParentToChildRef(ed.conn, t, c), b.pending)
		}
	}
	for _, conn := range sortedConns(d.removedParents) {
		if p, ok := a.existing(d.removedParents[conn]); ok {
			b.recordRefs(b.st.refs.removeParentToChildRef(conn, p, t), b.pending)
		}
	}
	for _, ed := range sortedEdges(d.addedChildren) {
		if c, ok := a.resolve(ed.id); ok {
			b.attach(ed.conn, t, c)
		}
	}
	for _, conn := range sortedConns(d.addedParents) {
		p, ok := a.resolve(d.addedParents[conn])
		if !ok {
			if !conn.ParentNullable {
				b.log.Error("required parent cannot be resolved, edge dropped",
					"code", ErrCodeUnresolvableReference,
					"entity", t.String(),
					"parent", d.addedParents[conn].String(),
					"connection", conn.Name)
				b.markBroken()
			}
			continue
		}
		b.attach(conn, p, t)
	}
	for _, conn := range sortedConns(d.childrenOrder) {
		order := make([]EntityID, 0, len(d.childrenOrder[conn]))
		for _, c := range d.childrenOrder[conn] {
			if tc, ok := a.resolve(c); ok {
				order = append(order, tc)
			}
		}
		b.reorder(conn, t, order)
	}
}

func (a *diffApply) finish() {
	for src, slot := range a.booked {
		a.b.log.Error("booked placeholder never filled",
			"code", ErrCodeUnresolvableReference,
			"entity", slot.String(),
			"diff_entity", src.String())
		a.b.markBroken()
	}
}
