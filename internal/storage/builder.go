package storage

import (
	"iter"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/strata/internal/schema"
	"github.com/roach88/strata/internal/value"
)

// Builder is the mutable form of a storage. It is derived from one base
// snapshot and journals every structural change made through it.
//
// A Builder is meant for one goroutine at a time; concurrent mutating calls
// are logged, not blocked.
type Builder struct {
	base    *Snapshot
	st      *state
	journal *changelog
	opts    options
	log     *slog.Logger
	guard   writerGuard

	broken  atomic.Bool
	applied atomic.Bool

	// freed holds slots released by this builder per type; they are not
	// reused until the next builder.
	freed map[schema.TypeID]map[int]struct{}

	checks *errgroup.Group
	rng    *rand.Rand
}

func newBuilder(base *Snapshot, opts ...Option) *Builder {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	b := &Builder{
		base:    base,
		st:      base.st.mutableCopy(),
		journal: newChangelog(o.logger),
		opts:    o,
		log:     o.logger,
		freed:   make(map[schema.TypeID]map[int]struct{}),
		checks:  new(errgroup.Group),
	}
	b.checks.SetLimit(1)
	if o.shuffleSeed != nil {
		b.rng = rand.New(rand.NewPCG(*o.shuffleSeed, *o.shuffleSeed^0x9e3779b97f4a7c15))
	} else {
		b.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	b.broken.Store(base.broken)
	return b
}

// NewBuilder returns a builder over an empty snapshot of reg.
func NewBuilder(reg *schema.Registry, opts ...Option) *Builder {
	return Empty(reg).ToBuilder(opts...)
}

// Base returns the snapshot the builder was derived from.
func (b *Builder) Base() *Snapshot { return b.base }

// Registry returns the schema the storage is typed by.
func (b *Builder) Registry() *schema.Registry { return b.st.reg }

func (b *Builder) view() *state { return b.st }

func (b *Builder) wrap(id EntityID) *Entity {
	return newEntity(b, id, b.st.data(id))
}

// Entities yields the entities of the named type and its subtypes.
func (b *Builder) Entities(typeName string) iter.Seq[*Entity] {
	return entitiesOf(b, typeName)
}

// Entity looks up an entity by id.
func (b *Builder) Entity(id EntityID) (*Entity, bool) {
	return entityOf(b, id)
}

// Resolve finds the entity carrying the symbolic id.
func (b *Builder) Resolve(id SymbolicID) (*Entity, bool) {
	return resolveIn(b, id)
}

// Referrers yields entities of typeName whose fields link to id.
func (b *Builder) Referrers(id SymbolicID, typeName string) iter.Seq[*Entity] {
	return referrersOf(b, id, typeName)
}

// EntitiesBySource yields entities whose source satisfies pred.
func (b *Builder) EntitiesBySource(pred func(Source) bool) iter.Seq[*Entity] {
	return entitiesBySourceOf(b, pred)
}

// Children returns the children of parent in conn, in stored order.
func (b *Builder) Children(conn *schema.Connection, parent *Entity) []*Entity {
	return childrenOf(b, conn, parent)
}

// Parent returns the parent of child in conn.
func (b *Builder) Parent(conn *schema.Connection, child *Entity) (*Entity, bool) {
	return parentOf(b, conn, child)
}

// Count returns the number of live entities.
func (b *Builder) Count() int { return b.st.count() }

// HasChanges reports whether the journal holds any entry.
func (b *Builder) HasChanges() bool { return b.journal.len() > 0 }

// ModificationCount counts journal writes, including ones that later
// cancelled out.
func (b *Builder) ModificationCount() int64 { return b.journal.modCount }

// Consistent reports whether no consistency violation has been detected.
// Once false it stays false.
func (b *Builder) Consistent() bool { return !b.broken.Load() }

// WaitChecks blocks until an in-flight sampled consistency check is done.
func (b *Builder) WaitChecks() error { return b.checks.Wait() }

// Attachment places a new entity under a parent at creation time.
type Attachment struct {
	conn   *schema.Connection
	parent *Entity
}

// ParentLink attaches the entity being added as a child of parent in conn.
func ParentLink(conn *schema.Connection, parent *Entity) Attachment {
	return Attachment{conn: conn, parent: parent}
}

// AddEntity stores a new entity of the concrete type typeName.
func (b *Builder) AddEntity(typeName string, src Source, fields value.Record, links ...Attachment) (*Entity, error) {
	t, ok := b.st.reg.Type(typeName)
	if !ok {
		return nil, newError(ErrCodeUnknownType, "unknown entity type %q", typeName)
	}
	if t.Abstract {
		return nil, newError(ErrCodeAbstractType, "cannot instantiate abstract type %s", t.Name)
	}
	if err := validateFields(t, fields); err != nil {
		return nil, err
	}
	parents := make([]EntityID, len(links))
	for i, l := range links {
		if l.conn == nil {
			return nil, newError(ErrCodeConnectionMismatch, "attachment without connection")
		}
		if !b.st.reg.IsAssignable(t.ID, l.conn.Child) {
			return nil, newError(ErrCodeConnectionMismatch, "%s cannot be a child in %s", t.Name, l.conn.Name).
				withConnection(l.conn)
		}
		pid, err := b.endpoint(l.parent, l.conn.Parent, l.conn)
		if err != nil {
			return nil, err
		}
		parents[i] = pid
	}

	defer b.guard.enter(b.log, "AddEntity")()
	defer b.observe("add_entity", time.Now())

	id := b.addData(&EntityData{Type: t.ID, Source: src, Fields: normalizeFields(fields)}, false)
	for i, l := range links {
		if !b.st.exists(parents[i]) {
			b.log.Warn("attachment parent evicted by duplicate symbolic id",
				"entity", id, "connection", l.conn.Name)
			continue
		}
		b.attach(l.conn, parents[i], id)
	}
	return b.wrap(id), nil
}

// Mutable is the write handle passed to a ModifyEntity callback. It is
// only valid while the callback runs.
type Mutable struct {
	typ    *schema.EntityType
	source Source
	fields value.Record
	sealed bool
	err    error
}

func (m *Mutable) check() {
	if m.sealed {
		panic(newError(ErrCodeIllegalMutation, "%s modified outside its modify scope", m.typ.Name))
	}
}

// Type returns the type of the entity being modified.
func (m *Mutable) Type() *schema.EntityType { return m.typ }

// Get returns the current value of a field.
func (m *Mutable) Get(name string) value.Value { return m.fields.Get(name) }

// Source returns the current source.
func (m *Mutable) Source() Source { return m.source }

// Set assigns a field. value.Null clears it. The first invalid assignment
// fails the whole modification.
func (m *Mutable) Set(name string, v value.Value) {
	m.check()
	if err := validateFields(m.typ, value.Record{name: v}); err != nil {
		if m.err == nil {
			m.err = err
		}
		return
	}
	if value.KindOf(v) == value.KindNull {
		delete(m.fields, name)
		return
	}
	m.fields[name] = v
}

// SetSource changes the entity's source.
func (m *Mutable) SetSource(s Source) {
	m.check()
	m.source = s
}

// ModifyEntity runs fn against a mutable copy of e and stores the result.
// Changing the symbolic id rewrites every soft link to the old id.
func (b *Builder) ModifyEntity(e *Entity, fn func(*Mutable)) (*Entity, error) {
	id := b.own(e)
	old := b.st.data(id)
	if old == nil {
		return nil, newError(ErrCodeEntityNotFound, "entity %s not found", id).withEntity(id)
	}
	m := &Mutable{typ: b.st.typeOf(id), source: old.Source, fields: old.Fields.Clone()}
	fn(m)
	m.sealed = true
	if m.err != nil {
		return nil, m.err
	}

	defer b.guard.enter(b.log, "ModifyEntity")()
	defer b.observe("modify_entity", time.Now())

	b.modify(id, &EntityData{Type: old.Type, Source: m.source, Fields: normalizeFields(m.fields)})
	if !b.st.exists(id) {
		return nil, newError(ErrCodeEntityNotFound, "entity %s evicted during modification", id).withEntity(id)
	}
	return b.wrap(id), nil
}

// RemoveEntity removes e together with its children in non-nullable
// connections. Children in nullable connections are detached. It reports
// whether e existed.
func (b *Builder) RemoveEntity(e *Entity) bool {
	id := b.own(e)
	defer b.guard.enter(b.log, "RemoveEntity")()
	defer b.observe("remove_entity", time.Now())
	return b.removeIDs(id)
}

// AddChild makes child a child of parent in conn. A nil parent detaches
// child, which only nullable connections allow.
func (b *Builder) AddChild(conn *schema.Connection, parent, child *Entity) error {
	if conn == nil {
		return newError(ErrCodeConnectionMismatch, "nil connection")
	}
	cid, err := b.endpoint(child, conn.Child, conn)
	if err != nil {
		return err
	}
	if parent == nil {
		if !conn.ParentNullable {
			return newError(ErrCodeConnectionMismatch, "%s requires a parent", conn.Name).
				withConnection(conn).withEntity(cid)
		}
		defer b.guard.enter(b.log, "AddChild")()
		if p, ok := b.st.refs.parentOf(conn, cid); ok {
			b.recordRefs(b.st.refs.removeParentToChildRef(conn, p, cid), b.pending)
		}
		return nil
	}
	pid, err := b.endpoint(parent, conn.Parent, conn)
	if err != nil {
		return err
	}
	if pid == cid {
		return newError(ErrCodeSelfReference, "%s cannot be its own child in %s", cid, conn.Name).
			withConnection(conn).withEntity(cid)
	}
	defer b.guard.enter(b.log, "AddChild")()
	defer b.observe("add_child", time.Now())
	b.attach(conn, pid, cid)
	return nil
}

// ReplaceChildren makes children the exact ordered child list of parent in
// conn. Dropped children are removed when conn is a required concrete
// connection and detached otherwise.
func (b *Builder) ReplaceChildren(conn *schema.Connection, parent *Entity, children []*Entity) error {
	if conn == nil {
		return newError(ErrCodeConnectionMismatch, "nil connection")
	}
	pid, err := b.endpoint(parent, conn.Parent, conn)
	if err != nil {
		return err
	}
	ids := make([]EntityID, 0, len(children))
	seen := make(map[EntityID]struct{}, len(children))
	for _, c := range children {
		cid, err := b.endpoint(c, conn.Child, conn)
		if err != nil {
			return err
		}
		if cid == pid {
			return newError(ErrCodeSelfReference, "%s cannot be its own child in %s", cid, conn.Name).
				withConnection(conn).withEntity(cid)
		}
		if _, dup := seen[cid]; dup {
			continue
		}
		seen[cid] = struct{}{}
		ids = append(ids, cid)
	}
	if conn.Cardinality.Single() && len(ids) > 1 {
		return newError(ErrCodeConnectionMismatch, "%s accepts one child, got %d", conn.Name, len(ids)).
			withConnection(conn)
	}

	defer b.guard.enter(b.log, "ReplaceChildren")()
	defer b.observe("replace_children", time.Now())
	b.replaceChildren(conn, pid, ids)
	return nil
}

// ToSnapshot freezes the current content. The builder stays usable and
// keeps journalling against its original base.
func (b *Builder) ToSnapshot() *Snapshot {
	defer b.guard.enter(b.log, "ToSnapshot")()
	defer b.observe("to_snapshot", time.Now())
	b.checkAfter("ToSnapshot")
	return newSnapshot(b.freeze(), b.broken.Load())
}

// AssertConsistency runs every invariant check now. A failure marks the
// builder broken.
func (b *Builder) AssertConsistency() error {
	v := checkState(b.st)
	if len(v) == 0 {
		return nil
	}
	b.reportViolations("AssertConsistency", v, b.st)
	return &ConsistencyError{Violations: v}
}

// own returns e's id, panicking when e belongs to another builder.
func (b *Builder) own(e *Entity) EntityID {
	if e == nil {
		panic(newError(ErrCodeIllegalMutation, "nil entity"))
	}
	if other, ok := e.store.(*Builder); ok && other != b {
		panic(newError(ErrCodeIllegalMutation, "%s belongs to another builder", e).withEntity(e.id))
	}
	return e.id
}

// endpoint validates e as an existing entity assignable to declared.
func (b *Builder) endpoint(e *Entity, declared schema.TypeID, conn *schema.Connection) (EntityID, error) {
	id := b.own(e)
	if !b.st.exists(id) {
		return NoEntity, newError(ErrCodeEntityNotFound, "entity %s not found", id).withEntity(id)
	}
	if !b.st.reg.IsAssignable(id.Type(), declared) {
		return NoEntity, newError(ErrCodeConnectionMismatch, "%s is not assignable to %s in %s",
			b.st.reg.TypeName(id.Type()), b.st.reg.TypeName(declared), conn.Name).
			withConnection(conn).withEntity(id)
	}
	return id, nil
}

func (b *Builder) family(t schema.TypeID) *family {
	return b.st.writableFamily(t, b.freed[t])
}

func (b *Builder) pending(id EntityID) bool {
	return b.st.slotState(id) == slotBooked
}

func (b *Builder) recordRefs(changes []RefChange, skip func(EntityID) bool) {
	for _, ch := range changes {
		b.journal.addRefChange(ch, skip)
	}
}

// claimSymbolic evicts whichever other entity holds the symbolic id d
// would expose.
func (b *Builder) claimSymbolic(d *EntityData, self EntityID) {
	t, _ := b.st.reg.TypeByID(d.Type)
	sid, ok := symbolicKey(t, d.Fields)
	if !ok {
		return
	}
	cur, ok := b.st.idx.resolve(sid)
	if !ok || cur == self {
		return
	}
	b.log.Error("duplicate symbolic id, evicting existing entity",
		"code", ErrCodeDuplicateSymbolicID,
		"symbolic_id", sid.String(),
		"evicted", cur.String())
	b.removeIDs(cur)
}

func (b *Builder) addData(d *EntityData, replaying bool) EntityID {
	b.claimSymbolic(d, NoEntity)
	id := NewEntityID(b.family(d.Type).add(d), d.Type)
	b.st.indexEntity(id, d)
	b.journal.addAdd(id, d, replaying)
	return id
}

func (b *Builder) book(t schema.TypeID) EntityID {
	return NewEntityID(b.family(t).book(), t)
}

func (b *Builder) fillBooked(id EntityID, d *EntityData) {
	b.claimSymbolic(d, id)
	b.family(id.Type()).insertAt(id.Slot(), d)
	b.st.indexEntity(id, d)
	b.journal.addAdd(id, d, true)
}

// replaceData stores d for id and reports whether anything changed.
func (b *Builder) replaceData(id EntityID, d *EntityData) bool {
	old := b.st.data(id)
	if old == nil || dataEqual(old, d) {
		return false
	}
	b.claimSymbolic(d, id)
	if !b.st.exists(id) {
		return false
	}
	b.st.unindexEntity(id, old)
	b.family(id.Type()).replace(id.Slot(), d)
	b.st.indexEntity(id, d)
	b.journal.addReplaceData(id, old, d)
	return true
}

// modify replaces data and propagates a symbolic-id rename to referrers.
func (b *Builder) modify(id EntityID, d *EntityData) {
	before, hadSID := b.st.symbolicOf(id)
	if !b.replaceData(id, d) {
		return
	}
	after, hasSID := b.st.symbolicOf(id)
	if !hadSID || !hasSID || before == after {
		return
	}
	from, to := before.Link(), after.Link()
	for _, ref := range b.st.idx.softLinks.ids(from) {
		cur := b.st.data(ref)
		if cur == nil {
			continue
		}
		nv, changed := value.RewriteLinks(cur.Fields, from, to)
		if !changed {
			continue
		}
		b.replaceData(ref, &EntityData{Type: cur.Type, Source: cur.Source, Fields: nv.(value.Record)})
	}
}

// cascade lists root and every entity reachable from it through
// non-nullable child edges, parents first.
func (b *Builder) cascade(root EntityID) []EntityID {
	var out []EntityID
	seen := map[EntityID]struct{}{root: {}}
	stack := []EntityID{root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, id)
		for _, cr := range b.st.refs.childrenRefsOfParent(id) {
			if cr.conn.ParentNullable {
				continue
			}
			for i := len(cr.ids) - 1; i >= 0; i-- {
				c := cr.ids[i]
				if _, ok := seen[c]; ok {
					continue
				}
				seen[c] = struct{}{}
				stack = append(stack, c)
			}
		}
	}
	return out
}

// removeIDs removes root with its cascade. Edges between removed entities
// are not journalled.
func (b *Builder) removeIDs(root EntityID) bool {
	if !b.st.exists(root) {
		return false
	}
	order := b.cascade(root)
	gone := make(map[EntityID]struct{}, len(order))
	for _, id := range order {
		gone[id] = struct{}{}
	}
	skip := func(id EntityID) bool {
		_, ok := gone[id]
		return ok || b.pending(id)
	}
	for _, id := range order {
		d := b.st.data(id)
		if d == nil {
			continue
		}
		b.recordRefs(b.st.refs.removeRefsByParent(id), skip)
		b.recordRefs(b.st.refs.removeRefsByChild(id), skip)
		b.st.unindexEntity(id, d)
		b.journal.addRemove(id, d)
		b.family(id.Type()).remove(id.Slot())
		b.markFreed(id)
	}
	return true
}

func (b *Builder) markFreed(id EntityID) {
	m := b.freed[id.Type()]
	if m == nil {
		m = make(map[int]struct{})
		b.freed[id.Type()] = m
	}
	m[id.Slot()] = struct{}{}
}

// attach links child under parent, enforcing single-child connections.
func (b *Builder) attach(conn *schema.Connection, parent, child EntityID) {
	if conn.Cardinality.Single() {
		for _, cur := range slices.Clone(b.st.refs.childrenOf(conn, parent)) {
			if cur == child {
				continue
			}
			if conn.ParentNullable {
				b.recordRefs(b.st.refs.removeParentToChildRef(conn, parent, cur), b.pending)
			} else {
				b.removeIDs(cur)
			}
		}
	}
	b.recordRefs(b.st.refs.replaceParentOfChild(conn, child, parent), b.pending)
}

func (b *Builder) replaceChildren(conn *schema.Connection, parent EntityID, ids []EntityID) {
	old := slices.Clone(b.st.refs.childrenOf(conn, parent))
	if !conn.ParentNullable && !conn.Cardinality.Abstract() {
		keep := make(map[EntityID]struct{}, len(ids))
		for _, id := range ids {
			keep[id] = struct{}{}
		}
		for _, id := range old {
			if _, ok := keep[id]; !ok {
				b.removeIDs(id)
			}
		}
		ids = slices.DeleteFunc(ids, func(id EntityID) bool { return !b.st.exists(id) })
	}
	b.recordRefs(b.st.refs.replaceChildrenOfParent(conn, parent, ids), b.pending)
	if b.fromBase(parent) {
		b.journal.addChildrenOrder(conn, parent, b.st.refs.childrenOf(conn, parent),
			b.base.st.refs.childrenOf(conn, parent))
	}
}

// fromBase reports whether id is a base entity still present in the builder.
func (b *Builder) fromBase(id EntityID) bool {
	return b.st.exists(id) && b.base.st.exists(id)
}

func (b *Builder) observe(op string, start time.Time) {
	if b.opts.instrumentation != nil {
		b.opts.instrumentation.ObserveOperation(op, time.Since(start))
	}
}

// freeze hands out the current state for read-only use and continues on
// a copy-on-write child of it.
func (b *Builder) freeze() *state {
	st := b.st
	b.st = st.mutableCopy()
	return st
}

// checkAfter runs the configured automatic check after a composite
// operation. Checks stop once the builder is broken.
func (b *Builder) checkAfter(op string) {
	if b.broken.Load() {
		return
	}
	switch b.opts.mode {
	case ConsistencyAlways:
		if v := checkState(b.st); len(v) > 0 {
			b.reportViolations(op, v, b.st)
		}
	case ConsistencySampled:
		if b.rng.Float64() >= b.opts.sampleRate {
			return
		}
		st := b.freeze()
		ok := b.checks.TryGo(func() error {
			if v := checkState(st); len(v) > 0 {
				b.reportViolations(op, v, st)
			}
			return nil
		})
		if !ok {
			b.log.Debug("sampled consistency check dropped, one already running", "op", op)
		}
	}
}

func (b *Builder) reportViolations(op string, violations []string, st *state) {
	b.broken.Store(true)
	b.log.Error("consistency violation",
		"code", ErrCodeConsistencyViolation,
		"op", op,
		"violations", len(violations),
		"first", violations[0])
	if b.opts.instrumentation != nil {
		b.opts.instrumentation.ConsistencyViolation(op)
	}
	if b.opts.sink != nil {
		b.opts.sink.Report(Diagnostic{
			Operation:  op,
			Violations: violations,
			Dump:       dumpState(st),
			At:         b.opts.now(),
		})
	}
}

// markBroken sets the sticky flag after a data-origin anomaly.
func (b *Builder) markBroken() { b.broken.Store(true) }

// reorder permutes the children of parent in conn and journals the new
// order for base parents.
func (b *Builder) reorder(conn *schema.Connection, parent EntityID, order []EntityID) {
	if !b.st.refs.reorderChildren(conn, parent, order) || !b.fromBase(parent) {
		return
	}
	b.journal.addChildrenOrder(conn, parent, b.st.refs.childrenOf(conn, parent),
		b.base.st.refs.childrenOf(conn, parent))
}
