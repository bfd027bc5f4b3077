package storage

import (
	"cmp"
	"math"
	"math/rand/v2"
	"slices"
	"sort"
	"time"

	"github.com/roach88/strata/internal/schema"
)

// ReplaceBySource makes the entities of b whose source satisfies pred look
// like the entities of replaceWith whose source satisfies pred. Entities
// outside pred are left alone unless they are needed as anchors.
//
// Matching pairs entities by symbolic id, then by structural equality of
// match fields among the children of already matched parents. Matched
// entities keep their id in b and take replaceWith's data and source.
func (b *Builder) ReplaceBySource(pred func(Source) bool, replaceWith Storage) {
	if replaceWith.Registry() != b.st.reg {
		panic(newError(ErrCodeIllegalMutation, "replacement storage uses a different registry"))
	}
	defer b.guard.enter(b.log, "ReplaceBySource")()
	defer b.observe("replace_by_source", time.Now())

	r := newReconciler(b, pred, replaceWith.view())
	for _, id := range r.shuffled(sourceIDs(b.st, pred)) {
		r.sameInSource(id)
	}
	for _, id := range r.shuffled(sourceIDs(r.src, pred)) {
		if _, done := r.srcState[id]; !done {
			r.sameInTarget(id, NoEntity)
		}
	}
	b.log.Debug("reconciliation planned",
		"adds", len(r.adds), "relabels", len(r.relabels), "removes", len(r.removes))
	r.apply()
	b.checkAfter("ReplaceBySource")
}

type targetVerdict uint8

const (
	targetKeep targetVerdict = iota + 1
	targetRelabel
	targetRemove
)

type sourceVerdict uint8

const (
	sourceMoved sourceVerdict = iota + 1
	sourceKeep
	sourceTraceLost
	sourceRelabel
)

// targetMark is the decision for one entity of the builder. other is the
// associated replacement entity, or NoEntity.
type targetMark struct {
	verdict targetVerdict
	other   EntityID
}

type sourceMark struct {
	verdict sourceVerdict
	other   EntityID
}

// anchor is a future parent of a relabelled or added entity: either an
// entity of the builder or a replacement entity that is being added. conn
// is the connection of the edge, nil when the anchor only names an entity.
type anchor struct {
	added bool
	id    EntityID
	conn  *schema.Connection
}

func targetAnchor(id EntityID) anchor { return anchor{id: id} }
func addedAnchor(id EntityID) anchor  { return anchor{added: true, id: id} }

// via returns a placed on the edge conn.
func (a anchor) via(conn *schema.Connection) anchor {
	a.conn = conn
	return a
}

// entity drops the edge, keeping the entity a names.
func (a anchor) entity() anchor {
	a.conn = nil
	return a
}

// anchors is an insertion-ordered set.
type anchors []anchor

func (as *anchors) add(a anchor) {
	if !slices.Contains(*as, a) {
		*as = append(*as, a)
	}
}

type addOp struct {
	parents anchors
	src     EntityID
}

// relabelOp rewrites target with the data of src. With reparent set,
// parents is the complete parent set of target afterwards.
type relabelOp struct {
	target   EntityID
	src      EntityID
	parents  anchors
	reparent bool
}

type bucketKey struct {
	parent    EntityID
	childType schema.TypeID
}

// buckets group the children of one parent by match key. Picked entries
// are removed so one child is never matched twice.
type buckets map[string][]EntityID

type reconciler struct {
	b    *Builder
	tgt  *state
	src  *state
	pred func(Source) bool
	seed *uint64

	tgtState map[EntityID]targetMark
	srcState map[EntityID]sourceMark

	adds     []addOp
	relabels []relabelOp
	removes  []EntityID

	// reorderParents lists parents whose child order may need repair.
	reorderParents anchors

	srcChildren map[bucketKey]buckets
	tgtChildren map[bucketKey]buckets
}

func newReconciler(b *Builder, pred func(Source) bool, src *state) *reconciler {
	return &reconciler{
		b:           b,
		tgt:         b.st,
		src:         src,
		pred:        pred,
		seed:        b.opts.shuffleSeed,
		tgtState:    make(map[EntityID]targetMark),
		srcState:    make(map[EntityID]sourceMark),
		srcChildren: make(map[bucketKey]buckets),
		tgtChildren: make(map[bucketKey]buckets),
	}
}

func (r *reconciler) shuffled(ids []EntityID) []EntityID {
	if r.seed != nil && len(ids) > 1 {
		rng := rand.New(rand.NewPCG(*r.seed, uint64(len(ids))))
		rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	}
	return ids
}

func (r *reconciler) keep(t, s EntityID) {
	if _, set := r.tgtState[t]; set {
		return
	}
	r.tgtState[t] = targetMark{verdict: targetKeep, other: s}
	if s != NoEntity {
		r.markSource(s, sourceMark{verdict: sourceKeep, other: t})
	}
}

func (r *reconciler) relabel(t, s EntityID, parents anchors, reparent bool) {
	if _, set := r.tgtState[t]; set {
		return
	}
	for _, p := range parents {
		r.reorderParents.add(p.entity())
	}
	r.relabels = append(r.relabels, relabelOp{target: t, src: s, parents: parents, reparent: reparent})
	r.tgtState[t] = targetMark{verdict: targetRelabel, other: s}
	r.markSource(s, sourceMark{verdict: sourceRelabel, other: t})
}

func (r *reconciler) remove(t, s EntityID) {
	if _, set := r.tgtState[t]; set {
		return
	}
	r.removes = append(r.removes, t)
	r.tgtState[t] = targetMark{verdict: targetRemove, other: NoEntity}
	if s != NoEntity {
		r.markSource(s, sourceMark{verdict: sourceTraceLost, other: NoEntity})
	}
}

func (r *reconciler) addElement(parents anchors, s EntityID) {
	for _, p := range parents {
		r.reorderParents.add(p.entity())
	}
	r.adds = append(r.adds, addOp{parents: parents, src: s})
	r.markSource(s, sourceMark{verdict: sourceMoved, other: NoEntity})
}

func (r *reconciler) markSource(s EntityID, m sourceMark) {
	if _, set := r.srcState[s]; set {
		return
	}
	r.srcState[s] = m
}

// counterpart returns the replacement entity associated with target t.
func (r *reconciler) counterpart(t EntityID) (EntityID, bool) {
	m, ok := r.tgtState[t]
	if !ok || m.verdict == targetRemove || m.other == NoEntity {
		return NoEntity, false
	}
	return m.other, true
}

// findRoot looks in goal for a parentless entity matching root of from.
func (r *reconciler) findRoot(from *state, root EntityID, goal *state, claimed func(EntityID) bool) (EntityID, bool) {
	t := from.typeOf(root)
	d := from.data(root)
	if sid, ok := symbolicKey(t, d.Fields); ok {
		return goal.idx.resolve(sid)
	}
	key := matchKey(t, d)
	for _, id := range goal.ids(root.Type()) {
		if claimed(id) {
			continue
		}
		if len(goal.parentsOf(id)) == 0 && matchKey(t, goal.data(id)) == key {
			return id, true
		}
	}
	return NoEntity, false
}

func childBuckets(st *state, parent EntityID, childType schema.TypeID) buckets {
	out := make(buckets)
	t, _ := st.reg.TypeByID(childType)
	for _, cr := range st.refs.childrenRefsOfParent(parent) {
		for _, id := range cr.ids {
			if id.Type() != childType {
				continue
			}
			k := matchKey(t, st.data(id))
			out[k] = append(out[k], id)
		}
	}
	return out
}

func (r *reconciler) sourceBuckets(parent EntityID, childType schema.TypeID) buckets {
	k := bucketKey{parent: parent, childType: childType}
	if bk, ok := r.srcChildren[k]; ok {
		return bk
	}
	bk := childBuckets(r.src, parent, childType)
	r.srcChildren[k] = bk
	return bk
}

func (r *reconciler) targetBuckets(parent EntityID, childType schema.TypeID) buckets {
	k := bucketKey{parent: parent, childType: childType}
	if bk, ok := r.tgtChildren[k]; ok {
		return bk
	}
	bk := childBuckets(r.tgt, parent, childType)
	r.tgtChildren[k] = bk
	return bk
}

// takeTargetChild picks an undecided child of target parent matching the
// replacement data d, removing it from the bucket. Children with lines
// parents are preferred over equal siblings with a different parent count.
func (r *reconciler) takeTargetChild(d *EntityData, parent EntityID, childType schema.TypeID, except EntityID, lines int) (EntityID, bool) {
	bk := r.targetBuckets(parent, childType)
	t, _ := r.tgt.reg.TypeByID(childType)
	key := matchKey(t, d)
	list := slices.DeleteFunc(r.shuffled(bk[key]), r.targetClaimed)
	i := slices.IndexFunc(list, func(id EntityID) bool {
		return id != except && len(r.tgt.parentsOf(id)) == lines
	})
	if i < 0 {
		i = slices.IndexFunc(list, func(id EntityID) bool { return id != except })
	}
	if i < 0 {
		bk[key] = list
		return NoEntity, false
	}
	id := list[i]
	bk[key] = slices.Delete(list, i, i+1)
	return id, true
}

// sameInSource decides target entity t and returns its replacement
// counterpart.
func (r *reconciler) sameInSource(t EntityID) (EntityID, bool) {
	if m, ok := r.tgtState[t]; ok {
		if m.verdict == targetRemove || m.other == NoEntity {
			return NoEntity, false
		}
		return m.other, true
	}
	parents := r.tgt.parentsOf(t)
	if len(parents) == 0 {
		s, ok := r.findRoot(r.tgt, t, r.src, r.sourceClaimed)
		if ok {
			// A keyed root may be a child in the replacement.
			if sps := r.src.parentsOf(s); len(sps) > 0 {
				as := r.targetParents(sps, t)
				return r.decideTarget(t, &as, s, true)
			}
		}
		return r.decideTarget(t, nil, s, ok)
	}
	as, s, ok := r.sourceParents(t, parents)
	return r.decideTarget(t, &as, s, ok)
}

func (r *reconciler) sourceClaimed(id EntityID) bool {
	_, ok := r.srcState[id]
	return ok
}

func (r *reconciler) targetClaimed(id EntityID) bool {
	_, ok := r.tgtState[id]
	return ok
}

// sourceParents finds the replacement counterpart of non-root target t
// and the future parent set of t.
func (r *reconciler) sourceParents(t EntityID, parents []parentRef) (anchors, EntityID, bool) {
	match := NoEntity
	typ := r.tgt.typeOf(t)
	data := r.tgt.data(t)

	if sid, ok := symbolicKey(typ, data.Fields); ok {
		if s, found := r.src.idx.resolve(sid); found {
			match = s
		}
	} else {
		type option struct {
			parent EntityID
			source EntityID
			bucket buckets
			cands  []EntityID
		}
		key := matchKey(typ, data)
		votes := make(map[EntityID]int)
		var seen []EntityID
		opts := make([]option, 0, len(parents))
		for _, p := range parents {
			o := option{parent: p.id, source: NoEntity}
			if sp, ok := r.sameInSource(p.id); ok {
				o.source = sp
				o.bucket = r.sourceBuckets(sp, t.Type())
				for _, c := range o.bucket[key] {
					if _, decided := r.srcState[c]; decided {
						continue
					}
					o.cands = append(o.cands, c)
					if votes[c] == 0 {
						seen = append(seen, c)
					}
					votes[c]++
				}
			}
			opts = append(opts, o)
		}
		at := slices.Index(r.tgt.refs.childrenOf(parents[0].conn, parents[0].id), t)
		var siblings []EntityID
		if opts[0].source != NoEntity {
			siblings = r.src.refs.childrenOf(parents[0].conn, opts[0].source)
		}
		dist := func(c EntityID) int {
			i := slices.Index(siblings, c)
			if i < 0 {
				return math.MaxInt
			}
			if i < at {
				return at - i
			}
			return i - at
		}
		if best, ok := r.vote(seen, votes, len(parents), dist); ok {
			for _, o := range opts {
				if slices.Contains(o.cands, best) {
					o.bucket[key] = slices.DeleteFunc(o.bucket[key], func(id EntityID) bool { return id == best })
				}
			}
			match = best
		}
	}

	if match == NoEntity {
		return nil, NoEntity, false
	}
	return r.targetParents(r.src.parentsOf(match), t), match, true
}

// targetParents translates replacement parent edges into anchors. The
// result is never nil. except is never used as an anchor.
func (r *reconciler) targetParents(sps []parentRef, except EntityID) anchors {
	as := anchors{}
	for _, sp := range sps {
		if a, ok := r.sameInTarget(sp.id, except); ok {
			as.add(a.via(sp.conn))
		}
	}
	return as
}

// vote picks a candidate among seen. Candidates found under all lines
// parents that have lines parents in the replacement too come first.
// Then the candidate present under the most parents wins. Ties go to the
// candidates closest by dist, then to the earliest, after shuffling when
// a seed is set.
func (r *reconciler) vote(seen []EntityID, votes map[EntityID]int, lines int, dist func(EntityID) int) (EntityID, bool) {
	pool := slices.DeleteFunc(slices.Clone(seen), func(c EntityID) bool {
		return votes[c] != lines || len(r.src.parentsOf(c)) != lines
	})
	if len(pool) == 0 {
		pool = seen
	}
	top := 0
	for _, c := range pool {
		top = max(top, votes[c])
	}
	if top == 0 {
		return NoEntity, false
	}
	var tied []EntityID
	for _, c := range pool {
		if votes[c] == top {
			tied = append(tied, c)
		}
	}
	if len(tied) > 1 {
		near := dist(slices.MinFunc(tied, func(a, b EntityID) int { return cmp.Compare(dist(a), dist(b)) }))
		tied = slices.DeleteFunc(tied, func(c EntityID) bool { return dist(c) != near })
	}
	return r.shuffled(tied)[0], true
}

// requiredParentMissing reports whether some non-nullable parent
// connection of t has no anchor in as.
func (r *reconciler) requiredParentMissing(t EntityID, as anchors) bool {
	for _, conn := range r.tgt.reg.ParentConnections(t.Type()) {
		if conn.ParentNullable {
			continue
		}
		if !slices.ContainsFunc(as, func(a anchor) bool { return a.conn == conn }) {
			return true
		}
	}
	return false
}

func (r *reconciler) decideTarget(t EntityID, as *anchors, s EntityID, found bool) (EntityID, bool) {
	missing := as != nil && r.requiredParentMissing(t, *as)
	var parents anchors
	if as != nil {
		parents = *as
	}
	tsrc := r.tgt.data(t).Source
	if !found || missing {
		if r.pred(tsrc) {
			r.remove(t, NoEntity)
		} else {
			r.keep(t, NoEntity)
		}
		return NoEntity, false
	}
	ssrc := r.src.data(s).Source
	switch tm, sm := r.pred(tsrc), r.pred(ssrc); {
	case sm:
		if ssrc.Placeholder {
			r.keep(t, s)
		} else {
			r.relabel(t, s, parents, as != nil)
		}
		return s, true
	case tm:
		r.remove(t, s)
		return NoEntity, false
	default:
		r.keep(t, s)
		return s, true
	}
}

// sameInTarget finds the target side of replacement entity s: an existing
// entity, or s itself when it is or will be added. except is never
// returned.
func (r *reconciler) sameInTarget(s, except EntityID) (anchor, bool) {
	if m, ok := r.srcState[s]; ok {
		switch m.verdict {
		case sourceMoved:
			return addedAnchor(s), true
		case sourceTraceLost:
			return anchor{}, false
		default:
			return targetAnchor(m.other), true
		}
	}
	parents := r.src.parentsOf(s)
	if len(parents) == 0 {
		t, ok := r.findRoot(r.src, s, r.tgt, r.targetClaimed)
		return r.decideSource(s, nil, t, ok)
	}

	typ := r.src.typeOf(s)
	data := r.src.data(s)
	as := r.targetParents(parents, NoEntity)
	if sid, ok := symbolicKey(typ, data.Fields); ok {
		t, found := r.tgt.idx.resolve(sid)
		return r.decideSource(s, as, t, found)
	}
	if len(as) == 0 {
		r.markSource(s, sourceMark{verdict: sourceTraceLost, other: NoEntity})
		return anchor{}, false
	}
	for _, a := range as {
		if a.added {
			continue
		}
		if t, ok := r.takeTargetChild(data, a.id, s.Type(), except, len(parents)); ok {
			return r.decideSource(s, as, t, true)
		}
	}
	return r.decideSource(s, as, NoEntity, false)
}

func (r *reconciler) decideSource(s EntityID, as anchors, t EntityID, found bool) (anchor, bool) {
	ssrc := r.src.data(s).Source
	if !found {
		if r.pred(ssrc) {
			r.addSubtree(as, s)
			return addedAnchor(s), true
		}
		r.markSource(s, sourceMark{verdict: sourceTraceLost, other: NoEntity})
		return anchor{}, false
	}
	if m, ok := r.tgtState[t]; ok {
		if m.verdict == targetRemove {
			return anchor{}, false
		}
		return targetAnchor(t), true
	}
	tsrc := r.tgt.data(t).Source
	switch tm, sm := r.pred(tsrc), r.pred(ssrc); {
	case tm && sm:
		if as != nil && r.requiredParentMissing(t, as) {
			r.remove(t, s)
			return anchor{}, false
		}
		r.relabelOrKeep(t, s, as)
		return targetAnchor(t), true
	case tm:
		r.remove(t, s)
		return anchor{}, false
	case sm:
		if r.tgt.typeOf(t).HasSymbolicID() {
			r.relabelOrKeep(t, s, as)
			return targetAnchor(t), true
		}
		r.addSubtree(as, s)
		return addedAnchor(s), true
	default:
		r.keep(t, s)
		return targetAnchor(t), true
	}
}

// relabelOrKeep relabels t unless s is a placeholder. A nil as keeps the
// parent edges of t.
func (r *reconciler) relabelOrKeep(t, s EntityID, as anchors) {
	if r.src.data(s).Source.Placeholder {
		r.keep(t, s)
		return
	}
	r.relabel(t, s, as, as != nil)
}

// addSubtree plans the addition of s and of every descendant satisfying
// the predicate that has no target counterpart.
func (r *reconciler) addSubtree(as anchors, s EntityID) {
	if m, ok := r.srcState[s]; ok {
		if m.verdict != sourceMoved {
			r.b.log.Debug("reconcile: subtree root already decided", "entity", s.String())
		}
		return
	}
	r.addElement(as, s)
	for _, cr := range r.src.refs.childrenRefsOfParent(s) {
		for _, c := range cr.ids {
			if !r.pred(r.src.data(c).Source) {
				continue
			}
			if a, ok := r.sameInTarget(c, NoEntity); ok && !a.added {
				continue
			}
			parents := r.targetParents(r.src.parentsOf(c), NoEntity)
			parents.add(addedAnchor(s).via(cr.conn))
			r.addSubtree(parents, c)
		}
	}
}

// apply executes the plan: adds, then relabels, then removes, then child
// order repair.
func (r *reconciler) apply() {
	b := r.b
	added := make(map[EntityID]EntityID, len(r.adds))
	resolve := func(a anchor) (EntityID, bool) {
		if a.added {
			id, ok := added[a.id]
			return id, ok
		}
		return a.id, b.st.exists(a.id)
	}
	link := func(child EntityID, parents anchors) {
		for _, a := range parents {
			p, ok := resolve(a)
			if !ok || a.conn == nil {
				continue
			}
			if cur, linked := b.st.refs.parentOf(a.conn, child); linked && cur == p {
				continue
			}
			b.attach(a.conn, p, child)
		}
	}
	// unlinkStale drops the parent edges of child that parents does not plan.
	unlinkStale := func(child EntityID, parents anchors) {
		planned := make(map[parentRef]bool, len(parents))
		for _, a := range parents {
			if p, ok := resolve(a); ok && a.conn != nil {
				planned[parentRef{conn: a.conn, id: p}] = true
			}
		}
		for _, pr := range b.st.parentsOf(child) {
			if !planned[pr] {
				b.recordRefs(b.st.refs.removeParentToChildRef(pr.conn, pr.id, child), b.pending)
			}
		}
	}

	// Adds whose added parents are not placed yet wait for a later round.
	pending := r.adds
	for len(pending) > 0 {
		var next []addOp
		for _, op := range pending {
			if !r.parentsPlaced(op.parents, added) {
				next = append(next, op)
				continue
			}
			id := b.addData(r.src.data(op.src).clone(), false)
			added[op.src] = id
			link(id, op.parents)
		}
		if len(next) == len(pending) {
			for _, op := range next {
				b.log.Warn("reconcile: added parent never placed", "entity", op.src.String())
				id := b.addData(r.src.data(op.src).clone(), false)
				added[op.src] = id
				link(id, op.parents)
			}
			break
		}
		pending = next
	}

	for _, op := range r.relabels {
		cur := b.st.data(op.target)
		if cur == nil {
			continue
		}
		src := r.src.data(op.src)
		b.replaceData(op.target, &EntityData{Type: cur.Type, Source: src.Source, Fields: src.Fields.Clone()})
		if b.st.exists(op.target) {
			link(op.target, op.parents)
			if op.reparent {
				unlinkStale(op.target, op.parents)
			}
		}
	}

	for _, id := range r.removes {
		b.removeIDs(id)
	}

	inverse := make(map[EntityID]EntityID, len(added))
	for s, t := range added {
		inverse[t] = s
	}
	for _, a := range r.reorderParents {
		if a.added {
			continue
		}
		r.repairOrder(a.id, inverse)
	}
}

func (r *reconciler) parentsPlaced(as anchors, added map[EntityID]EntityID) bool {
	for _, a := range as {
		if !a.added {
			continue
		}
		if _, ok := added[a.id]; !ok {
			return false
		}
	}
	return true
}

// repairOrder sorts the children of target parent p by the position of
// their counterparts under p's counterpart. Children without one keep
// their current index as rank.
func (r *reconciler) repairOrder(p EntityID, inverse map[EntityID]EntityID) {
	b := r.b
	if !b.st.exists(p) {
		return
	}
	sp, ok := r.counterpart(p)
	if !ok {
		return
	}
	for _, cr := range b.st.refs.childrenRefsOfParent(p) {
		if len(cr.ids) < 2 {
			continue
		}
		rank := make(map[EntityID]int)
		for i, c := range r.src.refs.childrenOf(cr.conn, sp) {
			rank[c] = i
		}
		type ranked struct {
			id   EntityID
			rank int
		}
		items := make([]ranked, len(cr.ids))
		for i, c := range cr.ids {
			items[i] = ranked{id: c, rank: i}
			sc, ok := inverse[c]
			if !ok {
				sc, ok = r.counterpart(c)
			}
			if !ok {
				continue
			}
			if j, ok := rank[sc]; ok {
				items[i].rank = j
			}
		}
		sort.SliceStable(items, func(i, j int) bool { return items[i].rank < items[j].rank })
		order := make([]EntityID, len(items))
		for i, it := range items {
			order[i] = it.id
		}
		b.reorder(cr.conn, p, order)
	}
}
