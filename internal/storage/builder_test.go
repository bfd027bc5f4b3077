package storage

import (
	"bytes"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/value"
)

func TestAddEntityReadBack(t *testing.T) {
	w := newWS(t)
	b := w.builder()

	m := w.module(t, b, local, "app", "java")
	r := w.root(t, b, local, m, "file:///app")

	assert.Equal(t, "Module", m.TypeName())
	assert.Equal(t, value.String("java"), m.Field("type"))
	assert.Equal(t, value.Null{}, m.Field("missing"))
	assert.Equal(t, local, m.Source())

	sid, ok := m.SymbolicID()
	require.True(t, ok)
	assert.Equal(t, SymbolicID{Type: "Module", Key: "app"}, sid)

	got, ok := b.Resolve(sid)
	require.True(t, ok)
	assert.Equal(t, m.ID(), got.ID())

	assert.Equal(t, []string{r.String()}, names(m.Children(w.moduleRoots)))
	p, ok := r.Parent(w.moduleRoots)
	require.True(t, ok)
	assert.Equal(t, m.ID(), p.ID())

	assert.Equal(t, 2, b.Count())
	assert.True(t, b.HasChanges())
	require.NoError(t, b.AssertConsistency())
}

func TestAddEntityRejectsInvalidInput(t *testing.T) {
	w := newWS(t)
	b := w.builder()
	m := w.module(t, b, local, "app", "java")
	lib := w.library(t, b, local, "junit")

	tests := []struct {
		name  string
		typ   string
		field value.Record
		links []Attachment
		code  ErrorCode
	}{
		{"unknown type", "Nope", nil, nil, ErrCodeUnknownType},
		{"abstract type", "Facet", nil, nil, ErrCodeAbstractType},
		{"unknown field", "Library", value.Record{"nam": value.String("x")}, nil, ErrCodeUnknownField},
		{"wrong kind", "JavaFacet", value.Record{"level": value.String("21")}, nil, ErrCodeFieldKind},
		{"wrong child type", "Library", value.Record{"name": value.String("x")},
			[]Attachment{ParentLink(w.moduleRoots, m)}, ErrCodeConnectionMismatch},
		{"wrong parent type", "ContentRoot", value.Record{"url": value.String("u")},
			[]Attachment{ParentLink(w.moduleRoots, lib)}, ErrCodeConnectionMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.AddEntity(tt.typ, local, tt.field, tt.links...)
			require.Error(t, err)
			assert.True(t, HasCode(err, tt.code), "got %v", err)
		})
	}
	assert.Equal(t, 2, b.Count())
}

func TestAddThenRemoveLeavesNoTrace(t *testing.T) {
	w := newWS(t)
	b := w.builder()

	m := w.module(t, b, local, "app", "java")
	w.root(t, b, local, m, "file:///app")
	w.dependency(t, b, local, m, "junit", "test")

	require.True(t, b.RemoveEntity(m))
	assert.False(t, b.RemoveEntity(m))

	assert.Empty(t, collect(b, "Module"))
	assert.Empty(t, collect(b, "ContentRoot"))
	assert.Empty(t, collect(b, "Dependency"))
	_, ok := b.Resolve(SymbolicID{Type: "Module", Key: "app"})
	assert.False(t, ok)
	assert.Empty(t, slices.Collect(b.Referrers(SymbolicID{Type: "Library", Key: "junit"}, "Dependency")))
	assert.Empty(t, slices.Collect(b.EntitiesBySource(AnySource)))
	assert.Equal(t, 0, b.Count())
	assert.False(t, b.HasChanges())
	assert.Empty(t, b.CollectChanges())
	require.NoError(t, b.AssertConsistency())
}

func TestTypeFamiliesAreShared(t *testing.T) {
	w := newWS(t)
	b := w.builder()
	w.sample(t, b, local)
	snap := b.ToSnapshot()

	next := snap.ToBuilder(quiet())
	w.library(t, next, local, "kotlin-stdlib")
	after := next.ToSnapshot()

	mod := w.reg.MustType("Module").ID
	lib := w.reg.MustType("Library").ID
	root := w.reg.MustType("ContentRoot").ID
	assert.Same(t, snap.st.families[mod], after.st.families[mod])
	assert.Same(t, snap.st.families[root], after.st.families[root])
	assert.NotSame(t, snap.st.families[lib], after.st.families[lib])

	assert.Len(t, collect(snap, "Library"), 1)
	assert.Len(t, collect(after, "Library"), 2)
}

func TestSnapshotIsolatedFromBuilder(t *testing.T) {
	w := newWS(t)
	b := w.builder()
	m := w.module(t, b, local, "app", "java")
	snap := b.ToSnapshot()

	_, err := b.ModifyEntity(m, func(mu *Mutable) { mu.Set("type", value.String("kotlin")) })
	require.NoError(t, err)
	w.module(t, b, local, "other", "java")

	frozen, ok := snap.Entity(m.ID())
	require.True(t, ok)
	assert.Equal(t, value.String("java"), frozen.Field("type"))
	assert.Equal(t, value.String("kotlin"), m.Field("type"))
	assert.Len(t, collect(snap, "Module"), 1)
	assert.Len(t, collect(b, "Module"), 2)

	later := b.ToSnapshot()
	assert.Greater(t, later.Version(), snap.Version())
}

func TestEntitiesIncludeSubtypes(t *testing.T) {
	w := newWS(t)
	b := w.builder()
	w.sample(t, b, local)

	facets := collect(b, "Facet")
	require.Len(t, facets, 2)
	kinds := []string{facets[0].TypeName(), facets[1].TypeName()}
	assert.ElementsMatch(t, []string{"JavaFacet", "KotlinFacet"}, kinds)
	assert.Len(t, collect(b, "JavaFacet"), 1)
	assert.Empty(t, collect(b, "Unknown"))
}

func TestEntitiesBySourceOrder(t *testing.T) {
	w := newWS(t)
	b := w.builder()
	w.library(t, b, remote, "b")
	w.library(t, b, local, "a")
	w.library(t, b, local, "c")

	var got []string
	for e := range b.EntitiesBySource(AnySource) {
		got = append(got, e.Source().Kind+"/"+string(e.Field("name").(value.String)))
	}
	assert.Equal(t, []string{"local/a", "local/c", "remote/b"}, got)

	var remotes []string
	for e := range b.EntitiesBySource(SourceKind("remote")) {
		remotes = append(remotes, e.String())
	}
	assert.Equal(t, []string{"Library(b)"}, remotes)
	assert.Empty(t, slices.Collect(b.EntitiesBySource(NoSource)))
}

func TestModifyEntityRenamePropagates(t *testing.T) {
	w := newWS(t)
	b := w.builder()
	m := w.module(t, b, local, "app", "java")
	lib := w.library(t, b, local, "junit")
	dep := w.dependency(t, b, local, m, "junit", "test")

	_, err := b.ModifyEntity(lib, func(mu *Mutable) { mu.Set("name", value.String("junit5")) })
	require.NoError(t, err)

	assert.Equal(t, value.Link{Type: "Library", Key: "junit5"}, dep.Field("target"))
	refs := slices.Collect(b.Referrers(SymbolicID{Type: "Library", Key: "junit5"}, "Dependency"))
	require.Len(t, refs, 1)
	assert.Equal(t, dep.ID(), refs[0].ID())
	assert.Empty(t, slices.Collect(b.Referrers(SymbolicID{Type: "Library", Key: "junit"}, "Dependency")))

	_, ok := b.Resolve(SymbolicID{Type: "Library", Key: "junit"})
	assert.False(t, ok)
	require.NoError(t, b.AssertConsistency())
}

func TestModifyEntityErrors(t *testing.T) {
	w := newWS(t)
	b := w.builder()
	m := w.module(t, b, local, "app", "java")

	_, err := b.ModifyEntity(m, func(mu *Mutable) {
		mu.Set("type", value.Int(1))
		mu.Set("name", value.String("changed"))
	})
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeFieldKind))
	assert.Equal(t, value.String("app"), m.Field("name"), "failed modification must not apply")

	require.True(t, b.RemoveEntity(m))
	_, err = b.ModifyEntity(m, func(*Mutable) {})
	assert.True(t, IsNotFound(err))
}

func TestModifyEntityNullClearsField(t *testing.T) {
	w := newWS(t)
	b := w.builder()
	m := w.module(t, b, local, "app", "java")

	_, err := b.ModifyEntity(m, func(mu *Mutable) {
		assert.Equal(t, value.String("java"), mu.Get("type"))
		mu.Set("type", value.Null{})
		mu.SetSource(remote)
	})
	require.NoError(t, err)
	assert.Equal(t, value.Null{}, m.Field("type"))
	assert.NotContains(t, m.Fields(), "type")
	assert.Equal(t, remote, m.Source())
}

func TestMutableOutsideScopePanics(t *testing.T) {
	w := newWS(t)
	b := w.builder()
	m := w.module(t, b, local, "app", "java")

	var leaked *Mutable
	_, err := b.ModifyEntity(m, func(mu *Mutable) { leaked = mu })
	require.NoError(t, err)

	err = recoverError(func() { leaked.Set("type", value.String("kotlin")) })
	assert.True(t, IsIllegalMutation(err))
	assert.Equal(t, value.String("java"), m.Field("type"))
}

func TestForeignBuilderPanics(t *testing.T) {
	w := newWS(t)
	a := w.builder()
	other := w.builder()
	m := w.module(t, a, local, "app", "java")

	err := recoverError(func() { other.RemoveEntity(m) })
	assert.True(t, IsIllegalMutation(err))
	err = recoverError(func() { _, _ = other.ModifyEntity(m, func(*Mutable) {}) })
	assert.True(t, IsIllegalMutation(err))
	assert.Equal(t, 1, a.Count())
}

func TestSnapshotEntitiesUsableInDerivedBuilder(t *testing.T) {
	w := newWS(t)
	b := w.builder()
	w.module(t, b, local, "app", "java")
	snap := b.ToSnapshot()

	m, ok := snap.Resolve(SymbolicID{Type: "Module", Key: "app"})
	require.True(t, ok)
	next := snap.ToBuilder(quiet())
	require.True(t, next.RemoveEntity(m))
	assert.Equal(t, 0, next.Count())
	assert.Equal(t, 1, snap.Count())
}

func TestRemoveCascadesRequiredChildrenOnly(t *testing.T) {
	w := newWS(t)
	b := w.builder()
	m := w.module(t, b, local, "app", "java")
	lib := w.library(t, b, local, "junit")
	r := w.root(t, b, local, m, "file:///app")
	s := w.sourceRoot(t, b, local, r, "file:///app/src", "java")
	require.NoError(t, b.AddChild(w.libraryRoots, lib, r))
	settings := mustAdd(t, b, "Settings", local,
		value.Record{"key": value.String("k"), "value": value.String("v")}, ParentLink(w.moduleSettings, m))

	require.True(t, b.RemoveEntity(lib))
	_, ok := b.Entity(r.ID())
	assert.True(t, ok, "nullable child survives its parent")
	_, ok = r.Parent(w.libraryRoots)
	assert.False(t, ok)

	require.True(t, b.RemoveEntity(m))
	for _, e := range []*Entity{r, s} {
		_, ok := b.Entity(e.ID())
		assert.False(t, ok, "%s should be removed with its module", e)
	}
	_, ok = b.Entity(settings.ID())
	assert.True(t, ok)
	require.NoError(t, b.AssertConsistency())
}

func TestOneToOneEviction(t *testing.T) {
	w := newWS(t)
	b := w.builder()
	m := w.module(t, b, local, "app", "java")

	first := mustAdd(t, b, "CompilerOptions", local, value.Record{"flags": value.List{value.String("-g")}}, ParentLink(w.moduleOptions, m))
	second := mustAdd(t, b, "CompilerOptions", local, value.Record{"flags": value.List{value.String("-O")}}, ParentLink(w.moduleOptions, m))

	_, ok := b.Entity(first.ID())
	assert.False(t, ok, "required single child is replaced")
	assert.Equal(t, []string{second.String()}, names(m.Children(w.moduleOptions)))

	s1 := mustAdd(t, b, "Settings", local, value.Record{"key": value.String("a")}, ParentLink(w.moduleSettings, m))
	s2 := mustAdd(t, b, "Settings", local, value.Record{"key": value.String("b")}, ParentLink(w.moduleSettings, m))
	_, ok = b.Entity(s1.ID())
	assert.True(t, ok, "nullable single child is detached")
	_, ok = s1.Parent(w.moduleSettings)
	assert.False(t, ok)
	assert.Equal(t, []string{s2.String()}, names(m.Children(w.moduleSettings)))

	require.NoError(t, b.AssertConsistency())
}

func TestAbstractConnections(t *testing.T) {
	w := newWS(t)
	b := w.builder()
	m := w.module(t, b, local, "app", "java")

	jf := mustAdd(t, b, "JavaFacet", local, value.Record{"level": value.Int(17)}, ParentLink(w.moduleFacets, m))
	kf := mustAdd(t, b, "KotlinFacet", local, value.Record{"version": value.String("2.0")}, ParentLink(w.moduleFacets, m))
	cfg := mustAdd(t, b, "FacetConfig", local, value.Record{"data": value.String("x")}, ParentLink(w.facetConfig, kf))

	assert.Equal(t, []string{jf.String(), kf.String()}, names(m.Children(w.moduleFacets)))
	p, ok := cfg.Parent(w.facetConfig)
	require.True(t, ok)
	assert.Equal(t, kf.ID(), p.ID())

	require.NoError(t, b.ReplaceChildren(w.moduleFacets, m, []*Entity{kf}))
	_, ok = b.Entity(jf.ID())
	assert.True(t, ok, "abstract connections detach dropped children")
	assert.Equal(t, []string{kf.String()}, names(m.Children(w.moduleFacets)))
}

func TestAddChildErrors(t *testing.T) {
	w := newWS(t)
	b := w.builder()
	m := w.module(t, b, local, "app", "java")
	lib := w.library(t, b, local, "junit")
	r := w.root(t, b, local, m, "file:///app")

	err := b.AddChild(w.moduleRoots, nil, r)
	assert.True(t, HasCode(err, ErrCodeConnectionMismatch))

	err = b.AddChild(w.moduleRoots, lib, r)
	assert.True(t, HasCode(err, ErrCodeConnectionMismatch))

	require.True(t, b.RemoveEntity(lib))
	err = b.AddChild(w.libraryRoots, lib, r)
	assert.True(t, IsNotFound(err))

	assert.True(t, HasCode(b.AddChild(nil, m, r), ErrCodeConnectionMismatch))
}

func TestAddChildMovesChild(t *testing.T) {
	w := newWS(t)
	b := w.builder()
	a := w.module(t, b, local, "a", "java")
	c := w.module(t, b, local, "c", "java")
	r := w.root(t, b, local, a, "file:///a")

	require.NoError(t, b.AddChild(w.moduleRoots, c, r))
	assert.Empty(t, a.Children(w.moduleRoots))
	assert.Equal(t, []string{r.String()}, names(c.Children(w.moduleRoots)))
	require.NoError(t, b.AssertConsistency())
}

func TestReplaceChildren(t *testing.T) {
	w := newWS(t)
	b := w.builder()
	m := w.module(t, b, local, "app", "java")
	lib := w.library(t, b, local, "junit")
	r1 := w.root(t, b, local, m, "file:///1")
	r2 := w.root(t, b, local, m, "file:///2")
	r3 := w.root(t, b, local, m, "file:///3")
	require.NoError(t, b.AddChild(w.libraryRoots, lib, r1))
	require.NoError(t, b.AddChild(w.libraryRoots, lib, r2))

	require.NoError(t, b.ReplaceChildren(w.libraryRoots, lib, []*Entity{r2}))
	_, ok := b.Entity(r1.ID())
	assert.True(t, ok)
	assert.Equal(t, []string{r2.String()}, names(lib.Children(w.libraryRoots)))

	require.NoError(t, b.ReplaceChildren(w.moduleRoots, m, []*Entity{r3, r1, r3}))
	assert.Equal(t, []string{r3.String(), r1.String()}, names(m.Children(w.moduleRoots)))
	_, ok = b.Entity(r2.ID())
	assert.False(t, ok, "dropped required child is removed")

	o1 := mustAdd(t, b, "CompilerOptions", local, value.Record{}, ParentLink(w.moduleOptions, m))
	o2 := mustAdd(t, b, "CompilerOptions", local, value.Record{}, ParentLink(w.moduleOptions, w.module(t, b, local, "x", "java")))
	err := b.ReplaceChildren(w.moduleOptions, m, []*Entity{o1, o2})
	assert.True(t, HasCode(err, ErrCodeConnectionMismatch))

	require.NoError(t, b.AssertConsistency())
}

func TestReplaceChildrenJournalsOrder(t *testing.T) {
	w := newWS(t)
	b := w.builder()
	m := w.module(t, b, local, "app", "java")
	w.root(t, b, local, m, "file:///1")
	w.root(t, b, local, m, "file:///2")
	snap := b.ToSnapshot()

	next := snap.ToBuilder(quiet())
	mm, _ := next.Resolve(SymbolicID{Type: "Module", Key: "app"})
	roots := mm.Children(w.moduleRoots)
	require.Len(t, roots, 2)

	require.NoError(t, next.ReplaceChildren(w.moduleRoots, mm, []*Entity{roots[1], roots[0]}))
	assert.True(t, next.HasChanges())
	changes := next.CollectChanges()[w.reg.MustType("Module").ID]
	require.Len(t, changes, 1)
	assert.IsType(t, Replaced{}, changes[0])

	require.NoError(t, next.ReplaceChildren(w.moduleRoots, mm, roots))
	assert.False(t, next.HasChanges(), "restoring the base order cancels the change")
}

func TestDuplicateSymbolicIDEvicts(t *testing.T) {
	w := newWS(t)
	var logs bytes.Buffer
	b := w.builder(capture(&logs))

	first := w.module(t, b, local, "app", "java")
	w.root(t, b, local, first, "file:///old")
	second := w.module(t, b, remote, "app", "kotlin")

	_, ok := b.Entity(first.ID())
	assert.False(t, ok)
	mods := collect(b, "Module")
	require.Len(t, mods, 1)
	assert.Equal(t, second.ID(), mods[0].ID())
	assert.Empty(t, collect(b, "ContentRoot"), "evicted entity takes its required children along")
	assert.Contains(t, logs.String(), string(ErrCodeDuplicateSymbolicID))
	require.NoError(t, b.AssertConsistency())
}

func TestHasChangesAfterCancellingEdits(t *testing.T) {
	w := newWS(t)
	b := w.builder()
	w.module(t, b, local, "y", "java")
	snap := b.ToSnapshot()

	next := snap.ToBuilder(quiet())
	x := w.module(t, next, local, "x", "java")
	_, err := next.ModifyEntity(x, func(mu *Mutable) { mu.Set("type", value.String("kotlin")) })
	require.NoError(t, err)
	require.True(t, next.RemoveEntity(x))

	assert.False(t, next.HasChanges())
	assert.Empty(t, next.CollectChanges())
	assert.True(t, next.HasSameEntities())
	assert.Greater(t, next.ModificationCount(), int64(0))
}

func TestModifyBackToOriginalCancels(t *testing.T) {
	w := newWS(t)
	b := w.builder()
	w.module(t, b, local, "y", "java")
	next := b.ToSnapshot().ToBuilder(quiet())

	y, _ := next.Resolve(SymbolicID{Type: "Module", Key: "y"})
	_, err := next.ModifyEntity(y, func(mu *Mutable) { mu.Set("type", value.String("kotlin")) })
	require.NoError(t, err)
	assert.True(t, next.HasChanges())
	assert.False(t, next.HasSameEntities())

	_, err = next.ModifyEntity(y, func(mu *Mutable) { mu.Set("type", value.String("java")) })
	require.NoError(t, err)
	assert.False(t, next.HasChanges())
}

func TestCollectChangesOrdering(t *testing.T) {
	w := newWS(t)
	b := w.builder()
	w.module(t, b, local, "a", "java")
	w.module(t, b, local, "b", "java")
	snap := b.ToSnapshot()

	next := snap.ToBuilder(quiet())
	c := w.module(t, next, local, "c", "java")
	bm, _ := next.Resolve(SymbolicID{Type: "Module", Key: "b"})
	_, err := next.ModifyEntity(bm, func(mu *Mutable) { mu.Set("type", value.String("kotlin")) })
	require.NoError(t, err)
	am, _ := next.Resolve(SymbolicID{Type: "Module", Key: "a"})
	require.True(t, next.RemoveEntity(am))

	changes := next.CollectChanges()
	require.Len(t, changes, 1)
	mods := changes[w.reg.MustType("Module").ID]
	require.Len(t, mods, 3)

	removed, ok := mods[0].(Removed)
	require.True(t, ok)
	assert.Equal(t, value.String("a"), removed.Old.Field("name"))

	replaced, ok := mods[1].(Replaced)
	require.True(t, ok)
	assert.Equal(t, value.String("java"), replaced.Old.Field("type"))
	assert.Equal(t, value.String("kotlin"), replaced.New.Field("type"))

	added, ok := mods[2].(Added)
	require.True(t, ok)
	assert.Equal(t, c.ID(), added.New.ID())
}

func TestCollectChangesEdgeOnly(t *testing.T) {
	w := newWS(t)
	b := w.builder()
	m := w.module(t, b, local, "app", "java")
	mustAdd(t, b, "Settings", local, value.Record{"key": value.String("k")}, ParentLink(w.moduleSettings, m))
	snap := b.ToSnapshot()

	next := snap.ToBuilder(quiet())
	s := collect(next, "Settings")[0]
	require.NoError(t, next.AddChild(w.moduleSettings, nil, s))

	changes := next.CollectChanges()
	for _, typ := range []string{"Module", "Settings"} {
		cs := changes[w.reg.MustType(typ).ID]
		require.Len(t, cs, 1, typ)
		r, ok := cs[0].(Replaced)
		require.True(t, ok, typ)
		assert.Equal(t, r.Old.Fields(), r.New.Fields())
	}
	assert.False(t, next.HasSameEntities())
}

func TestHasSameEntitiesAfterRecreate(t *testing.T) {
	w := newWS(t)
	b := w.builder()
	y := w.module(t, b, local, "y", "java")
	w.root(t, b, local, y, "file:///y")
	snap := b.ToSnapshot()

	next := snap.ToBuilder(quiet())
	old, _ := next.Resolve(SymbolicID{Type: "Module", Key: "y"})
	require.True(t, next.RemoveEntity(old))
	y2 := w.module(t, next, local, "y", "java")
	w.root(t, next, local, y2, "file:///y")

	assert.True(t, next.HasChanges())
	assert.True(t, next.HasSameEntities())

	next2 := snap.ToBuilder(quiet())
	old, _ = next2.Resolve(SymbolicID{Type: "Module", Key: "y"})
	require.True(t, next2.RemoveEntity(old))
	y3 := w.module(t, next2, local, "y", "java")
	w.root(t, next2, local, y3, "file:///other")
	assert.False(t, next2.HasSameEntities())
}

func TestBrokenFlagIsSticky(t *testing.T) {
	w := newWS(t)
	l := NewLoader(w.reg)
	root := NewEntityID(0, w.reg.MustType("ContentRoot").ID)
	require.NoError(t, l.Put(root, local, value.Record{"url": value.String("file:///orphan")}))
	snap := l.Finish()

	sink := &sinkRecorder{}
	b := snap.ToBuilder(quiet(), WithConsistency(ConsistencyAlways), WithDiagnosticSink(sink))
	assert.True(t, b.Consistent())
	next := b.ToSnapshot()
	assert.False(t, b.Consistent())
	assert.True(t, next.Broken())

	reports := sink.reports()
	require.Len(t, reports, 1)
	assert.Equal(t, "ToSnapshot", reports[0].Operation)
	assert.Contains(t, reports[0].Violations[0], "has no parent")
	assert.Contains(t, reports[0].Dump, "ContentRoot")

	derived := next.ToBuilder(quiet())
	assert.False(t, derived.Consistent(), "broken flag carries over to derived builders")
}

func TestSampledConsistencyCheck(t *testing.T) {
	w := newWS(t)
	l := NewLoader(w.reg)
	require.NoError(t, l.Put(NewEntityID(0, w.reg.MustType("ContentRoot").ID), local, value.Record{}))
	sink := &sinkRecorder{}
	b := l.Finish().ToBuilder(quiet(),
		WithConsistency(ConsistencySampled), WithSampleRate(1), WithDiagnosticSink(sink))

	b.ToSnapshot()
	require.NoError(t, b.WaitChecks())
	assert.Len(t, sink.reports(), 1)
	assert.False(t, b.Consistent())
}

func TestAssertConsistencyReports(t *testing.T) {
	w := newWS(t)
	l := NewLoader(w.reg)
	require.NoError(t, l.Put(NewEntityID(0, w.reg.MustType("SourceRoot").ID), local, value.Record{"url": value.String("u")}))
	b := l.Finish().ToBuilder(quiet())

	err := b.AssertConsistency()
	require.Error(t, err)
	assert.True(t, IsConsistencyError(err))
	assert.False(t, b.Consistent())
}

type opRecorder struct {
	ops        []string
	violations []string
}

func (r *opRecorder) ObserveOperation(op string, _ time.Duration) { r.ops = append(r.ops, op) }
func (r *opRecorder) ConsistencyViolation(op string) { r.violations = append(r.violations, op) }

func TestInstrumentation(t *testing.T) {
	w := newWS(t)
	rec := &opRecorder{}
	b := w.builder(WithInstrumentation(rec))
	m := w.module(t, b, local, "app", "java")
	b.RemoveEntity(m)
	b.ToSnapshot()
	assert.Equal(t, []string{"add_entity", "remove_entity", "to_snapshot"}, rec.ops)
	assert.Empty(t, rec.violations)
}

func TestCachedQuery(t *testing.T) {
	w := newWS(t)
	calls := 0
	modules := NewQuery("modules", func(s *Snapshot) int {
		calls++
		return len(collect(s, "Module"))
	})
	b := w.builder()
	w.sample(t, b, local)
	snap := b.ToSnapshot()

	assert.Equal(t, 2, Cached(snap, modules))
	assert.Equal(t, 2, Cached(snap, modules))
	assert.Equal(t, 1, calls)
	assert.Equal(t, "modules", modules.Name())

	next := snap.ToBuilder(quiet())
	w.module(t, next, local, "third", "java")
	assert.Equal(t, 3, Cached(next.ToSnapshot(), modules))
	assert.Equal(t, 2, calls)
}

// recoverError runs fn and returns the error it panicked with.
func recoverError(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err, _ = r.(error)
		}
	}()
	fn()
	return nil
}
