package storage

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/testutil"
	"github.com/roach88/strata/internal/value"
)

// replacement builds the imported workspace used against sample: app
// switches to kotlin, loses its generated root and gains another one,
// module lib disappears and module fresh appears.
func (w *ws) replacement(t *testing.T) *Builder {
	t.Helper()
	r := w.builder()
	w.sample(t, r, local)
	app, _ := r.Resolve(SymbolicID{Type: "Module", Key: "app"})
	_, err := r.ModifyEntity(app, func(mu *Mutable) { mu.Set("type", value.String("kotlin")) })
	require.NoError(t, err)
	for _, root := range app.Children(w.moduleRoots) {
		if root.Field("url") == value.String("file:///app/gen") {
			require.True(t, r.RemoveEntity(root))
		}
	}
	w.root(t, r, local, app, "file:///app/extra")
	lib, _ := r.Resolve(SymbolicID{Type: "Module", Key: "lib"})
	require.True(t, r.RemoveEntity(lib))
	fresh := w.module(t, r, local, "fresh", "java")
	w.root(t, r, local, fresh, "file:///fresh")
	w.library(t, r, remote, "guava")
	return r
}

func (w *ws) current(t *testing.T) *Snapshot {
	t.Helper()
	b := w.builder()
	w.sample(t, b, local)
	w.library(t, b, remote, "guava")
	return b.ToSnapshot()
}

func TestReplaceBySourceAlwaysCopies(t *testing.T) {
	w := newWS(t)
	base := w.current(t)
	repl := w.replacement(t).ToSnapshot()

	for _, seed := range testutil.Seeds {
		t.Run(fmt.Sprint(seed), func(t *testing.T) {
			b := base.ToBuilder(quiet(), WithShuffleSeed(seed))
			b.ReplaceBySource(AnySource, repl)

			assert.Equal(t, Dump(repl), Dump(b))
			require.NoError(t, b.AssertConsistency())
		})
	}
}

func TestReplaceBySourceKeepsMatchedIDs(t *testing.T) {
	w := newWS(t)
	base := w.current(t)
	repl := w.replacement(t).ToSnapshot()

	app, _ := base.Resolve(SymbolicID{Type: "Module", Key: "app"})
	var kept *Entity
	for _, r := range app.Children(w.moduleRoots) {
		if r.Field("url") == value.String("file:///app") {
			kept = r
		}
	}
	require.NotNil(t, kept)

	b := base.ToBuilder(quiet())
	b.ReplaceBySource(SourceKind("local"), repl)

	got, ok := b.Resolve(SymbolicID{Type: "Module", Key: "app"})
	require.True(t, ok)
	assert.Equal(t, app.ID(), got.ID())
	assert.Equal(t, value.String("kotlin"), got.Field("type"))

	roots := got.Children(w.moduleRoots)
	require.Len(t, roots, 2)
	assert.Equal(t, kept.ID(), roots[0].ID())
	assert.Equal(t, value.String("file:///app/extra"), roots[1].Field("url"))
	assert.Len(t, roots[0].Children(w.rootSources), 2)

	_, ok = b.Resolve(SymbolicID{Type: "Module", Key: "lib"})
	assert.False(t, ok)
	assert.Empty(t, collect(b, "KotlinFacet"))
	_, ok = b.Resolve(SymbolicID{Type: "Module", Key: "fresh"})
	assert.True(t, ok)
	require.NoError(t, b.AssertConsistency())
}

func TestReplaceBySourceLeavesOtherSources(t *testing.T) {
	w := newWS(t)
	base := w.current(t)
	guava, _ := base.Resolve(SymbolicID{Type: "Library", Key: "guava"})

	b := base.ToBuilder(quiet())
	b.ReplaceBySource(SourceKind("local"), w.builder())

	assert.Equal(t, 1, b.Count())
	got, ok := b.Entity(guava.ID())
	require.True(t, ok)
	assert.Equal(t, remote, got.Source())
}

func TestReplaceBySourceNeverIsNoop(t *testing.T) {
	w := newWS(t)
	base := w.current(t)
	b := base.ToBuilder(quiet())
	b.ReplaceBySource(NoSource, w.replacement(t))

	assert.False(t, b.HasChanges())
	assert.Equal(t, Dump(base), Dump(b))
}

func TestReplaceBySourceIdempotent(t *testing.T) {
	w := newWS(t)
	repl := w.replacement(t).ToSnapshot()

	for _, seed := range testutil.Seeds {
		t.Run(fmt.Sprint(seed), func(t *testing.T) {
			b := w.current(t).ToBuilder(quiet(), WithShuffleSeed(seed))
			b.ReplaceBySource(SourceKind("local"), repl)
			once := b.ToSnapshot()

			again := once.ToBuilder(quiet(), WithShuffleSeed(seed))
			again.ReplaceBySource(SourceKind("local"), repl)
			assert.False(t, again.HasChanges())
			assert.Equal(t, Dump(once), Dump(again))
		})
	}
}

func TestReplaceBySourceRelabelsSymbolicAcrossSources(t *testing.T) {
	w := newWS(t)
	b := w.builder()
	lib := w.library(t, b, remote, "junit")

	repl := w.builder()
	w.library(t, repl, local, "junit")

	b.ReplaceBySource(SourceKind("local"), repl)
	got, ok := b.Resolve(SymbolicID{Type: "Library", Key: "junit"})
	require.True(t, ok)
	assert.Equal(t, lib.ID(), got.ID())
	assert.Equal(t, local, got.Source())
}

func TestReplaceBySourceAddsUnkeyedAcrossSources(t *testing.T) {
	w := newWS(t)
	b := w.builder()
	m := w.module(t, b, remote, "app", "java")
	w.root(t, b, remote, m, "file:///app")

	repl := w.builder()
	rm := w.module(t, repl, remote, "app", "java")
	w.root(t, repl, local, rm, "file:///app")

	b.ReplaceBySource(SourceKind("local"), repl)
	roots := m.Children(w.moduleRoots)
	require.Len(t, roots, 2)
	assert.Equal(t, remote, roots[0].Source())
	assert.Equal(t, local, roots[1].Source())
}

func TestReplaceBySourcePlaceholderKeepsData(t *testing.T) {
	w := newWS(t)
	b := w.builder()
	m := w.module(t, b, local, "app", "java")
	w.root(t, b, local, m, "file:///app")

	repl := w.builder()
	placeholder := Source{Kind: "local", URL: "file:///ws", Placeholder: true}
	rm := w.module(t, repl, placeholder, "app", "unknown")
	w.root(t, repl, local, rm, "file:///app")
	w.root(t, repl, local, rm, "file:///app/more")

	b.ReplaceBySource(SourceKind("local"), repl)

	assert.Equal(t, value.String("java"), m.Field("type"))
	assert.Equal(t, local, m.Source())
	roots := m.Children(w.moduleRoots)
	require.Len(t, roots, 2)
	assert.Equal(t, value.String("file:///app"), roots[0].Field("url"))
	assert.Equal(t, value.String("file:///app/more"), roots[1].Field("url"))
}

func TestReplaceBySourceRestoresChildOrder(t *testing.T) {
	w := newWS(t)
	b := w.builder()
	m := w.module(t, b, local, "app", "java")
	for _, u := range []string{"file:///a", "file:///b", "file:///c"} {
		w.root(t, b, local, m, u)
	}
	base := b.ToSnapshot()

	repl := w.builder()
	rm := w.module(t, repl, local, "app", "java")
	for _, u := range []string{"file:///c", "file:///a", "file:///b"} {
		w.root(t, repl, local, rm, u)
	}

	next := base.ToBuilder(quiet())
	next.ReplaceBySource(AnySource, repl)
	assert.Equal(t, Dump(repl), Dump(next))
	assert.True(t, next.HasChanges())
	assert.False(t, next.HasSameEntities(), "a reorder is not a net no-op")
}

func TestReplaceBySourceRegistryMismatchPanics(t *testing.T) {
	a := newWS(t)
	other := newWS(t)
	err := recoverError(func() { a.builder().ReplaceBySource(AnySource, other.builder()) })
	assert.True(t, IsIllegalMutation(err))
}
