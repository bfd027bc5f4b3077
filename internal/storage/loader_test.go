package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/value"
)

func TestLoaderRoundTrip(t *testing.T) {
	w := newWS(t)
	mod := w.reg.MustType("Module").ID
	root := w.reg.MustType("ContentRoot").ID

	l := NewLoader(w.reg)
	m := NewEntityID(3, mod)
	r := NewEntityID(0, root)
	require.NoError(t, l.Put(m, local, value.Record{"name": value.String("app"), "type": value.String("java")}))
	require.NoError(t, l.Put(r, local, value.Record{"url": value.String("file:///app")}))
	require.NoError(t, l.Link(w.moduleRoots, m, r))
	snap := l.Finish()

	require.NoError(t, snap.Consistency())
	e, ok := snap.Entity(m)
	require.True(t, ok)
	assert.Equal(t, value.String("app"), e.Field("name"))
	_, ok = snap.Entity(NewEntityID(1, mod))
	assert.False(t, ok, "skipped slots are tombstones")

	got, ok := snap.Resolve(SymbolicID{Type: "Module", Key: "app"})
	require.True(t, ok)
	assert.Equal(t, m, got.ID())

	b := snap.ToBuilder(quiet())
	fresh := w.module(t, b, local, "next", "java")
	assert.NotEqual(t, m, fresh.ID())
	require.NoError(t, b.AssertConsistency())
}

func TestLoaderRejects(t *testing.T) {
	w := newWS(t)
	mod := w.reg.MustType("Module").ID
	lib := w.reg.MustType("Library").ID
	opts := w.reg.MustType("CompilerOptions").ID

	l := NewLoader(w.reg)
	m := NewEntityID(0, mod)
	require.NoError(t, l.Put(m, local, value.Record{"name": value.String("app")}))

	err := l.Put(m, local, value.Record{"name": value.String("other")})
	assert.True(t, IsIllegalMutation(err))
	err = l.Put(NewEntityID(1, mod), local, value.Record{"name": value.String("app")})
	assert.True(t, HasCode(err, ErrCodeDuplicateSymbolicID))
	err = l.Put(NewEntityID(0, w.reg.MustType("Facet").ID), local, nil)
	assert.True(t, HasCode(err, ErrCodeAbstractType))
	err = l.Put(NewEntityID(0, 999), local, nil)
	assert.True(t, HasCode(err, ErrCodeUnknownType))
	err = l.Put(NewEntityID(0, lib), local, value.Record{"name": value.Int(1)})
	assert.True(t, IsSchemaError(err))

	err = l.Link(w.moduleRoots, m, NewEntityID(5, w.reg.MustType("ContentRoot").ID))
	assert.True(t, IsNotFound(err))

	o1, o2 := NewEntityID(0, opts), NewEntityID(1, opts)
	require.NoError(t, l.Put(o1, local, value.Record{}))
	require.NoError(t, l.Put(o2, local, value.Record{}))
	require.NoError(t, l.Link(w.moduleOptions, m, o1))
	err = l.Link(w.moduleOptions, m, o2)
	assert.True(t, HasCode(err, ErrCodeConnectionMismatch))
	err = l.Link(w.moduleOptions, m, o1)
	assert.True(t, HasCode(err, ErrCodeConnectionMismatch))

	l.Finish()
	err = recoverError(func() { _ = l.Put(NewEntityID(2, mod), local, nil) })
	assert.True(t, IsIllegalMutation(err))
}
