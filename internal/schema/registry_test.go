package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/value"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	_, err := r.Define(EntityType{Name: "Module", Fields: []Field{{Name: "name", Kind: value.KindString}}, SymbolicFields: []string{"name"}})
	require.NoError(t, err)
	_, err = r.Define(EntityType{Name: "Facet", Abstract: true})
	require.NoError(t, err)
	_, err = r.Define(EntityType{Name: "JavaFacet", Supertypes: []string{"Facet"}, Fields: []Field{{Name: "level", Kind: value.KindInt}}})
	require.NoError(t, err)
	_, err = r.Define(EntityType{Name: "ContentRoot", Fields: []Field{{Name: "url", Kind: value.KindString}}})
	require.NoError(t, err)
	return r
}

func TestDefineAssignsSequentialIDs(t *testing.T) {
	r := newTestRegistry(t)

	assert.Equal(t, TypeID(0), r.MustType("Module").ID)
	assert.Equal(t, TypeID(3), r.MustType("ContentRoot").ID)
	assert.Equal(t, 4, r.TypeCount())

	byID, ok := r.TypeByID(2)
	require.True(t, ok)
	assert.Equal(t, "JavaFacet", byID.Name)

	_, ok = r.TypeByID(99)
	assert.False(t, ok)
	assert.Equal(t, "type#99", r.TypeName(99))
}

func TestDefineRejectsInvalidTypes(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Define(EntityType{Name: "Module"})
	assert.Error(t, err, "duplicate name")

	_, err = r.Define(EntityType{Name: "X", Fields: []Field{{Name: "a"}, {Name: "a"}}})
	assert.Error(t, err, "duplicate field")

	_, err = r.Define(EntityType{Name: "Y", SymbolicFields: []string{"missing"}})
	assert.Error(t, err, "undeclared symbolic field")

	_, err = r.Define(EntityType{Name: "Z", MatchFields: []string{"missing"}})
	assert.Error(t, err, "undeclared match field")
}

func TestConnectInterns(t *testing.T) {
	r := newTestRegistry(t)

	a, err := r.Connect("moduleRoots", "Module", "ContentRoot", OneToMany, false)
	require.NoError(t, err)
	b, err := r.Connect("again", "Module", "ContentRoot", OneToMany, false)
	require.NoError(t, err)
	assert.Same(t, a, b)

	c, err := r.Connect("nullableRoots", "Module", "ContentRoot", OneToMany, true)
	require.NoError(t, err)
	assert.NotSame(t, a, c)

	found, ok := r.Lookup(a.Parent, a.Child, OneToMany, false)
	require.True(t, ok)
	assert.Same(t, a, found)
}

func TestConnectValidatesEndpoints(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Connect("bad", "Module", "Facet", OneToMany, false)
	assert.Error(t, err, "concrete cardinality with abstract child")

	_, err = r.Connect("bad2", "Facet", "Module", OneToAbstractMany, false)
	assert.Error(t, err, "abstract parent on one_to_abstract_many")

	_, err = r.Connect("bad3", "Nope", "Module", OneToMany, false)
	assert.Error(t, err)

	_, err = r.Connect("facets", "Module", "Facet", OneToAbstractMany, false)
	require.NoError(t, err)
	_, err = r.Connect("facets", "Module", "ContentRoot", OneToOne, false)
	assert.Error(t, err, "name reuse for a different shape")
}

func TestFreezeComputesAssignability(t *testing.T) {
	r := newTestRegistry(t)
	facets, err := r.Connect("facets", "Module", "Facet", OneToAbstractMany, false)
	require.NoError(t, err)
	require.NoError(t, r.Freeze())

	java := r.MustType("JavaFacet").ID
	facet := r.MustType("Facet").ID
	module := r.MustType("Module").ID

	assert.True(t, r.IsAssignable(java, facet))
	assert.True(t, r.IsAssignable(java, java))
	assert.False(t, r.IsAssignable(module, facet))
	assert.Equal(t, []TypeID{java}, r.ConcreteSubtypes(facet))

	assert.Equal(t, []*Connection{facets}, r.ParentConnections(java))
	assert.Equal(t, []*Connection{facets}, r.ChildConnections(module))
	assert.Empty(t, r.ParentConnections(module))

	between, ok := r.ConnectionBetween(module, java)
	require.True(t, ok)
	assert.Same(t, facets, between)

	_, err = r.Define(EntityType{Name: "Late"})
	assert.ErrorIs(t, err, ErrFrozen)
	assert.NoError(t, r.Freeze(), "freezing twice is a no-op")
}

func TestFreezeRejectsBadSupertypes(t *testing.T) {
	r := NewRegistry()
	_, err := r.Define(EntityType{Name: "A", Supertypes: []string{"Missing"}})
	require.NoError(t, err)
	assert.Error(t, r.Freeze())

	r = NewRegistry()
	_, err = r.Define(EntityType{Name: "Concrete"})
	require.NoError(t, err)
	_, err = r.Define(EntityType{Name: "B", Supertypes: []string{"Concrete"}})
	require.NoError(t, err)
	assert.Error(t, r.Freeze(), "extending a concrete type")

	r = NewRegistry()
	_, err = r.Define(EntityType{Name: "P", Abstract: true, Supertypes: []string{"Q"}})
	require.NoError(t, err)
	_, err = r.Define(EntityType{Name: "Q", Abstract: true, Supertypes: []string{"P"}})
	require.NoError(t, err)
	assert.Error(t, r.Freeze(), "cycle")
}

func TestCardinality(t *testing.T) {
	c, err := ParseCardinality("abstract_one_to_one")
	require.NoError(t, err)
	assert.Equal(t, AbstractOneToOne, c)
	assert.True(t, c.Abstract())
	assert.True(t, c.Single())
	assert.False(t, OneToMany.Single())
	assert.Equal(t, "one_to_many", OneToMany.String())

	_, err = ParseCardinality("many_to_many")
	assert.Error(t, err)
}

func TestEntityTypeMatchKey(t *testing.T) {
	et := EntityType{Name: "S", Fields: []Field{{Name: "url"}, {Name: "kind"}}}
	assert.Equal(t, []string{"url", "kind"}, et.MatchKey())

	et.MatchFields = []string{"url"}
	assert.Equal(t, []string{"url"}, et.MatchKey())
	assert.False(t, et.HasSymbolicID())
}
