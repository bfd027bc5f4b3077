package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/schema"
)

func TestWorkspace_Compiles(t *testing.T) {
	reg := Workspace(t)

	require.True(t, reg.Frozen())
	module := reg.MustType("Module")
	assert.True(t, module.HasSymbolicID())
	assert.True(t, reg.MustType("Facet").Abstract)

	facets := Conn(t, reg, "moduleFacets")
	assert.Equal(t, schema.OneToAbstractMany, facets.Cardinality)
	assert.True(t, Conn(t, reg, "libraryRoots").ParentNullable)
}
