package testutil

import (
	_ "embed"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/schema"
)

//go:embed workspace.cue
var workspaceSchema string

// WorkspaceSchema returns the CUE source of the sample workspace model:
// modules with content roots, source roots, facets, options, settings and
// dependencies, plus libraries sharing content roots.
func WorkspaceSchema() string { return workspaceSchema }

// Workspace compiles the sample workspace registry.
func Workspace(t testing.TB) *schema.Registry {
	t.Helper()
	reg, err := schema.CompileString(workspaceSchema)
	require.NoError(t, err)
	return reg
}

// Conn returns the named connection of reg, failing the test if absent.
func Conn(t testing.TB, reg *schema.Registry, name string) *schema.Connection {
	t.Helper()
	c, ok := reg.ConnectionByName(name)
	require.True(t, ok, "connection %s", name)
	return c
}
