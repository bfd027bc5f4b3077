package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/storage"
	"github.com/roach88/strata/internal/testutil"
)

const sampleWorkspace = `
source: {kind: local, url: "file:///ws"}
entities:
  - {type: Module, ref: app, fields: {name: app, type: java}}
  - type: ContentRoot
    ref: app-root
    fields: {url: "file:///ws/app", excluded: []}
    parents: [{connection: moduleRoots, of: app}]
  - type: SourceRoot
    fields: {url: "file:///ws/app/src", kind: java}
    parents: [{connection: rootSources, of: app-root}]
`

func TestParseWorkspace(t *testing.T) {
	ws, err := ParseWorkspace([]byte(sampleWorkspace))
	require.NoError(t, err)

	assert.Equal(t, storage.Source{Kind: "local", URL: "file:///ws"}, ws.Source.Source())
	require.Len(t, ws.Entities, 3)
	assert.Equal(t, "app", ws.Entities[0].Ref)
	assert.Equal(t, []WorkspaceParent{{Connection: "rootSources", Of: "app-root"}}, ws.Entities[2].Parents)
	assert.Equal(t, `kind == "local"`, ws.DefaultFilter())
}

func TestParseWorkspaceJSON(t *testing.T) {
	ws, err := ParseWorkspace([]byte(`{"source": "generated", "entities": [{"type": "Library", "fields": {"name": "junit"}}]}`))
	require.NoError(t, err)
	assert.Equal(t, "generated", ws.Source.Kind)
	assert.Equal(t, "junit", ws.Entities[0].Fields["name"])
}

func TestParseWorkspaceRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", "", "empty document"},
		{"unknown field", "source: local\nentity: []\n", "field entity not found"},
		{"no source", "entities: []\n", "source kind is required"},
		{"no type", "source: local\nentities:\n  - fields: {name: x}\n", "entities[0]: type is required"},
		{"empty entity source", "source: local\nentities:\n  - {type: Library, source: {url: x}}\n", "entities[0]: source kind is required"},
		{"forward parent", "source: local\nentities:\n  - {type: ContentRoot, parents: [{connection: moduleRoots, of: app}]}\n  - {type: Module, ref: app}\n", `unknown ref "app"`},
		{"parent without connection", "source: local\nentities:\n  - {type: Module, ref: app}\n  - {type: ContentRoot, parents: [{of: app}]}\n", "connection and of are required"},
		{"duplicate ref", "source: local\nentities:\n  - {type: Module, ref: app}\n  - {type: Module, ref: app}\n", `duplicate ref "app"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseWorkspace([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWorkspaceBuild(t *testing.T) {
	reg := testutil.Workspace(t)
	ws, err := ParseWorkspace([]byte(sampleWorkspace + `
  - {type: Library, source: {kind: remote, url: "https://repo"}, fields: {name: junit}}
`))
	require.NoError(t, err)

	b, err := ws.Build(reg)
	require.NoError(t, err)
	assert.Equal(t, 4, b.Count())
	require.NoError(t, b.AssertConsistency())

	app, ok := b.Resolve(storage.SymbolicID{Type: "Module", Key: "app"})
	require.True(t, ok)
	roots := b.Children(testutil.Conn(t, reg, "moduleRoots"), app)
	require.Len(t, roots, 1)
	assert.Len(t, b.Children(testutil.Conn(t, reg, "rootSources"), roots[0]), 1)

	lib, ok := b.Resolve(storage.SymbolicID{Type: "Library", Key: "junit"})
	require.True(t, ok)
	assert.Equal(t, "remote:https://repo", lib.Source().String())
}

func TestWorkspaceBuildErrors(t *testing.T) {
	reg := testutil.Workspace(t)
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown type", "source: local\nentities:\n  - {type: Widget}\n", "entities[0] (Widget)"},
		{"unknown connection", "source: local\nentities:\n  - {type: Module, ref: app, fields: {name: app, type: java}}\n  - {type: ContentRoot, parents: [{connection: roots, of: app}]}\n", `unknown connection "roots"`},
		{"float field", "source: local\nentities:\n  - {type: JavaFacet, fields: {level: 1.5}}\n", "field level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws, err := ParseWorkspace([]byte(tt.yaml))
			require.NoError(t, err)
			_, err = ws.Build(reg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
