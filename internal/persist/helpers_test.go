package persist

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/schema"
	"github.com/roach88/strata/internal/storage"
	"github.com/roach88/strata/internal/testutil"
	"github.com/roach88/strata/internal/value"
)

var local = storage.Source{Kind: "local", URL: "file:///ws"}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func add(t *testing.T, b *storage.Builder, typ string, fields value.Record, links ...storage.Attachment) *storage.Entity {
	t.Helper()
	e, err := b.AddEntity(typ, local, fields, links...)
	require.NoError(t, err)
	return e
}

// sample builds a module with two content roots (a third one was removed,
// leaving a tombstone at slot 1), a library sharing the first root and a
// dependency linking to it.
func sample(t *testing.T, reg *schema.Registry) *storage.Snapshot {
	t.Helper()
	b := storage.NewBuilder(reg, storage.WithLogger(quiet()))
	moduleRoots := testutil.Conn(t, reg, "moduleRoots")

	app := add(t, b, "Module", value.Record{"name": value.String("app"), "type": value.String("java")})
	r0 := add(t, b, "ContentRoot", value.Record{"url": value.String("file:///app")}, storage.ParentLink(moduleRoots, app))
	gone := add(t, b, "ContentRoot", value.Record{"url": value.String("file:///gen")}, storage.ParentLink(moduleRoots, app))
	require.True(t, b.RemoveEntity(gone))
	add(t, b, "ContentRoot", value.Record{"url": value.String("file:///app/extra")}, storage.ParentLink(moduleRoots, app))
	junit := add(t, b, "Library", value.Record{"name": value.String("junit")})
	require.NoError(t, b.AddChild(testutil.Conn(t, reg, "libraryRoots"), junit, r0))
	add(t, b, "Dependency", value.Record{
		"target": value.Link{Type: "Library", Key: "junit"},
		"scope":  value.String("test"),
	}, storage.ParentLink(testutil.Conn(t, reg, "moduleDeps"), app))
	return b.ToSnapshot()
}

func openMemory(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()
	s, err := Open(":memory:", append([]StoreOption{WithLogger(quiet())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}
