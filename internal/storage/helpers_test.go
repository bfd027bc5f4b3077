package storage

import (
	"bytes"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/schema"
	"github.com/roach88/strata/internal/testutil"
	"github.com/roach88/strata/internal/value"
)

var (
	local  = Source{Kind: "local", URL: "file:///ws"}
	remote = Source{Kind: "remote", URL: "https://repo.example/ws"}
)

// ws bundles the sample registry with its connections.
type ws struct {
	reg *schema.Registry

	moduleRoots    *schema.Connection
	rootSources    *schema.Connection
	libraryRoots   *schema.Connection
	moduleFacets   *schema.Connection
	facetConfig    *schema.Connection
	moduleOptions  *schema.Connection
	moduleSettings *schema.Connection
	moduleDeps     *schema.Connection
}

func newWS(t *testing.T) *ws {
	t.Helper()
	reg := testutil.Workspace(t)
	return &ws{
		reg:            reg,
		moduleRoots:    testutil.Conn(t, reg, "moduleRoots"),
		rootSources:    testutil.Conn(t, reg, "rootSources"),
		libraryRoots:   testutil.Conn(t, reg, "libraryRoots"),
		moduleFacets:   testutil.Conn(t, reg, "moduleFacets"),
		facetConfig:    testutil.Conn(t, reg, "facetConfig"),
		moduleOptions:  testutil.Conn(t, reg, "moduleOptions"),
		moduleSettings: testutil.Conn(t, reg, "moduleSettings"),
		moduleDeps:     testutil.Conn(t, reg, "moduleDeps"),
	}
}

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// capture returns an option logging into buf.
func capture(buf *bytes.Buffer) Option {
	return WithLogger(slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func (w *ws) builder(opts ...Option) *Builder {
	return NewBuilder(w.reg, append([]Option{quiet()}, opts...)...)
}

func mustAdd(t *testing.T, b *Builder, typ string, src Source, fields value.Record, links ...Attachment) *Entity {
	t.Helper()
	e, err := b.AddEntity(typ, src, fields, links...)
	require.NoError(t, err)
	return e
}

func (w *ws) module(t *testing.T, b *Builder, src Source, name, kind string) *Entity {
	t.Helper()
	return mustAdd(t, b, "Module", src, value.Record{"name": value.String(name), "type": value.String(kind)})
}

func (w *ws) root(t *testing.T, b *Builder, src Source, m *Entity, url string) *Entity {
	t.Helper()
	return mustAdd(t, b, "ContentRoot", src, value.Record{"url": value.String(url)}, ParentLink(w.moduleRoots, m))
}

func (w *ws) sourceRoot(t *testing.T, b *Builder, src Source, r *Entity, url, kind string) *Entity {
	t.Helper()
	return mustAdd(t, b, "SourceRoot", src,
		value.Record{"url": value.String(url), "kind": value.String(kind)}, ParentLink(w.rootSources, r))
}

func (w *ws) library(t *testing.T, b *Builder, src Source, name string) *Entity {
	t.Helper()
	return mustAdd(t, b, "Library", src, value.Record{"name": value.String(name)})
}

func (w *ws) dependency(t *testing.T, b *Builder, src Source, m *Entity, lib, scope string) *Entity {
	t.Helper()
	return mustAdd(t, b, "Dependency", src, value.Record{
		"target": value.Link{Type: "Library", Key: lib},
		"scope":  value.String(scope),
	}, ParentLink(w.moduleDeps, m))
}

// sample populates b with a module holding two content roots, a facet with
// its config, compiler options and a dependency, plus a second module
// and a library.
func (w *ws) sample(t *testing.T, b *Builder, src Source) {
	t.Helper()
	app := w.module(t, b, src, "app", "java")
	r1 := w.root(t, b, src, app, "file:///app")
	w.sourceRoot(t, b, src, r1, "file:///app/src", "java")
	w.sourceRoot(t, b, src, r1, "file:///app/test", "test")
	w.root(t, b, src, app, "file:///app/gen")
	f := mustAdd(t, b, "JavaFacet", src, value.Record{"level": value.Int(21)}, ParentLink(w.moduleFacets, app))
	mustAdd(t, b, "FacetConfig", src, value.Record{"data": value.String("<cfg/>")}, ParentLink(w.facetConfig, f))
	mustAdd(t, b, "CompilerOptions", src, value.Record{"flags": value.List{value.String("-g")}}, ParentLink(w.moduleOptions, app))
	w.dependency(t, b, src, app, "junit", "test")

	lib := w.module(t, b, src, "lib", "kotlin")
	mustAdd(t, b, "KotlinFacet", src, value.Record{"version": value.String("2.0")}, ParentLink(w.moduleFacets, lib))
	w.library(t, b, src, "junit")
}

func names(es []*Entity) []string {
	out := make([]string, 0, len(es))
	for _, e := range es {
		out = append(out, e.String())
	}
	return out
}

func collect(s Storage, typ string) []*Entity {
	return slices.Collect(s.Entities(typ))
}

// sinkRecorder is a DiagnosticSink safe for the sampled checker.
type sinkRecorder struct {
	mu  sync.Mutex
	got []Diagnostic
}

func (s *sinkRecorder) Report(d Diagnostic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, d)
}

func (s *sinkRecorder) reports() []Diagnostic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.got)
}
