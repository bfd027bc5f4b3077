package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/roach88/strata/internal/schema"
	"github.com/roach88/strata/internal/storage"
	"github.com/roach88/strata/internal/value"
)

// Workspace is an importable workspace description, as produced by a
// project model reader:
//
//	source: {kind: local, url: "file:///ws"}
//	entities:
//	  - {type: Module, ref: app, fields: {name: app, type: java}}
//	  - type: ContentRoot
//	    fields: {url: "file:///ws/app"}
//	    parents: [{connection: moduleRoots, of: app}]
//
// Entities without their own source take the document source. Parents
// must name the ref of an earlier entity. JSON documents are accepted too.
type Workspace struct {
	Source   SourceField       `yaml:"source"`
	Entities []WorkspaceEntity `yaml:"entities"`
}

// WorkspaceEntity is one entity of a Workspace.
type WorkspaceEntity struct {
	Type    string            `yaml:"type"`
	Ref     string            `yaml:"ref,omitempty"`
	Source  *SourceField      `yaml:"source,omitempty"`
	Fields  map[string]any    `yaml:"fields,omitempty"`
	Parents []WorkspaceParent `yaml:"parents,omitempty"`
}

// WorkspaceParent attaches an entity to an earlier one.
type WorkspaceParent struct {
	Connection string `yaml:"connection"`
	Of         string `yaml:"of"`
}

// SourceField is an entity source written as a bare kind or as
// {kind, url, placeholder}.
type SourceField struct {
	Kind        string `yaml:"kind"`
	URL         string `yaml:"url,omitempty"`
	Placeholder bool   `yaml:"placeholder,omitempty"`
}

// UnmarshalYAML accepts the scalar shorthand.
func (s *SourceField) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		s.Kind = node.Value
		return nil
	}
	type plain SourceField
	return node.Decode((*plain)(s))
}

// Source converts the field to a storage source.
func (s SourceField) Source() storage.Source {
	return storage.Source{Kind: s.Kind, URL: s.URL, Placeholder: s.Placeholder}
}

// LoadWorkspace reads and validates a workspace file.
func LoadWorkspace(path string) (*Workspace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace file: %w", err)
	}
	return ParseWorkspace(data)
}

// ParseWorkspace decodes and validates a workspace document.
func ParseWorkspace(data []byte) (*Workspace, error) {
	var w Workspace
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&w); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("invalid workspace: empty document")
		}
		return nil, fmt.Errorf("failed to parse workspace YAML: %w", err)
	}
	if err := validateWorkspace(&w); err != nil {
		return nil, fmt.Errorf("invalid workspace: %w", err)
	}
	return &w, nil
}

func validateWorkspace(w *Workspace) error {
	if w.Source.Kind == "" {
		return fmt.Errorf("source kind is required")
	}
	refs := make(map[string]bool)
	for i, e := range w.Entities {
		if e.Type == "" {
			return fmt.Errorf("entities[%d]: type is required", i)
		}
		if e.Source != nil && e.Source.Kind == "" {
			return fmt.Errorf("entities[%d]: source kind is required", i)
		}
		for j, p := range e.Parents {
			if p.Connection == "" || p.Of == "" {
				return fmt.Errorf("entities[%d].parents[%d]: connection and of are required", i, j)
			}
			if !refs[p.Of] {
				return fmt.Errorf("entities[%d].parents[%d]: unknown ref %q", i, j, p.Of)
			}
		}
		if e.Ref != "" {
			if refs[e.Ref] {
				return fmt.Errorf("entities[%d]: duplicate ref %q", i, e.Ref)
			}
			refs[e.Ref] = true
		}
	}
	return nil
}

// DefaultFilter selects the entities owned by the document source kind.
func (w *Workspace) DefaultFilter() string {
	return "kind == " + strconv.Quote(w.Source.Kind)
}

// Build adds the described entities to a fresh builder over reg.
func (w *Workspace) Build(reg *schema.Registry, opts ...storage.Option) (*storage.Builder, error) {
	b := storage.NewBuilder(reg, opts...)
	ids := make(map[string]storage.EntityID, len(w.Entities))
	for i, desc := range w.Entities {
		fields, err := value.RecordFromMap(desc.Fields)
		if err != nil {
			return nil, fmt.Errorf("entities[%d] (%s): %w", i, desc.Type, err)
		}
		src := w.Source
		if desc.Source != nil {
			src = *desc.Source
		}
		links := make([]storage.Attachment, 0, len(desc.Parents))
		for _, p := range desc.Parents {
			conn, ok := reg.ConnectionByName(p.Connection)
			if !ok {
				return nil, fmt.Errorf("entities[%d] (%s): unknown connection %q", i, desc.Type, p.Connection)
			}
			parent, ok := b.Entity(ids[p.Of])
			if !ok {
				return nil, fmt.Errorf("entities[%d] (%s): ref %q is gone", i, desc.Type, p.Of)
			}
			links = append(links, storage.ParentLink(conn, parent))
		}
		e, err := b.AddEntity(desc.Type, src.Source(), fields, links...)
		if err != nil {
			return nil, fmt.Errorf("entities[%d] (%s): %w", i, desc.Type, err)
		}
		if desc.Ref != "" {
			ids[desc.Ref] = e.ID()
		}
	}
	return b, nil
}
