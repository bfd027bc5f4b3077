package persist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/strata/internal/schema"
	"github.com/roach88/strata/internal/storage"
	"github.com/roach88/strata/internal/value"
)

// FormatVersion is the document layout written by Encode.
const FormatVersion = 1

type document struct {
	Format   int            `json:"format"`
	Entities []entityRecord `json:"entities"`
	Edges    []edgeRecord   `json:"edges"`
}

type entityRecord struct {
	Type   string          `json:"type"`
	Slot   int             `json:"slot"`
	Source sourceRecord    `json:"source"`
	Fields json.RawMessage `json:"fields"`
}

type sourceRecord struct {
	Kind        string `json:"kind"`
	URL         string `json:"url,omitempty"`
	Placeholder bool   `json:"placeholder,omitempty"`
}

type entityRef struct {
	Type string `json:"type"`
	Slot int    `json:"slot"`
}

type edgeRecord struct {
	Connection string      `json:"connection"`
	Parent     entityRef   `json:"parent"`
	Children   []entityRef `json:"children"`
}

func toSourceRecord(s storage.Source) sourceRecord {
	return sourceRecord{Kind: s.Kind, URL: s.URL, Placeholder: s.Placeholder}
}

func (r sourceRecord) source() storage.Source {
	return storage.Source{Kind: r.Kind, URL: r.URL, Placeholder: r.Placeholder}
}

func refOf(e *storage.Entity) entityRef {
	return entityRef{Type: e.TypeName(), Slot: e.ID().Slot()}
}

// capture lists the content of s in a stable order: entities by type
// declaration order and slot, edges by connection declaration order, then
// parent, with children in stored order.
func capture(s storage.Storage) (*document, error) {
	reg := s.Registry()
	doc := &document{Format: FormatVersion, Entities: []entityRecord{}, Edges: []edgeRecord{}}
	byType := make(map[schema.TypeID][]*storage.Entity)
	for _, t := range reg.Types() {
		if t.Abstract {
			continue
		}
		var es []*storage.Entity
		for e := range s.Entities(t.Name) {
			if e.Type().ID == t.ID {
				es = append(es, e)
			}
		}
		slices.SortFunc(es, func(a, b *storage.Entity) int { return a.ID().Slot() - b.ID().Slot() })
		byType[t.ID] = es
		for _, e := range es {
			fields, err := value.MarshalCanonical(e.Fields())
			if err != nil {
				return nil, fmt.Errorf("entity %s: %w", e, err)
			}
			doc.Entities = append(doc.Entities, entityRecord{
				Type:   t.Name,
				Slot:   e.ID().Slot(),
				Source: toSourceRecord(e.Source()),
				Fields: fields,
			})
		}
	}
	for _, c := range reg.Connections() {
		for _, pt := range reg.ConcreteSubtypes(c.Parent) {
			for _, p := range byType[pt] {
				children := s.Children(c, p)
				if len(children) == 0 {
					continue
				}
				rec := edgeRecord{Connection: c.Name, Parent: refOf(p), Children: make([]entityRef, len(children))}
				for i, ch := range children {
					rec.Children[i] = refOf(ch)
				}
				doc.Edges = append(doc.Edges, rec)
			}
		}
	}
	return doc, nil
}

// Encode serializes s as a JSON document keeping entity ids, sources,
// fields, edges and child order. Field values use canonical JSON, so equal
// storages with equal ids encode to equal bytes.
func Encode(s storage.Storage) ([]byte, error) {
	doc, err := capture(s)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return marshal(doc)
}

func marshal(doc *document) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return bytes.TrimSpace(buf.Bytes()), nil
}

// DecodeSnapshot reads a document written by Encode.
func DecodeSnapshot(reg *schema.Registry, data []byte) (*storage.Snapshot, error) {
	var doc document
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if doc.Format != FormatVersion {
		return nil, fmt.Errorf("decode: unsupported format %d (want %d)", doc.Format, FormatVersion)
	}
	snap, err := load(reg, doc.Entities, doc.Edges)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return snap, nil
}

// Decode reads a document written by Encode into a builder whose base is
// the decoded snapshot.
func Decode(reg *schema.Registry, data []byte, opts ...storage.Option) (*storage.Builder, error) {
	snap, err := DecodeSnapshot(reg, data)
	if err != nil {
		return nil, err
	}
	return snap.ToBuilder(opts...), nil
}

// load feeds records through a storage.Loader.
func load(reg *schema.Registry, entities []entityRecord, edges []edgeRecord) (*storage.Snapshot, error) {
	resolve := func(ref entityRef) (storage.EntityID, error) {
		t, ok := reg.Type(ref.Type)
		if !ok {
			return storage.NoEntity, fmt.Errorf("unknown entity type %q", ref.Type)
		}
		if ref.Slot < 0 {
			return storage.NoEntity, fmt.Errorf("%s: negative slot %d", ref.Type, ref.Slot)
		}
		return storage.NewEntityID(ref.Slot, t.ID), nil
	}

	l := storage.NewLoader(reg)
	for _, rec := range entities {
		id, err := resolve(entityRef{Type: rec.Type, Slot: rec.Slot})
		if err != nil {
			return nil, err
		}
		fields := value.Record{}
		if len(rec.Fields) > 0 && strings.TrimSpace(string(rec.Fields)) != "null" {
			if fields, err = value.UnmarshalRecord(rec.Fields); err != nil {
				return nil, fmt.Errorf("%s %d: %w", rec.Type, rec.Slot, err)
			}
		}
		if err := l.Put(id, rec.Source.source(), fields); err != nil {
			return nil, err
		}
	}
	for _, rec := range edges {
		conn, ok := reg.ConnectionByName(rec.Connection)
		if !ok {
			return nil, fmt.Errorf("unknown connection %q", rec.Connection)
		}
		parent, err := resolve(rec.Parent)
		if err != nil {
			return nil, err
		}
		for _, ref := range rec.Children {
			child, err := resolve(ref)
			if err != nil {
				return nil, err
			}
			if err := l.Link(conn, parent, child); err != nil {
				return nil, err
			}
		}
	}
	return l.Finish(), nil
}
