package storage

import (
	"fmt"
	"strings"

	"github.com/roach88/strata/internal/schema"
	"github.com/roach88/strata/internal/value"
)

// EntityData is the stored record of one entity. Once stored it is never
// modified; modifications store a new EntityData.
type EntityData struct {
	Type   schema.TypeID
	Source Source
	Fields value.Record
}

func (d *EntityData) clone() *EntityData {
	return &EntityData{Type: d.Type, Source: d.Source, Fields: d.Fields.Clone()}
}

// dataEqual compares type, source and every field.
func dataEqual(a, b *EntityData) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.Type == b.Type && a.Source == b.Source && value.Equal(a.Fields, b.Fields)
}

// matchKey is the structural identity used to pair un-keyed entities
// across storages. The source is excluded.
func matchKey(t *schema.EntityType, d *EntityData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d", t.ID)
	for _, f := range t.MatchKey() {
		b.WriteByte('|')
		b.WriteString(value.MustCanonical(d.Fields.Get(f)))
	}
	return b.String()
}

// validateFields checks fields against the declared fields of t.
func validateFields(t *schema.EntityType, fields value.Record) error {
	for _, name := range fields.SortedKeys() {
		f, ok := t.Field(name)
		if !ok {
			return newError(ErrCodeUnknownField, "%s has no field %q", t.Name, name)
		}
		v := fields[name]
		if k := value.KindOf(v); k != value.KindNull && k != f.Kind {
			return newError(ErrCodeFieldKind, "%s.%s: want %s, got %s", t.Name, name, f.Kind, k)
		}
	}
	return nil
}

// normalizeFields drops explicit nulls so stored records are canonical.
func normalizeFields(fields value.Record) value.Record {
	out := make(value.Record, len(fields))
	for k, v := range fields {
		if value.KindOf(v) == value.KindNull {
			continue
		}
		out[k] = value.Clone(v)
	}
	return out
}

// dataLinks returns the distinct soft references held by d.
func dataLinks(d *EntityData) []value.Link {
	links := value.Links(d.Fields)
	if len(links) < 2 {
		return links
	}
	seen := make(map[value.Link]struct{}, len(links))
	out := links[:0:0]
	for _, l := range links {
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}
