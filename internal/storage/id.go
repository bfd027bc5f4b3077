package storage

import (
	"fmt"

	"github.com/roach88/strata/internal/schema"
	"github.com/roach88/strata/internal/value"
)

// EntityID identifies an entity within one storage line. The type id lives
// in the high 32 bits and the slot index in the low 32 bits.
type EntityID int64

// NoEntity is the zero-information id. It never names a stored entity.
const NoEntity EntityID = -1

// NewEntityID packs a slot index and a type id. Both must be non-negative.
func NewEntityID(slot int, t schema.TypeID) EntityID {
	if slot < 0 || t < 0 {
		panic(fmt.Sprintf("storage: negative id component (slot=%d, type=%d)", slot, t))
	}
	return EntityID(int64(t)<<32 | int64(uint32(slot)))
}

// Slot returns the index of the entity in its type's family.
func (id EntityID) Slot() int {
	return int(uint32(id))
}

// Type returns the concrete entity type.
func (id EntityID) Type() schema.TypeID {
	return schema.TypeID(int64(id) >> 32)
}

func (id EntityID) String() string {
	if id == NoEntity {
		return "none"
	}
	return fmt.Sprintf("%d:%d", id.Type(), id.Slot())
}

// SymbolicID is a stable, type-scoped business key. Type is the entity
// type name so the id can be carried by a value.Link.
type SymbolicID struct {
	Type string
	Key  string
}

// Link returns the soft reference pointing at id.
func (s SymbolicID) Link() value.Link {
	return value.Link{Type: s.Type, Key: s.Key}
}

// SymbolicIDOf converts a soft reference into the symbolic id it targets.
func SymbolicIDOf(l value.Link) SymbolicID {
	return SymbolicID{Type: l.Type, Key: l.Key}
}

func (s SymbolicID) String() string {
	return s.Type + "(" + s.Key + ")"
}

// symbolicKey derives the key for an entity of type t. A single string
// field is used as-is; anything else is the canonical JSON of the key
// fields.
func symbolicKey(t *schema.EntityType, fields value.Record) (SymbolicID, bool) {
	if !t.HasSymbolicID() {
		return SymbolicID{}, false
	}
	if len(t.SymbolicFields) == 1 {
		if s, ok := fields.Get(t.SymbolicFields[0]).(value.String); ok {
			return SymbolicID{Type: t.Name, Key: string(s)}, true
		}
	}
	key := make(value.Record, len(t.SymbolicFields))
	for _, f := range t.SymbolicFields {
		key[f] = fields.Get(f)
	}
	return SymbolicID{Type: t.Name, Key: value.MustCanonical(key)}, true
}
