package schema

import (
	"fmt"

	"github.com/roach88/strata/internal/value"
)

// TypeID is the stable small integer a registry assigns to an entity type.
type TypeID int32

// Field declares one entity field. Every field also accepts value.Null.
type Field struct {
	Name string
	Kind value.Kind
}

// EntityType describes a declared entity type.
type EntityType struct {
	ID       TypeID
	Name     string
	Abstract bool

	// Supertypes lists the direct supertypes by name.
	Supertypes []string

	// Fields in declaration order. Equality compares exactly these.
	Fields []Field

	// SymbolicFields names the fields that form the type's symbolic id.
	// Empty means entities of this type carry no symbolic id.
	SymbolicFields []string

	// MatchFields names the fields compared when matching un-keyed
	// entities across storages. Empty means all fields.
	MatchFields []string
}

// Field looks up a declared field by name.
func (t *EntityType) Field(name string) (Field, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// FieldNames returns the declared field names in order.
func (t *EntityType) FieldNames() []string {
	names := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		names[i] = f.Name
	}
	return names
}

// HasSymbolicID reports whether entities of t expose a symbolic id.
func (t *EntityType) HasSymbolicID() bool {
	return len(t.SymbolicFields) > 0
}

// MatchKey returns the fields used for structural matching.
func (t *EntityType) MatchKey() []string {
	if len(t.MatchFields) > 0 {
		return t.MatchFields
	}
	return t.FieldNames()
}

// Cardinality is the shape of a parent/child relationship.
type Cardinality int

const (
	OneToOne Cardinality = iota
	OneToMany
	OneToAbstractMany
	AbstractOneToOne
)

var cardinalityNames = map[Cardinality]string{
	OneToOne:          "one_to_one",
	OneToMany:         "one_to_many",
	OneToAbstractMany: "one_to_abstract_many",
	AbstractOneToOne:  "abstract_one_to_one",
}

func (c Cardinality) String() string {
	if name, ok := cardinalityNames[c]; ok {
		return name
	}
	return fmt.Sprintf("cardinality(%d)", int(c))
}

// Abstract reports whether edges of this cardinality are keyed by full
// entity ids rather than slots.
func (c Cardinality) Abstract() bool {
	return c == OneToAbstractMany || c == AbstractOneToOne
}

// Single reports whether a parent holds at most one child.
func (c Cardinality) Single() bool {
	return c == OneToOne || c == AbstractOneToOne
}

// ParseCardinality maps "one_to_many" and friends to a Cardinality.
func ParseCardinality(name string) (Cardinality, error) {
	for c, n := range cardinalityNames {
		if n == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown cardinality %q", name)
}

// Connection is an interned relationship descriptor. Compare by pointer.
type Connection struct {
	Name           string
	Parent         TypeID
	Child          TypeID
	Cardinality    Cardinality
	ParentNullable bool

	parentName string
	childName  string
}

func (c *Connection) String() string {
	nullable := ""
	if c.ParentNullable {
		nullable = "?"
	}
	return fmt.Sprintf("%s(%s -> %s%s, %s)", c.Name, c.parentName, c.childName, nullable, c.Cardinality)
}

// ParentName returns the declared parent type name.
func (c *Connection) ParentName() string { return c.parentName }

// ChildName returns the declared child type name.
func (c *Connection) ChildName() string { return c.childName }

type connKey struct {
	parent, child TypeID
	card          Cardinality
	nullable      bool
}
