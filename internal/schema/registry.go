package schema

import (
	"errors"
	"fmt"
	"slices"
)

// ErrFrozen is returned when a frozen registry is modified.
var ErrFrozen = errors.New("schema: registry is frozen")

// Registry maps entity type names to TypeIDs and back, and owns the
// interned connections between them.
//
// Thread-safety: a frozen registry is read-only and safe for concurrent use.
// Define and Connect must not race with each other.
type Registry struct {
	types  []*EntityType
	byName map[string]*EntityType

	conns       map[connKey]*Connection
	connsByName map[string]*Connection
	connOrder   []*Connection

	// ancestors[t] holds t and every transitive supertype. Built by Freeze.
	ancestors [][]bool
	frozen    bool

	parentConns [][]*Connection
	childConns  [][]*Connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:      make(map[string]*EntityType),
		conns:       make(map[connKey]*Connection),
		connsByName: make(map[string]*Connection),
	}
}

// Define registers an entity type and assigns its TypeID. The ID and Name
// of the argument are taken as given except ID, which is overwritten.
func (r *Registry) Define(t EntityType) (*EntityType, error) {
	if r.frozen {
		return nil, ErrFrozen
	}
	if t.Name == "" {
		return nil, fmt.Errorf("schema: entity type name is required")
	}
	if _, exists := r.byName[t.Name]; exists {
		return nil, fmt.Errorf("schema: entity type %q defined twice", t.Name)
	}
	seen := make(map[string]bool, len(t.Fields))
	for _, f := range t.Fields {
		if seen[f.Name] {
			return nil, fmt.Errorf("schema: %s: field %q declared twice", t.Name, f.Name)
		}
		seen[f.Name] = true
	}
	for _, name := range t.SymbolicFields {
		if !seen[name] {
			return nil, fmt.Errorf("schema: %s: symbolic field %q is not declared", t.Name, name)
		}
	}
	for _, name := range t.MatchFields {
		if !seen[name] {
			return nil, fmt.Errorf("schema: %s: match field %q is not declared", t.Name, name)
		}
	}

	et := t
	et.ID = TypeID(len(r.types))
	et.Fields = slices.Clone(t.Fields)
	et.Supertypes = slices.Clone(t.Supertypes)
	et.SymbolicFields = slices.Clone(t.SymbolicFields)
	et.MatchFields = slices.Clone(t.MatchFields)
	r.types = append(r.types, &et)
	r.byName[et.Name] = &et
	return &et, nil
}

// Connect interns the connection (parent, child, cardinality, nullable).
// Connecting the same shape twice returns the existing connection; reusing
// a name for a different shape is an error.
func (r *Registry) Connect(name, parent, child string, card Cardinality, parentNullable bool) (*Connection, error) {
	if r.frozen {
		return nil, ErrFrozen
	}
	p, ok := r.byName[parent]
	if !ok {
		return nil, fmt.Errorf("schema: connection %s: unknown parent type %q", name, parent)
	}
	c, ok := r.byName[child]
	if !ok {
		return nil, fmt.Errorf("schema: connection %s: unknown child type %q", name, child)
	}
	if !card.Abstract() && (p.Abstract || c.Abstract) {
		return nil, fmt.Errorf("schema: connection %s: %s requires concrete endpoints", name, card)
	}
	if card == OneToAbstractMany && p.Abstract {
		return nil, fmt.Errorf("schema: connection %s: %s requires a concrete parent", name, card)
	}

	key := connKey{parent: p.ID, child: c.ID, card: card, nullable: parentNullable}
	if existing, ok := r.conns[key]; ok {
		return existing, nil
	}
	if name == "" {
		name = fmt.Sprintf("%s_%s", p.Name, c.Name)
	}
	if _, taken := r.connsByName[name]; taken {
		return nil, fmt.Errorf("schema: connection name %q already used", name)
	}

	conn := &Connection{
		Name:           name,
		Parent:         p.ID,
		Child:          c.ID,
		Cardinality:    card,
		ParentNullable: parentNullable,
		parentName:     p.Name,
		childName:      c.Name,
	}
	r.conns[key] = conn
	r.connsByName[name] = conn
	r.connOrder = append(r.connOrder, conn)
	return conn, nil
}

// Freeze validates supertypes and precomputes assignability. A registry
// cannot be modified afterwards. Freezing twice is a no-op.
func (r *Registry) Freeze() error {
	if r.frozen {
		return nil
	}
	n := len(r.types)
	r.ancestors = make([][]bool, n)
	for _, t := range r.types {
		row := make([]bool, n)
		if err := r.collectAncestors(t, row, make(map[TypeID]bool)); err != nil {
			return err
		}
		r.ancestors[t.ID] = row
	}

	r.parentConns = make([][]*Connection, n)
	r.childConns = make([][]*Connection, n)
	for _, t := range r.types {
		for _, c := range r.connOrder {
			if r.ancestors[t.ID][c.Child] {
				r.parentConns[t.ID] = append(r.parentConns[t.ID], c)
			}
			if r.ancestors[t.ID][c.Parent] {
				r.childConns[t.ID] = append(r.childConns[t.ID], c)
			}
		}
	}
	r.frozen = true
	return nil
}

func (r *Registry) collectAncestors(t *EntityType, row []bool, visiting map[TypeID]bool) error {
	if visiting[t.ID] {
		return fmt.Errorf("schema: supertype cycle through %q", t.Name)
	}
	visiting[t.ID] = true
	defer delete(visiting, t.ID)

	row[t.ID] = true
	for _, name := range t.Supertypes {
		super, ok := r.byName[name]
		if !ok {
			return fmt.Errorf("schema: %s extends unknown type %q", t.Name, name)
		}
		if !super.Abstract {
			return fmt.Errorf("schema: %s extends concrete type %q", t.Name, name)
		}
		if err := r.collectAncestors(super, row, visiting); err != nil {
			return err
		}
	}
	return nil
}

// MustFreeze is Freeze that panics on error, for fixtures.
func (r *Registry) MustFreeze() *Registry {
	if err := r.Freeze(); err != nil {
		panic(err)
	}
	return r
}

// Frozen reports whether Freeze has succeeded.
func (r *Registry) Frozen() bool {
	return r.frozen
}

// Type looks up an entity type by name.
func (r *Registry) Type(name string) (*EntityType, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// MustType is Type that panics when the name is unknown.
func (r *Registry) MustType(name string) *EntityType {
	t, ok := r.byName[name]
	if !ok {
		panic(fmt.Sprintf("schema: unknown entity type %q", name))
	}
	return t
}

// TypeByID looks up an entity type by id.
func (r *Registry) TypeByID(id TypeID) (*EntityType, bool) {
	if id < 0 || int(id) >= len(r.types) {
		return nil, false
	}
	return r.types[id], true
}

// TypeName returns the name for id, or a placeholder for unknown ids.
func (r *Registry) TypeName(id TypeID) string {
	if t, ok := r.TypeByID(id); ok {
		return t.Name
	}
	return fmt.Sprintf("type#%d", id)
}

// Types returns all types in TypeID order.
func (r *Registry) Types() []*EntityType {
	return slices.Clone(r.types)
}

// TypeCount returns the number of defined types.
func (r *Registry) TypeCount() int {
	return len(r.types)
}

// IsAssignable reports whether concrete is declared or a subtype of it.
func (r *Registry) IsAssignable(concrete, declared TypeID) bool {
	if concrete == declared {
		return true
	}
	if !r.frozen || concrete < 0 || int(concrete) >= len(r.ancestors) || declared < 0 || int(declared) >= len(r.types) {
		return false
	}
	return r.ancestors[concrete][declared]
}

// ConcreteSubtypes returns every non-abstract type assignable to declared.
func (r *Registry) ConcreteSubtypes(declared TypeID) []TypeID {
	var out []TypeID
	for _, t := range r.types {
		if !t.Abstract && r.IsAssignable(t.ID, declared) {
			out = append(out, t.ID)
		}
	}
	return out
}

// Connections returns all connections in definition order.
func (r *Registry) Connections() []*Connection {
	return slices.Clone(r.connOrder)
}

// ConnectionByName looks up a connection by its declared name.
func (r *Registry) ConnectionByName(name string) (*Connection, bool) {
	c, ok := r.connsByName[name]
	return c, ok
}

// Lookup returns the interned connection for the given shape, if any.
func (r *Registry) Lookup(parent, child TypeID, card Cardinality, parentNullable bool) (*Connection, bool) {
	c, ok := r.conns[connKey{parent: parent, child: child, card: card, nullable: parentNullable}]
	return c, ok
}

// ParentConnections returns the connections in which an entity of
// concrete type child can be the child.
func (r *Registry) ParentConnections(child TypeID) []*Connection {
	if !r.frozen || int(child) >= len(r.parentConns) || child < 0 {
		return nil
	}
	return r.parentConns[child]
}

// ChildConnections returns the connections in which an entity of concrete
// type parent can be the parent.
func (r *Registry) ChildConnections(parent TypeID) []*Connection {
	if !r.frozen || int(parent) >= len(r.childConns) || parent < 0 {
		return nil
	}
	return r.childConns[parent]
}

// ConnectionBetween finds the connection linking a parent of concrete type
// parent to a child of concrete type child. When several connections fit,
// the first defined wins.
func (r *Registry) ConnectionBetween(parent, child TypeID) (*Connection, bool) {
	for _, c := range r.ParentConnections(child) {
		if r.IsAssignable(parent, c.Parent) {
			return c, true
		}
	}
	return nil, false
}
