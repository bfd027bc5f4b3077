package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/strata/internal/schema"
	"github.com/roach88/strata/internal/storage"
	"github.com/roach88/strata/internal/value"
)

// check evaluates one assertion against the final builder.
func (r *runner) check(sc *scope, a Assertion) error {
	switch a.Type {
	case AssertConsistent:
		err := sc.b.AssertConsistency()
		return compareBool(a, err == nil, errText(err))
	case AssertHasChanges:
		return compareBool(a, sc.b.HasChanges(), "")
	case AssertSameEntities:
		return compareBool(a, sc.b.HasSameEntities(), "")
	case AssertCount:
		return r.checkCount(sc, a)
	case AssertExists:
		return r.checkExists(sc, a)
	case AssertAbsent:
		if e, err := r.entity(sc, a.Entity); err == nil {
			return &AssertionError{Type: a.Type, Expected: a.Entity.String() + " absent", Actual: "found " + e.String()}
		}
		return nil
	case AssertField:
		return r.checkField(sc, a)
	case AssertSource:
		e, err := r.entity(sc, a.Entity)
		if err != nil {
			return &AssertionError{Type: a.Type, Expected: "entity " + a.Entity.String(), Actual: err.Error()}
		}
		want := a.Source.source()
		if got := e.Source(); got != want {
			return &AssertionError{Type: a.Type, Expected: want.String(), Actual: got.String()}
		}
		return nil
	case AssertChildren:
		return r.checkChildren(sc, a)
	case AssertChanges:
		return r.checkChanges(sc, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func compareBool(a Assertion, got bool, detail string) error {
	want := a.Want == nil || *a.Want
	if got == want {
		return nil
	}
	actual := fmt.Sprint(got)
	if detail != "" {
		actual += " (" + detail + ")"
	}
	return &AssertionError{Type: a.Type, Expected: fmt.Sprint(want), Actual: actual}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (r *runner) checkCount(sc *scope, a Assertion) error {
	got := sc.b.Count()
	label := "entities"
	if a.EntityType != "" {
		if _, ok := r.reg.Type(a.EntityType); !ok {
			return fmt.Errorf("assertion count: unknown entity type %q", a.EntityType)
		}
		got = 0
		for range sc.b.Entities(a.EntityType) {
			got++
		}
		label = a.EntityType + " entities"
	}
	if got != *a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d %s", *a.Count, label),
			Actual:   fmt.Sprintf("%d", got),
		}
	}
	return nil
}

func (r *runner) checkExists(sc *scope, a Assertion) error {
	e, err := r.entity(sc, a.Entity)
	if err != nil {
		return &AssertionError{Type: a.Type, Expected: a.Entity.String() + " to exist", Actual: err.Error()}
	}
	if a.Symbolic == nil {
		return nil
	}
	other, err := r.entity(sc, *a.Symbolic)
	if err != nil {
		return &AssertionError{Type: a.Type, Expected: a.Symbolic.String() + " to exist", Actual: err.Error()}
	}
	if other.ID() != e.ID() {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s to be %s (%s)", a.Symbolic, a.Entity, e.ID()),
			Actual:   other.ID().String(),
		}
	}
	return nil
}

func (r *runner) checkField(sc *scope, a Assertion) error {
	e, err := r.entity(sc, a.Entity)
	if err != nil {
		return &AssertionError{Type: a.Type, Expected: "entity " + a.Entity.String(), Actual: err.Error()}
	}
	want, err := value.FromAny(a.Value)
	if err != nil {
		return fmt.Errorf("assertion field: %w", err)
	}
	if got := e.Field(a.Field); !value.Equal(got, want) {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s.%s = %s", a.Entity, a.Field, value.MustCanonical(want)),
			Actual:   value.MustCanonical(got),
		}
	}
	return nil
}

func (r *runner) checkChildren(sc *scope, a Assertion) error {
	conn, err := r.connection(a.Connection)
	if err != nil {
		return err
	}
	parent, err := r.entity(sc, a.Parent)
	if err != nil {
		return &AssertionError{Type: a.Type, Expected: "parent " + a.Parent.String(), Actual: err.Error()}
	}
	children := sc.b.Children(conn, parent)

	if a.Field != "" {
		got := make([]string, len(children))
		for i, c := range children {
			got[i] = value.MustCanonical(c.Field(a.Field))
		}
		want := make([]string, len(a.Values))
		for i, raw := range a.Values {
			v, err := value.FromAny(raw)
			if err != nil {
				return fmt.Errorf("assertion children: values[%d]: %w", i, err)
			}
			want[i] = value.MustCanonical(v)
		}
		return compareLists(a, want, got)
	}

	got := make([]string, len(children))
	for i, c := range children {
		got[i] = c.ID().String()
	}
	want := make([]string, len(a.Children))
	for i, ref := range a.Children {
		e, err := r.entity(sc, ref)
		if err != nil {
			return &AssertionError{Type: a.Type, Expected: "child " + ref.String(), Actual: err.Error()}
		}
		want[i] = e.ID().String()
	}
	return compareLists(a, want, got)
}

func compareLists(a Assertion, want, got []string) error {
	if strings.Join(want, ",") == strings.Join(got, ",") && len(want) == len(got) {
		return nil
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("%s of %s = [%s]", a.Connection, a.Parent, strings.Join(want, " ")),
		Actual:   "[" + strings.Join(got, " ") + "]",
	}
}

func (r *runner) checkChanges(sc *scope, a Assertion) error {
	var only *schema.EntityType
	if a.EntityType != "" {
		t, ok := r.reg.Type(a.EntityType)
		if !ok {
			return fmt.Errorf("assertion changes: unknown entity type %q", a.EntityType)
		}
		only = t
	}
	got := countChanges(sc.b, only)
	var mismatches []string
	check := func(name string, want *int, have int) {
		if want != nil && *want != have {
			mismatches = append(mismatches, fmt.Sprintf("%s %d (want %d)", name, have, *want))
		}
	}
	check("added", a.Added, got.Added)
	check("removed", a.Removed, got.Removed)
	check("replaced", a.Replaced, got.Replaced)
	if len(mismatches) > 0 {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("changes of %s", changesLabel(a.EntityType)),
			Actual:   strings.Join(mismatches, ", "),
		}
	}
	return nil
}

func changesLabel(typeName string) string {
	if typeName == "" {
		return "all types"
	}
	return typeName
}

// countChanges tallies CollectChanges, optionally for one type and its
// subtypes.
func countChanges(b *storage.Builder, only *schema.EntityType) ChangeCounts {
	var c ChangeCounts
	reg := b.Registry()
	for t, changes := range b.CollectChanges() {
		if only != nil && !reg.IsAssignable(t, only.ID) {
			continue
		}
		for _, ch := range changes {
			switch ch.(type) {
			case storage.Added:
				c.Added++
			case storage.Removed:
				c.Removed++
			case storage.Replaced:
				c.Replaced++
			}
		}
	}
	return c
}
