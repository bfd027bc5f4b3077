package schema

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/strata/internal/value"
)

// CompileError is a schema compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Compile builds a frozen Registry from a CUE value holding top-level
// `entity` and `connection` structs. Entity types are assigned TypeIDs in
// declaration order.
func Compile(v cue.Value) (*Registry, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	reg := NewRegistry()

	entities := v.LookupPath(cue.ParsePath("entity"))
	if !entities.Exists() {
		return nil, &CompileError{Field: "entity", Message: "at least one entity type is required", Pos: v.Pos()}
	}
	iter, err := entities.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		et, err := compileEntity(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		if _, err := reg.Define(et); err != nil {
			return nil, &CompileError{Field: "entity." + et.Name, Message: err.Error(), Pos: iter.Value().Pos()}
		}
	}

	conns := v.LookupPath(cue.ParsePath("connection"))
	if conns.Exists() {
		citer, err := conns.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for citer.Next() {
			if err := compileConnection(reg, citer.Label(), citer.Value()); err != nil {
				return nil, err
			}
		}
	}

	if err := reg.Freeze(); err != nil {
		return nil, &CompileError{Field: "entity", Message: err.Error(), Pos: entities.Pos()}
	}
	return reg, nil
}

func compileEntity(name string, v cue.Value) (EntityType, error) {
	et := EntityType{Name: name}
	field := "entity." + name

	if abs := v.LookupPath(cue.ParsePath("abstract")); abs.Exists() {
		b, err := abs.Bool()
		if err != nil {
			return et, &CompileError{Field: field + ".abstract", Message: "must be a bool", Pos: abs.Pos()}
		}
		et.Abstract = b
	}

	var err error
	if et.Supertypes, err = stringList(v, "extends", field); err != nil {
		return et, err
	}
	if et.SymbolicFields, err = stringList(v, "symbolic", field); err != nil {
		return et, err
	}
	if et.MatchFields, err = stringList(v, "match", field); err != nil {
		return et, err
	}

	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if fieldsVal.Exists() {
		fiter, err := fieldsVal.Fields()
		if err != nil {
			return et, formatCUEError(err)
		}
		for fiter.Next() {
			kind, err := parseFieldKind(fiter.Value(), field+".fields."+fiter.Label())
			if err != nil {
				return et, err
			}
			et.Fields = append(et.Fields, Field{Name: fiter.Label(), Kind: kind})
		}
	}

	if et.Abstract && len(et.Fields) > 0 {
		return et, &CompileError{Field: field, Message: "abstract types cannot declare fields", Pos: v.Pos()}
	}
	return et, nil
}

// parseFieldKind accepts either a CUE type (string, int, bool, [...], {...})
// or a kind name as a string literal, which is the only way to spell "link".
func parseFieldKind(v cue.Value, field string) (value.Kind, error) {
	if v.IsConcrete() && v.Kind() == cue.StringKind {
		s, _ := v.String()
		k, err := value.ParseKind(s)
		if err != nil {
			return 0, &CompileError{Field: field, Message: err.Error(), Pos: v.Pos()}
		}
		return k, nil
	}
	switch v.IncompleteKind() {
	case cue.StringKind:
		return value.KindString, nil
	case cue.IntKind:
		return value.KindInt, nil
	case cue.BoolKind:
		return value.KindBool, nil
	case cue.ListKind:
		return value.KindList, nil
	case cue.StructKind:
		return value.KindRecord, nil
	case cue.FloatKind, cue.NumberKind:
		return 0, &CompileError{Field: field, Message: "float fields are not supported, use int", Pos: v.Pos()}
	default:
		return 0, &CompileError{Field: field, Message: fmt.Sprintf("unsupported field kind: %v", v.IncompleteKind()), Pos: v.Pos()}
	}
}

func compileConnection(reg *Registry, name string, v cue.Value) error {
	field := "connection." + name
	parent, err := requiredString(v, "parent", field)
	if err != nil {
		return err
	}
	child, err := requiredString(v, "child", field)
	if err != nil {
		return err
	}
	cardName, err := requiredString(v, "cardinality", field)
	if err != nil {
		return err
	}
	card, err := ParseCardinality(cardName)
	if err != nil {
		return &CompileError{Field: field + ".cardinality", Message: err.Error(), Pos: v.Pos()}
	}

	nullable := false
	if n := v.LookupPath(cue.ParsePath("nullable")); n.Exists() {
		if nullable, err = n.Bool(); err != nil {
			return &CompileError{Field: field + ".nullable", Message: "must be a bool", Pos: n.Pos()}
		}
	}

	if _, err := reg.Connect(name, parent, child, card, nullable); err != nil {
		return &CompileError{Field: field, Message: err.Error(), Pos: v.Pos()}
	}
	return nil
}

func requiredString(v cue.Value, path, field string) (string, error) {
	sv := v.LookupPath(cue.ParsePath(path))
	if !sv.Exists() {
		return "", &CompileError{Field: field + "." + path, Message: path + " is required", Pos: v.Pos()}
	}
	s, err := sv.String()
	if err != nil {
		return "", &CompileError{Field: field + "." + path, Message: "must be a string", Pos: sv.Pos()}
	}
	return s, nil
}

func stringList(v cue.Value, path, field string) ([]string, error) {
	lv := v.LookupPath(cue.ParsePath(path))
	if !lv.Exists() {
		return nil, nil
	}
	iter, err := lv.List()
	if err != nil {
		return nil, &CompileError{Field: field + "." + path, Message: "must be a list of strings", Pos: lv.Pos()}
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, &CompileError{Field: field + "." + path, Message: "must be a list of strings", Pos: iter.Value().Pos()}
		}
		out = append(out, s)
	}
	return out, nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}
