// Package filter compiles source predicates written in expr-lang.
//
// A predicate sees one entity source through three variables:
//
//	kind         string, the source kind ("local", "remote", ...)
//	url          string, the source location
//	placeholder  bool, whether the source marks a stand-in entity
//
// Examples:
//
//	kind == "local"
//	kind in ["local", "generated"] && !placeholder
//	url startsWith "file:///ws/app"
//
// The empty expression selects every source.
package filter

import (
	"fmt"
	"strings"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"

	"github.com/roach88/strata/internal/storage"
)

type sourceEnv struct {
	Kind        string `expr:"kind"`
	URL         string `expr:"url"`
	Placeholder bool   `expr:"placeholder"`
}

// Predicate is a compiled source expression. It is safe for concurrent use.
type Predicate struct {
	expression string
	program    *exprvm.Program
}

// Compile type-checks expression against the source variables. The result
// must be boolean.
func Compile(expression string) (*Predicate, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return &Predicate{}, nil
	}
	program, err := exprlang.Compile(expression, exprlang.Env(sourceEnv{}), exprlang.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile source filter %q: %w", expression, err)
	}
	return &Predicate{expression: expression, program: program}, nil
}

// MustCompile is Compile for expressions known to be valid. It panics on
// error.
func MustCompile(expression string) *Predicate {
	p, err := Compile(expression)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the source expression.
func (p *Predicate) String() string { return p.expression }

// Eval runs the predicate against src.
func (p *Predicate) Eval(src storage.Source) (bool, error) {
	if p.program == nil {
		return true, nil
	}
	out, err := exprlang.Run(p.program, sourceEnv{Kind: src.Kind, URL: src.URL, Placeholder: src.Placeholder})
	if err != nil {
		return false, fmt.Errorf("evaluate source filter %q: %w", p.expression, err)
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("evaluate source filter %q: got %T, want bool", p.expression, out)
	}
	return ok, nil
}

// Func adapts the predicate to the func(storage.Source) bool form taken by
// EntitiesBySource and ReplaceBySource. A source the expression fails on is
// not selected.
func (p *Predicate) Func() func(storage.Source) bool {
	if p.program == nil {
		return storage.AnySource
	}
	return func(src storage.Source) bool {
		ok, err := p.Eval(src)
		return err == nil && ok
	}
}
