package storage

import "cmp"

// Source is the provenance tag every entity carries. Reconciliation
// filters entities by predicates over their sources.
//
// A Placeholder source marks a stand-in entity imported only to anchor
// children. Reconciliation never overwrites a real entity with placeholder
// data.
type Source struct {
	Kind        string
	URL         string
	Placeholder bool
}

func (s Source) String() string {
	out := s.Kind
	if s.URL != "" {
		out += ":" + s.URL
	}
	if s.Placeholder {
		out += " (placeholder)"
	}
	return out
}

func compareSources(a, b Source) int {
	if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
		return c
	}
	if c := cmp.Compare(a.URL, b.URL); c != 0 {
		return c
	}
	switch {
	case a.Placeholder == b.Placeholder:
		return 0
	case a.Placeholder:
		return 1
	default:
		return -1
	}
}

// AnySource matches every source.
func AnySource(Source) bool { return true }

// NoSource matches no source.
func NoSource(Source) bool { return false }

// SourceKind returns a predicate matching sources of the given kind.
func SourceKind(kind string) func(Source) bool {
	return func(s Source) bool { return s.Kind == kind }
}
