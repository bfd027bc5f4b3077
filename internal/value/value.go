package value

import (
	"fmt"
	"slices"
	"unicode/utf16"
)

// Value is a sealed interface over the field-value kinds an entity can hold.
// Only Null, String, Int, Bool, List, Record and Link implement it.
type Value interface {
	value() // sealed
}

// Null is the absent value of an optional field.
type Null struct{}

func (Null) value() {}

// String is a string field value.
type String string

func (String) value() {}

// Int is an integer field value. Always int64, never a float.
type Int int64

func (Int) value() {}

// Bool is a boolean field value.
type Bool bool

func (Bool) value() {}

// List is an ordered sequence of values.
type List []Value

func (List) value() {}

// Record maps field names to values. Use SortedKeys for deterministic
// iteration.
type Record map[string]Value

func (Record) value() {}

// Link is a soft reference to the entity whose symbolic id is (Type, Key).
// The target does not need to exist; dangling links are legal.
type Link struct {
	Type string
	Key  string
}

func (Link) value() {}

// String renders the link as Type:Key.
func (l Link) String() string {
	return l.Type + ":" + l.Key
}

// Kind identifies the dynamic kind of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindBool
	KindList
	KindRecord
	KindLink
)

var kindNames = map[Kind]string{
	KindNull:   "null",
	KindString: "string",
	KindInt:    "int",
	KindBool:   "bool",
	KindList:   "list",
	KindRecord: "record",
	KindLink:   "link",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a kind name ("string", "int", ...) to its Kind.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return KindNull, fmt.Errorf("unknown value kind %q", name)
}

// KindOf returns the kind of v. A nil interface is reported as KindNull.
func KindOf(v Value) Kind {
	switch v.(type) {
	case nil, Null:
		return KindNull
	case String:
		return KindString
	case Int:
		return KindInt
	case Bool:
		return KindBool
	case List:
		return KindList
	case Record:
		return KindRecord
	case Link:
		return KindLink
	default:
		panic(fmt.Sprintf("value: unknown Value implementation %T", v))
	}
}

// Pair is a key/value pair for ordered Record construction.
type Pair struct {
	Key   string
	Value Value
}

// P is shorthand for Pair.
// Example: NewRecord(P("name", String("core")), P("level", Int(8)))
func P(key string, v Value) Pair {
	return Pair{Key: key, Value: v}
}

// NewRecord builds a Record from pairs.
func NewRecord(pairs ...Pair) Record {
	r := make(Record, len(pairs))
	for _, p := range pairs {
		r[p.Key] = p.Value
	}
	return r
}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units).
func (r Record) SortedKeys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

// Get returns the value stored under key, or Null when absent.
func (r Record) Get(key string) Value {
	if v, ok := r[key]; ok && v != nil {
		return v
	}
	return Null{}
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = Clone(v)
	}
	return out
}

// Clone returns a deep copy of v. Scalars are returned as is.
func Clone(v Value) Value {
	switch val := v.(type) {
	case List:
		out := make(List, len(val))
		for i, elem := range val {
			out[i] = Clone(elem)
		}
		return out
	case Record:
		return val.Clone()
	default:
		return v
	}
}

// compareKeysRFC8785 compares strings by UTF-16 code units as RFC 8785
// requires. Go's native string order is UTF-8 bytes, which differs for
// characters outside the BMP.
func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

// Equal reports whether a and b are structurally equal. A nil Value equals
// Null.
func Equal(a, b Value) bool {
	switch av := a.(type) {
	case nil, Null:
		return KindOf(b) == KindNull
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Int:
		bv, ok := b.(Int)
		return ok && av == bv
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Link:
		bv, ok := b.(Link)
		return ok && av == bv
	case List:
		bv, ok := b.(List)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Record:
		bv, ok := b.(Record)
		if !ok {
			return false
		}
		return recordsEqual(av, bv)
	default:
		return false
	}
}

// recordsEqual treats a missing key and an explicit Null as the same.
func recordsEqual(a, b Record) bool {
	for k, v := range a {
		if !Equal(v, b.Get(k)) {
			return false
		}
	}
	for k, v := range b {
		if _, ok := a[k]; !ok && KindOf(v) != KindNull {
			return false
		}
	}
	return true
}

// EqualFields compares a and b on the listed fields only.
func EqualFields(a, b Record, fields []string) bool {
	for _, f := range fields {
		if !Equal(a.Get(f), b.Get(f)) {
			return false
		}
	}
	return true
}

// Links returns every Link reachable from v, in encounter order.
func Links(v Value) []Link {
	var out []Link
	collectLinks(v, &out)
	return out
}

func collectLinks(v Value, out *[]Link) {
	switch val := v.(type) {
	case Link:
		*out = append(*out, val)
	case List:
		for _, elem := range val {
			collectLinks(elem, out)
		}
	case Record:
		for _, k := range val.SortedKeys() {
			collectLinks(val[k], out)
		}
	}
}

// RewriteLinks returns a copy of v with every occurrence of from replaced by
// to, and whether anything changed. v itself is not modified.
func RewriteLinks(v Value, from, to Link) (Value, bool) {
	switch val := v.(type) {
	case Link:
		if val == from {
			return to, true
		}
		return val, false
	case List:
		var out List
		for i, elem := range val {
			nv, changed := RewriteLinks(elem, from, to)
			if changed && out == nil {
				out = make(List, len(val))
				copy(out, val)
			}
			if out != nil {
				out[i] = nv
			}
		}
		if out == nil {
			return val, false
		}
		return out, true
	case Record:
		var out Record
		for k, elem := range val {
			nv, changed := RewriteLinks(elem, from, to)
			if !changed {
				continue
			}
			if out == nil {
				out = make(Record, len(val))
				for kk, vv := range val {
					out[kk] = vv
				}
			}
			out[k] = nv
		}
		if out == nil {
			return val, false
		}
		return out, true
	default:
		return v, false
	}
}

// FromAny converts decoded YAML/JSON data into a Value. Floats are
// rejected. A map of the form {"$link": {"type": T, "key": K}} becomes a
// Link.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case uint64:
		return Int(int64(val)), nil
	case float32, float64:
		return nil, fmt.Errorf("floats are not representable: %v", val)
	case []any:
		out := make(List, len(val))
		for i, elem := range val {
			ev, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = ev
		}
		return out, nil
	case map[string]any:
		if link, ok, err := linkFromMap(val); ok || err != nil {
			return link, err
		}
		out := make(Record, len(val))
		for k, elem := range val {
			ev, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			out[k] = ev
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// RecordFromMap converts decoded entity fields into a Record. Unlike
// FromAny it never treats the map itself as a link.
func RecordFromMap(fields map[string]any) (Record, error) {
	rec := make(Record, len(fields))
	for k, raw := range fields {
		v, err := FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		rec[k] = v
	}
	return rec, nil
}

// linkFromMap recognizes the $link encoding.
func linkFromMap(m map[string]any) (Value, bool, error) {
	raw, ok := m[linkKey]
	if !ok || len(m) != 1 {
		return nil, false, nil
	}
	body, ok := raw.(map[string]any)
	if !ok {
		return nil, true, fmt.Errorf("%s must be an object", linkKey)
	}
	typ, _ := body["type"].(string)
	key, _ := body["key"].(string)
	if typ == "" {
		return nil, true, fmt.Errorf("%s requires a type", linkKey)
	}
	return Link{Type: typ, Key: key}, true, nil
}

// ToAny converts v into plain Go data (the inverse of FromAny).
func ToAny(v Value) any {
	switch val := v.(type) {
	case nil, Null:
		return nil
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Bool:
		return bool(val)
	case Link:
		return map[string]any{linkKey: map[string]any{"type": val.Type, "key": val.Key}}
	case List:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = ToAny(elem)
		}
		return out
	case Record:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = ToAny(elem)
		}
		return out
	default:
		return nil
	}
}
