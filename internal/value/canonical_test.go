package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    Value
		expected string
	}{
		{"null", Null{}, "null"},
		{"string", String("hello"), `"hello"`},
		{"empty string", String(""), `""`},
		{"int", Int(42), "42"},
		{"negative int", Int(-100), "-100"},
		{"min int64", Int(-9223372036854775808), "-9223372036854775808"},
		{"bool", Bool(true), "true"},
		{"empty list", List{}, "[]"},
		{"empty record", Record{}, "{}"},
		{"list", List{Int(1), Int(2)}, "[1,2]"},
		{"link", Link{Type: "Module", Key: "core"}, `{"$link":{"key":"core","type":"Module"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(got))
		})
	}
}

func TestMarshalCanonicalSortedKeys(t *testing.T) {
	r := Record{"zebra": Int(1), "alpha": Int(2), "nested": Record{"b": Int(1), "a": Int(2)}}
	got, err := MarshalCanonical(r)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"nested":{"a":2,"b":1},"zebra":1}`, string(got))
}

func TestMarshalCanonicalEscaping(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"html not escaped", "<a&b>", `"<a&b>"`},
		{"quote and backslash", `say "hi" \`, `"say \"hi\" \\"`},
		{"newline and tab", "a\nb\tc", `"a\nb\tc"`},
		{"control", "\x01", `"\u0001"`},
		{"line separator literal", "a\u2028b", "\"a\u2028b\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalCanonical(String(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(got))
		})
	}
}

func TestMarshalCanonicalNFC(t *testing.T) {
	// "e" + combining acute accent normalizes to the precomposed U+00E9.
	got, err := MarshalCanonical(String("e\u0301"))
	require.NoError(t, err)
	assert.Equal(t, "\"\u00e9\"", string(got))
}

func TestUnmarshalRoundTrip(t *testing.T) {
	in := Record{
		"name": String("core"),
		"n":    Int(-7),
		"ok":   Bool(false),
		"none": Null{},
		"list": List{String("x"), Link{Type: "Library", Key: "junit"}},
	}
	data, err := MarshalCanonical(in)
	require.NoError(t, err)

	out, err := Unmarshal(data)
	require.NoError(t, err)
	assert.True(t, Equal(in, out))

	again, err := MarshalCanonical(out)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))
}

func TestUnmarshalRejectsFloats(t *testing.T) {
	_, err := Unmarshal([]byte(`{"n":1.5}`))
	assert.Error(t, err)

	_, err = Unmarshal([]byte(`1e3`))
	assert.Error(t, err)
}

func TestUnmarshalRecord(t *testing.T) {
	rec, err := UnmarshalRecord([]byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, Record{"a": Int(1)}, rec)

	_, err = UnmarshalRecord([]byte(`[1]`))
	assert.Error(t, err)
}

func TestHashStable(t *testing.T) {
	a, err := Hash(Record{"a": Int(1), "b": String("x")})
	require.NoError(t, err)
	b, err := Hash(Record{"b": String("x"), "a": Int(1)})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, Digest(DomainSnapshot, []byte(`{"a":1,"b":"x"}`)))
}
