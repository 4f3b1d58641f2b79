package value

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueSealed(t *testing.T) {
	// Verify all types implement Value (compile-time check via assignment)
	var _ Value = Null{}
	var _ Value = Str("test")
	var _ Value = Int(42)
	var _ Value = Float(3.14)
	var _ Value = Bool(true)
	var _ Value = Time(time.Now())
	var _ Value = List{Str("a"), Int(1)}
	var _ Value = Record{"key": Str("value")}
}

func TestParseKind(t *testing.T) {
	for _, s := range []string{"string", "int", "float", "bool", "time"} {
		k, err := ParseKind(s)
		require.NoError(t, err)
		assert.Equal(t, Kind(s), k)
	}

	// list, record and null are engine-internal, not declarable.
	for _, s := range []string{"list", "record", "null", "decimal", ""} {
		_, err := ParseKind(s)
		assert.Error(t, err, "kind %q should be rejected", s)
	}
}

func TestComparable(t *testing.T) {
	tests := []struct {
		name string
		a, b Kind
		want bool
	}{
		{"same scalar", KindString, KindString, true},
		{"int with float", KindInt, KindFloat, true},
		{"float with int", KindFloat, KindInt, true},
		{"string with int", KindString, KindInt, false},
		{"time with string", KindTime, KindString, false},
		{"null with anything", KindNull, KindInt, false},
		{"anything with null", KindBool, KindNull, false},
		{"list with list", KindList, KindList, false},
		{"record with record", KindRecord, KindRecord, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Comparable(tt.a, tt.b))
		})
	}
}

func TestCompare(t *testing.T) {
	early := Time(time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC))
	late := Time(time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC))

	tests := []struct {
		name string
		a, b Value
		want int
	}{
		{"str less", Str("apple"), Str("banana"), -1},
		{"str equal", Str("x"), Str("x"), 0},
		{"int greater", Int(10), Int(3), 1},
		{"int float cross", Int(2), Float(2.5), -1},
		{"float int cross equal", Float(4), Int(4), 0},
		{"bool false before true", Bool(false), Bool(true), -1},
		{"time chronological", early, late, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compare(tt.a, tt.b)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompareIncompatible(t *testing.T) {
	_, err := Compare(Str("a"), Int(1))
	assert.Error(t, err)

	_, err = Compare(Null{}, Int(1))
	assert.Error(t, err)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(Int(3), Float(3)))
	assert.False(t, Equal(Int(3), Int(4)))
	// Incomparable kinds are never equal, including null with null.
	assert.False(t, Equal(Str("1"), Int(1)))
	assert.False(t, Equal(Null{}, Null{}))
}

func TestRecordSortedKeys(t *testing.T) {
	r := Record{
		"zebra":  Str("z"),
		"apple":  Str("a"),
		"banana": Str("b"),
	}
	assert.Equal(t, []string{"apple", "banana", "zebra"}, r.SortedKeys())
}

func TestRecordStringDeterministic(t *testing.T) {
	r := Record{"b": Int(2), "a": Int(1)}
	for i := 0; i < 10; i++ {
		assert.Equal(t, "{a: 1, b: 2}", r.String())
	}
}

func TestRecordClone(t *testing.T) {
	orig := Record{"x": Int(1)}
	clone := orig.Clone()
	clone["y"] = Int(2)

	assert.Len(t, orig, 1)
	assert.Len(t, clone, 2)
}

func TestTimeStringUTC(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	v := Time(time.Date(2020, 3, 1, 13, 0, 0, 0, loc))
	assert.Equal(t, "2020-03-01T12:00:00Z", v.String())
}

func TestFromAny(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want Value
	}{
		{"nil", nil, Null{}},
		{"string", "hi", Str("hi")},
		{"int", 7, Int(7)},
		{"int64", int64(7), Int(7)},
		{"float64", 1.5, Float(1.5)},
		{"bool", true, Bool(true)},
		{"bytes", []byte("raw"), Str("raw")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromAny(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := FromAny(struct{}{})
	assert.Error(t, err)
}
