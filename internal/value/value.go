// Package value defines the typed values that flow through the query
// engine: field values inside rows, literals inside predicates, and the
// rows themselves (Record). The Value interface is sealed - only types in
// this package implement it - which keeps type switches in the planner,
// the executor and the SQL compiler exhaustive.
package value

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the semantic type of a Value or schema field.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"
	KindTime   Kind = "time"
	KindList   Kind = "list"
	KindRecord Kind = "record"
	KindNull   Kind = "null"
)

// ParseKind converts a schema type name to a Kind.
// Only the scalar kinds are valid in entity field declarations.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindString, KindInt, KindFloat, KindBool, KindTime:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown field type %q (want string, int, float, bool or time)", s)
	}
}

// Value is a sealed interface over the engine's value variants.
// Only Null, Str, Int, Float, Bool, Time, List and Record implement it.
type Value interface {
	value() // sealed - only types in this package implement it
	Kind() Kind
	// String renders the value in the engine's canonical text form,
	// used by plan rendering and golden files.
	String() string
}

// Null represents an absent value for a nullable field.
type Null struct{}

func (Null) value()         {}
func (Null) Kind() Kind     { return KindNull }
func (Null) String() string { return "null" }

// Str is a string value.
type Str string

func (Str) value()           {}
func (Str) Kind() Kind       { return KindString }
func (s Str) String() string { return strconv.Quote(string(s)) }

// Int is an integer value, always 64 bit.
type Int int64

func (Int) value()           {}
func (Int) Kind() Kind       { return KindInt }
func (i Int) String() string { return strconv.FormatInt(int64(i), 10) }

// Float is a floating point value.
type Float float64

func (Float) value()     {}
func (Float) Kind() Kind { return KindFloat }
func (f Float) String() string {
	return strconv.FormatFloat(float64(f), 'g', -1, 64)
}

// Bool is a boolean value.
type Bool bool

func (Bool) value()           {}
func (Bool) Kind() Kind       { return KindBool }
func (b Bool) String() string { return strconv.FormatBool(bool(b)) }

// Time is an instant in time. Comparison is chronological.
type Time time.Time

func (Time) value()     {}
func (Time) Kind() Kind { return KindTime }
func (t Time) String() string {
	return time.Time(t).UTC().Format(time.RFC3339)
}

// List is an ordered sequence of values. Group operators use it to carry
// the member rows of a group.
type List []Value

func (List) value()     {}
func (List) Kind() Kind { return KindList }
func (l List) String() string {
	parts := make([]string, len(l))
	for i, v := range l {
		parts[i] = v.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Record maps output field names to values. It is both the engine's row
// representation and a nestable value (a group row holds its members as a
// List of Records).
type Record map[string]Value

func (Record) value()     {}
func (Record) Kind() Kind { return KindRecord }

// String renders the record with sorted keys so the output is
// deterministic regardless of map iteration order.
func (r Record) String() string {
	keys := r.SortedKeys()
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + r[k].String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// SortedKeys returns the record's keys in ascending order.
func (r Record) SortedKeys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a shallow copy of the record. Operators that add columns
// (let bindings, projections) clone first so upstream rows stay immutable.
func (r Record) Clone() Record {
	out := make(Record, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Comparable reports whether values of kinds a and b can be ordered or
// tested for equality against each other. Int and float are mutually
// comparable; everything else requires an exact kind match. Null
// compares with nothing.
func Comparable(a, b Kind) bool {
	if a == KindNull || b == KindNull {
		return false
	}
	if a == b {
		return a != KindList && a != KindRecord
	}
	numeric := func(k Kind) bool { return k == KindInt || k == KindFloat }
	return numeric(a) && numeric(b)
}

// Compare orders two values. Returns -1, 0 or 1, or an error when the
// kinds are not comparable. The planner rejects incomparable kinds ahead
// of time, so an error here means a source produced a row that does not
// match its declared shape.
func Compare(a, b Value) (int, error) {
	if !Comparable(a.Kind(), b.Kind()) {
		return 0, fmt.Errorf("cannot compare %s with %s", a.Kind(), b.Kind())
	}
	switch av := a.(type) {
	case Str:
		bv := b.(Str)
		return strings.Compare(string(av), string(bv)), nil
	case Bool:
		bv := b.(Bool)
		if av == bv {
			return 0, nil
		}
		if !av {
			return -1, nil
		}
		return 1, nil
	case Time:
		bv := b.(Time)
		at, bt := time.Time(av), time.Time(bv)
		switch {
		case at.Before(bt):
			return -1, nil
		case at.After(bt):
			return 1, nil
		default:
			return 0, nil
		}
	case Int:
		if bf, ok := b.(Float); ok {
			return cmpFloat(float64(av), float64(bf)), nil
		}
		bv := b.(Int)
		switch {
		case av < bv:
			return -1, nil
		case av > bv:
			return 1, nil
		default:
			return 0, nil
		}
	case Float:
		if bi, ok := b.(Int); ok {
			return cmpFloat(float64(av), float64(bi)), nil
		}
		bv := b.(Float)
		return cmpFloat(float64(av), float64(bv)), nil
	default:
		return 0, fmt.Errorf("cannot compare %s values", a.Kind())
	}
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Equal reports whether two values are equal under Compare semantics.
// Values of incomparable kinds are never equal.
func Equal(a, b Value) bool {
	c, err := Compare(a, b)
	return err == nil && c == 0
}

// FromAny converts a plain Go value (as decoded from YAML fixtures or
// scanned from SQL) to a Value. Unknown types are rejected.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case string:
		return Str(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case float64:
		return Float(val), nil
	case bool:
		return Bool(val), nil
	case time.Time:
		return Time(val), nil
	case []byte:
		return Str(string(val)), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}
