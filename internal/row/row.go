// Package row defines the destination-shaped rows produced by the encoder.
package row

import (
	"strconv"
)

// Kind tags the scalar type carried by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindText
	KindInt
	KindUint
	KindFloat
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindText:
		return "text"
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is a tagged scalar. Only the field matching Kind is meaningful.
type Value struct {
	Kind  Kind
	Text  string
	Int   int64
	Uint  uint64
	Float float64
	Bool  bool
}

// Null returns the null value.
func Null() Value { return Value{Kind: KindNull} }

// Text returns a text value.
func Text(s string) Value { return Value{Kind: KindText, Text: s} }

// Int returns a signed integer value.
func Int(n int64) Value { return Value{Kind: KindInt, Int: n} }

// Uint returns an unsigned integer value.
func Uint(n uint64) Value { return Value{Kind: KindUint, Uint: n} }

// Float returns a floating point value.
func Float(f float64) Value { return Value{Kind: KindFloat, Float: f} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// IsNumeric reports whether v is an integer or float.
func (v Value) IsNumeric() bool {
	return v.Kind == KindInt || v.Kind == KindUint || v.Kind == KindFloat
}

// String renders the value without any quoting. Null renders as the empty string.
func (v Value) String() string {
	switch v.Kind {
	case KindText:
		return v.Text
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindUint:
		return strconv.FormatUint(v.Uint, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}

// Any returns the value as a plain Go value, suitable for driver argument binding.
func (v Value) Any() any {
	switch v.Kind {
	case KindText:
		return v.Text
	case KindInt:
		return v.Int
	case KindUint:
		return v.Uint
	case KindFloat:
		return v.Float
	case KindBool:
		return v.Bool
	default:
		return nil
	}
}

// Column is a named value within a Row.
type Column struct {
	Name  string
	Value Value
}

// Row is an ordered set of columns. Names and values are stored together so
// their order can never diverge.
type Row []Column

// Names returns the column names in order.
func (r Row) Names() []string {
	names := make([]string, len(r))
	for i, c := range r {
		names[i] = c.Name
	}
	return names
}

// Get returns the value of the named column.
func (r Row) Get(name string) (Value, bool) {
	for _, c := range r {
		if c.Name == name {
			return c.Value, true
		}
	}
	return Value{}, false
}

// SameColumns reports whether r and other carry the same column names in the same order.
func (r Row) SameColumns(other Row) bool {
	if len(r) != len(other) {
		return false
	}
	for i := range r {
		if r[i].Name != other[i].Name {
			return false
		}
	}
	return true
}

// Update pairs the before and after images of one updated row.
type Update struct {
	Before Row
	After  Row
}
