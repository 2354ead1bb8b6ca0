package ir

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Value is a sealed interface representing a single field value.
// Only Null, Text and Int implement this.
// NO float type - floats are rejected at every input boundary.
type Value interface {
	value() // Sealed - only these types implement it

	// String renders the value as audit and diff text. Null renders empty.
	String() string
}

// Null represents an SQL NULL / absent value.
type Null struct{}

func (Null) value() {}

// String implements Value.
func (Null) String() string { return "" }

// Text represents a string value.
type Text string

func (Text) value() {}

// String implements Value.
func (t Text) String() string { return string(t) }

// Int represents an integer value. Always int64.
type Int int64

func (Int) value() {}

// String implements Value.
func (i Int) String() string { return strconv.FormatInt(int64(i), 10) }

// IsNull reports whether v is nil or Null.
func IsNull(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

// StringOf renders v as text; nil renders empty.
func StringOf(v Value) string {
	if v == nil {
		return ""
	}
	return v.String()
}

// Equal reports whether two values are identical in type and content.
// A nil Value is treated as Null.
func Equal(a, b Value) bool {
	if IsNull(a) || IsNull(b) {
		return IsNull(a) && IsNull(b)
	}
	switch av := a.(type) {
	case Text:
		bv, ok := b.(Text)
		return ok && av == bv
	case Int:
		bv, ok := b.(Int)
		return ok && av == bv
	default:
		return false
	}
}

// ValueOf converts a Go value decoded from JSON, YAML or a SQL driver into a Value.
//
// Integral floats (as produced by decoders without number preservation) are
// accepted as Int; any fractional float is rejected.
func ValueOf(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return Text(val), nil
	case []byte:
		return Text(string(val)), nil
	case int:
		return Int(val), nil
	case int8:
		return Int(val), nil
	case int16:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint8:
		return Int(val), nil
	case uint16:
		return Int(val), nil
	case uint32:
		return Int(val), nil
	case uint:
		if uint64(val) > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", val)
		}
		return Int(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", val)
		}
		return Int(val), nil
	case bool:
		if val {
			return Int(1), nil
		}
		return Int(0), nil
	case json.Number:
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("floats are forbidden: %s", val.String())
		}
		return Int(n), nil
	case float64:
		return intFromFloat(val)
	case float32:
		return intFromFloat(float64(val))
	default:
		return nil, fmt.Errorf("unsupported value type: %T", v)
	}
}

func intFromFloat(f float64) (Value, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || f > math.MaxInt64 || f < math.MinInt64 {
		return nil, fmt.Errorf("floats are forbidden: %v", f)
	}
	return Int(int64(f)), nil
}

// ToParam converts a Value to the Go type bound as a SQL parameter.
func ToParam(v Value) any {
	switch val := v.(type) {
	case Text:
		return string(val)
	case Int:
		return int64(val)
	default:
		return nil
	}
}
