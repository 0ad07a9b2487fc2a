package model

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// VariableType identifies the engine-side type of a process variable.
type VariableType string

// Variable types understood by the remote engine's typed variable map.
const (
	TypeString  VariableType = "String"
	TypeInteger VariableType = "Integer"
	TypeDouble  VariableType = "Double"
	TypeBoolean VariableType = "Boolean"
	TypeDate    VariableType = "Date"
	TypeJSON    VariableType = "Json"
)

// Variable is a tagged-union process variable value. The zero Variable is a
// null Json value. Construct variables through the typed constructors or
// VariableFromAny; the wire representation is always `{"value": ..., "type": ...}`.
type Variable struct {
	typ VariableType
	str string
	i   int64
	f   float64
	b   bool
	t   time.Time
	raw json.RawMessage
}

// String returns a String-typed variable.
func String(v string) Variable { return Variable{typ: TypeString, str: v} }

// Integer returns an Integer-typed variable.
func Integer(v int64) Variable { return Variable{typ: TypeInteger, i: v} }

// Double returns a Double-typed variable.
func Double(v float64) Variable { return Variable{typ: TypeDouble, f: v} }

// Boolean returns a Boolean-typed variable.
func Boolean(v bool) Variable { return Variable{typ: TypeBoolean, b: v} }

// Date returns a Date-typed variable. The wire value is ISO-8601 in UTC.
func Date(v time.Time) Variable { return Variable{typ: TypeDate, t: v.UTC()} }

// JSONValue returns a Json-typed variable holding the JSON serialization of v.
func JSONValue(v any) (Variable, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Variable{}, fmt.Errorf("variable: marshal json value: %w", err)
	}
	return Variable{typ: TypeJSON, raw: raw}, nil
}

// VariableFromAny builds a Variable from a dynamically typed value using the
// engine's inference rules: strings map to String, integral numbers to
// Integer, other numbers to Double, booleans to Boolean, time.Time to Date,
// and anything else to a JSON-serialized Json variable.
func VariableFromAny(v any) Variable {
	switch val := v.(type) {
	case Variable:
		return val
	case string:
		return String(val)
	case bool:
		return Boolean(val)
	case int:
		return Integer(int64(val))
	case int32:
		return Integer(int64(val))
	case int64:
		return Integer(val)
	case float32:
		return VariableFromAny(float64(val))
	case float64:
		if val == math.Trunc(val) && !math.IsInf(val, 0) {
			return Integer(int64(val))
		}
		return Double(val)
	case time.Time:
		return Date(val)
	case nil:
		return Variable{typ: TypeJSON, raw: json.RawMessage("null")}
	default:
		variable, err := JSONValue(v)
		if err != nil {
			// Unmarshalable values degrade to their string rendering.
			return String(fmt.Sprint(v))
		}
		return variable
	}
}

// Type returns the variable's engine type tag.
func (v Variable) Type() VariableType {
	if v.typ == "" {
		return TypeJSON
	}
	return v.typ
}

// StringVal returns the string payload. The second result is false when the
// variable is not String-typed.
func (v Variable) StringVal() (string, bool) { return v.str, v.typ == TypeString }

// IntVal returns the integer payload.
func (v Variable) IntVal() (int64, bool) { return v.i, v.typ == TypeInteger }

// DoubleVal returns the double payload.
func (v Variable) DoubleVal() (float64, bool) { return v.f, v.typ == TypeDouble }

// BoolVal returns the boolean payload.
func (v Variable) BoolVal() (bool, bool) { return v.b, v.typ == TypeBoolean }

// DateVal returns the date payload.
func (v Variable) DateVal() (time.Time, bool) { return v.t, v.typ == TypeDate }

// JSONVal returns the raw JSON payload of a Json-typed variable.
func (v Variable) JSONVal() (json.RawMessage, bool) {
	return v.raw, v.Type() == TypeJSON
}

// AsAny returns the variable's payload as a dynamically typed value. Json
// variables are decoded; decode failures yield the serialized string.
func (v Variable) AsAny() any {
	switch v.Type() {
	case TypeString:
		return v.str
	case TypeInteger:
		return v.i
	case TypeDouble:
		return v.f
	case TypeBoolean:
		return v.b
	case TypeDate:
		return v.t
	default:
		if len(v.raw) == 0 {
			return nil
		}
		var decoded any
		if err := json.Unmarshal(v.raw, &decoded); err != nil {
			return string(v.raw)
		}
		return decoded
	}
}

// Equal reports whether two variables carry the same type and payload.
func (v Variable) Equal(o Variable) bool {
	if v.Type() != o.Type() {
		return false
	}
	switch v.Type() {
	case TypeString:
		return v.str == o.str
	case TypeInteger:
		return v.i == o.i
	case TypeDouble:
		return v.f == o.f
	case TypeBoolean:
		return v.b == o.b
	case TypeDate:
		return v.t.Equal(o.t)
	default:
		return string(v.raw) == string(o.raw)
	}
}

// wireVariable is the engine wire format for a single variable.
type wireVariable struct {
	Value json.RawMessage `json:"value"`
	Type  VariableType    `json:"type,omitempty"`
}

// MarshalJSON encodes the variable in the engine's `{value, type}` format.
// Date values are ISO-8601 strings; Json values are the serialized string.
func (v Variable) MarshalJSON() ([]byte, error) {
	var value any
	switch v.Type() {
	case TypeString:
		value = v.str
	case TypeInteger:
		value = v.i
	case TypeDouble:
		value = v.f
	case TypeBoolean:
		value = v.b
	case TypeDate:
		value = v.t.UTC().Format(time.RFC3339)
	default:
		raw := v.raw
		if len(raw) == 0 {
			raw = json.RawMessage("null")
		}
		value = string(raw)
	}

	rawValue, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireVariable{Value: rawValue, Type: v.Type()})
}

// UnmarshalJSON decodes a variable from the engine's `{value, type}` format.
// A missing type tag falls back to inference from the JSON value.
func (v *Variable) UnmarshalJSON(data []byte) error {
	var wire wireVariable
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("variable: decode wire form: %w", err)
	}

	switch wire.Type {
	case TypeString:
		var s string
		if err := json.Unmarshal(wire.Value, &s); err != nil {
			return fmt.Errorf("variable: decode String value: %w", err)
		}
		*v = String(s)
	case TypeInteger, "Long", "Short":
		var i int64
		if err := json.Unmarshal(wire.Value, &i); err != nil {
			return fmt.Errorf("variable: decode Integer value: %w", err)
		}
		*v = Integer(i)
	case TypeDouble:
		var f float64
		if err := json.Unmarshal(wire.Value, &f); err != nil {
			return fmt.Errorf("variable: decode Double value: %w", err)
		}
		*v = Double(f)
	case TypeBoolean:
		var b bool
		if err := json.Unmarshal(wire.Value, &b); err != nil {
			return fmt.Errorf("variable: decode Boolean value: %w", err)
		}
		*v = Boolean(b)
	case TypeDate:
		var s string
		if err := json.Unmarshal(wire.Value, &s); err != nil {
			return fmt.Errorf("variable: decode Date value: %w", err)
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			// Some engines emit dates without a zone designator.
			t, err = time.Parse("2006-01-02T15:04:05.000-0700", s)
			if err != nil {
				return fmt.Errorf("variable: parse Date value %q: %w", s, err)
			}
		}
		*v = Date(t)
	case TypeJSON:
		// Json values arrive as a serialized string; tolerate inline objects.
		var s string
		if err := json.Unmarshal(wire.Value, &s); err == nil {
			*v = Variable{typ: TypeJSON, raw: json.RawMessage(s)}
			return nil
		}
		*v = Variable{typ: TypeJSON, raw: append(json.RawMessage(nil), wire.Value...)}
	case "":
		var decoded any
		if err := json.Unmarshal(wire.Value, &decoded); err != nil {
			return fmt.Errorf("variable: decode untyped value: %w", err)
		}
		*v = VariableFromAny(decoded)
	default:
		// Unknown engine types are preserved opaquely as Json.
		*v = Variable{typ: TypeJSON, raw: append(json.RawMessage(nil), wire.Value...)}
	}
	return nil
}

// Variables is a named, typed bag of process variables keyed by variable name.
type Variables map[string]Variable

// VariablesFromAny builds Variables from a dynamically typed map, applying
// VariableFromAny inference to every value.
func VariablesFromAny(in map[string]any) Variables {
	if in == nil {
		return nil
	}
	vars := make(Variables, len(in))
	for k, v := range in {
		vars[k] = VariableFromAny(v)
	}
	return vars
}

// Merge returns a copy of vars with every key from patch overwriting the
// corresponding key. Keys absent from patch are preserved; vars itself is
// never mutated.
func (vars Variables) Merge(patch Variables) Variables {
	merged := make(Variables, len(vars)+len(patch))
	for k, v := range vars {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}

// Equal reports whether two variable bags are identical.
func (vars Variables) Equal(o Variables) bool {
	if len(vars) != len(o) {
		return false
	}
	for k, v := range vars {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}
