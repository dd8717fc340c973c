package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Kind identifies which member of the Value union is populated.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindNumber
	KindBool
	KindMap
)

// Value is a constrained metadata value: string, number, boolean, or a nested
// map of the same.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	m    Fields
}

// Fields is a free-form metadata/context map.
type Fields map[string]Value

// String builds a string Value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number builds a numeric Value.
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// Bool builds a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Map builds a nested Value.
func Map(f Fields) Value { return Value{kind: KindMap, m: f} }

// Kind reports the populated member.
func (v Value) Kind() Kind { return v.kind }

// Str returns the string member.
func (v Value) Str() string { return v.str }

// Num returns the numeric member.
func (v Value) Num() float64 { return v.num }

// BoolValue returns the boolean member.
func (v Value) BoolValue() bool { return v.b }

// Fields returns the nested map member.
func (v Value) Fields() Fields { return v.m }

// IsValid reports whether the value carries data.
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// Text renders scalars as text; nested maps render as JSON.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindMap:
		data, _ := json.Marshal(v.m)
		return string(data)
	default:
		return ""
	}
}

// Interface converts the value back into plain Go types.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindMap:
		return v.m.Raw()
	default:
		return nil
	}
}

// ValueOf coerces a Go value into the union. Unsupported types report false.
func ValueOf(raw any) (Value, bool) {
	switch t := raw.(type) {
	case Value:
		return t, t.IsValid()
	case string:
		return String(t), true
	case bool:
		return Bool(t), true
	case float64:
		return Number(t), true
	case float32:
		return Number(float64(t)), true
	case int:
		return Number(float64(t)), true
	case int8:
		return Number(float64(t)), true
	case int16:
		return Number(float64(t)), true
	case int32:
		return Number(float64(t)), true
	case int64:
		return Number(float64(t)), true
	case uint:
		return Number(float64(t)), true
	case uint8:
		return Number(float64(t)), true
	case uint16:
		return Number(float64(t)), true
	case uint32:
		return Number(float64(t)), true
	case uint64:
		return Number(float64(t)), true
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return String(t.String()), true
		}
		return Number(n), true
	case fmt.Stringer:
		return String(t.String()), true
	case error:
		return String(t.Error()), true
	case Fields:
		return Map(t), true
	case map[string]any:
		return Map(FieldsFrom(t)), true
	case map[string]string:
		f := make(Fields, len(t))
		for k, s := range t {
			f[k] = String(s)
		}
		return Map(f), true
	default:
		return Value{}, false
	}
}

// FieldsFrom converts an untyped map, dropping values outside the union.
func FieldsFrom(raw map[string]any) Fields {
	if raw == nil {
		return Fields{}
	}
	out := make(Fields, len(raw))
	for k, v := range raw {
		if val, ok := ValueOf(v); ok {
			out[k] = val
		}
	}
	return out
}

// Raw converts the map back into plain Go types.
func (f Fields) Raw() map[string]any {
	out := make(map[string]any, len(f))
	for k, v := range f {
		out[k] = v.Interface()
	}
	return out
}

// Clone deep-copies the map.
func (f Fields) Clone() Fields {
	if f == nil {
		return Fields{}
	}
	out := make(Fields, len(f))
	for k, v := range f {
		if v.kind == KindMap {
			v = Map(v.m.Clone())
		}
		out[k] = v
	}
	return out
}

// Merge copies other into f, overwriting existing keys.
func (f Fields) Merge(other Fields) Fields {
	if f == nil {
		f = Fields{}
	}
	for k, v := range other {
		f[k] = v
	}
	return f
}

// Keys returns the sorted key set.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Float returns the numeric member for key when present.
func (f Fields) Float(key string) (float64, bool) {
	v, ok := f[key]
	if !ok || v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

// Text returns the textual rendering of key, or "" when absent.
func (f Fields) Text(key string) string {
	v, ok := f[key]
	if !ok {
		return ""
	}
	return v.Text()
}

// MarshalJSON encodes the populated member.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.m)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes any JSON scalar or object into the union.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = Value{}
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case '{':
		var f Fields
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		*v = Map(f)
	case '[':
		// Arrays are outside the union; keep them as their JSON text.
		*v = String(string(data))
	default:
		n, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("decode value %q: %w", data, err)
		}
		*v = Number(n)
	}
	return nil
}
