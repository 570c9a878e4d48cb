// Package value holds the closed set of shapes a database response can take.
package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Kind identifies the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindDictionary
	KindNumber
	KindString
	KindBool
)

// String returns the lower-case kind name.
func (k Kind) String() string {
	switch k {
	case KindDictionary:
		return "dictionary"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	default:
		return "null"
	}
}

// Value is a decoded response body. The zero Value is Null.
//
// Equality is deliberately weak: a Dictionary never equals anything, itself
// included, because nested JSON has no agreed structural equality here.
// Null equals Null and scalars compare by value.
type Value struct {
	kind Kind
	dict map[string]any
	num  int64
	str  string
	b    bool
}

// Null is the "no data at this path" value.
var Null = Value{}

// Dictionary wraps a decoded JSON object. A nil map becomes an empty one.
func Dictionary(m map[string]any) Value {
	if m == nil {
		m = map[string]any{}
	}
	return Value{kind: KindDictionary, dict: m}
}

// Number wraps an integer.
func Number(n int64) Value { return Value{kind: KindNumber, num: n} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Kind reports which variant v holds.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v carries no data.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Dict returns the mapping held by a Dictionary.
func (v Value) Dict() (map[string]any, bool) {
	if v.kind != KindDictionary {
		return nil, false
	}
	return v.dict, true
}

// Int returns the number held by v, if v is a Number.
func (v Value) Int() (int64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

// Str returns the string held by v, if v is a String.
func (v Value) Str() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// BoolValue returns the boolean held by v, if v is a Bool.
func (v Value) BoolValue() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// Field returns the entry under key when v is a Dictionary.
func (v Value) Field(key string) (any, bool) {
	if v.kind != KindDictionary {
		return nil, false
	}
	f, ok := v.dict[key]
	return f, ok
}

// Equal implements the equality law described on Value.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindNumber:
		return v.num == other.num
	case KindString:
		return v.str == other.str
	case KindBool:
		return v.b == other.b
	default:
		return false
	}
}

// Interface returns the plain Go representation (map, int64, string, bool or nil).
func (v Value) Interface() any {
	switch v.kind {
	case KindDictionary:
		return v.dict
	case KindNumber:
		return v.num
	case KindString:
		return v.str
	case KindBool:
		return v.b
	default:
		return nil
	}
}

// MarshalJSON encodes v as the JSON it was decoded from.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// String renders v for logs and debugging.
func (v Value) String() string {
	switch v.kind {
	case KindDictionary:
		data, err := json.Marshal(v.dict)
		if err != nil {
			return fmt.Sprintf("dictionary(%d keys)", len(v.dict))
		}
		return string(data)
	case KindNumber:
		return strconv.FormatInt(v.num, 10)
	case KindString:
		return strconv.Quote(v.str)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return "null"
	}
}

// Classify maps a generic decoded JSON value onto a Value. Rules are tried in
// order and the first match wins:
//
//  1. object  -> Dictionary
//  2. integer -> Number
//  3. boolean -> Bool
//  4. string  -> String
//  5. anything else (arrays, fractional numbers, nil) -> Null
//
// Numbers are accepted as json.Number, float64 or any Go integer type; a
// float is an integer only when it has no fractional part and fits in int64.
func Classify(raw any) Value {
	switch t := raw.(type) {
	case map[string]any:
		return Dictionary(t)
	}
	if n, ok := asInteger(raw); ok {
		return Number(n)
	}
	switch t := raw.(type) {
	case bool:
		return Bool(t)
	case string:
		return String(t)
	}
	return Null
}

func asInteger(raw any) (int64, bool) {
	switch t := raw.(type) {
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	case float64:
		if t != math.Trunc(t) || t < math.MinInt64 || t >= math.MaxInt64 {
			return 0, false
		}
		return int64(t), true
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	}
	return 0, false
}

// Decode parses a response body. An empty or whitespace-only body is Null;
// malformed JSON is an error.
func Decode(body []byte) (Value, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Null, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Null, fmt.Errorf("decode response body: %w", err)
	}
	if dec.More() {
		return Null, fmt.Errorf("decode response body: trailing data after JSON value")
	}
	return Classify(normalize(raw)), nil
}

// normalize turns json.Number leaves inside nested containers into int64 or
// float64 so Dictionary contents are plain Go values.
func normalize(raw any) any {
	switch t := raw.(type) {
	case map[string]any:
		for k, v := range t {
			t[k] = normalize(v)
		}
		return t
	case []any:
		for i, v := range t {
			t[i] = normalize(v)
		}
		return t
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	}
	return raw
}
