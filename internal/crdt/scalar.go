package crdt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode/utf16"
)

// Scalar is a sealed interface for the payload values carried by CRDT
// operations: register contents, set elements, sequence elements.
// Only String, Int, Bool, Array, and Object implement it.
// No floats - merge results must be bit-identical on every replica, and
// float arithmetic is not.
// No null - an unset field is represented by the absence of state, never
// by a null payload.
type Scalar interface {
	scalar() // sealed
}

// String is a string payload.
type String string

func (String) scalar() {}

// Int is an integer payload. Always int64, never float64.
type Int int64

func (Int) scalar() {}

// Bool is a boolean payload.
type Bool bool

func (Bool) scalar() {}

// Array is an ordered list of Scalar payloads.
type Array []Scalar

func (Array) scalar() {}

// Object is a map of string keys to Scalar payloads.
// Use SortedKeys() for deterministic iteration.
type Object map[string]Scalar

func (Object) scalar() {}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
// Go's sort.Strings compares UTF-8 bytes, which produces a DIFFERENT order
// for strings containing supplementary-plane characters.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

// compareKeysRFC8785 compares strings by UTF-16 code units as required by
// RFC 8785 canonical JSON. Uses unicode/utf16.Encode for correct surrogate
// handling.
func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	minLen := len(a16)
	if len(b16) < minLen {
		minLen = len(b16)
	}

	for i := 0; i < minLen; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}

	if len(a16) < len(b16) {
		return -1
	}
	if len(a16) > len(b16) {
		return 1
	}
	return 0
}

// Key returns the canonical JSON encoding of s as a string, suitable for
// use as a map key. Two scalars are the same element iff their keys match.
func Key(s Scalar) (string, error) {
	b, err := MarshalCanonical(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// MustKey is like Key but panics on error. Use only when the scalar is
// known to be valid (e.g. it was decoded from canonical form).
func MustKey(s Scalar) string {
	k, err := Key(s)
	if err != nil {
		panic(err)
	}
	return k
}

// Equal reports whether two scalars have identical canonical encodings.
func Equal(a, b Scalar) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ka, err := Key(a)
	if err != nil {
		return false
	}
	kb, err := Key(b)
	if err != nil {
		return false
	}
	return ka == kb
}

// UnmarshalScalar deserializes JSON into a Scalar with strict validation.
// Rejects floats and null - only string/int/bool/array/object are allowed.
func UnmarshalScalar(data []byte) (Scalar, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}

	return toScalar(raw)
}

// toScalar recursively converts a decoded JSON value to a Scalar.
// Rejects null and floats.
func toScalar(v any) (Scalar, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("null is forbidden in CRDT payloads: only string, int, bool, array, object allowed")
	case Scalar:
		return val, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case json.Number:
		s := string(val)
		if strings.ContainsAny(s, ".eE") {
			return nil, fmt.Errorf("floats are forbidden in CRDT payloads: %s", val)
		}
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("number out of int64 range: %s", val)
		}
		return Int(n), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			sc, err := toScalar(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = sc
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			sc, err := toScalar(elem)
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
			obj[k] = sc
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type for CRDT payload: %T", v)
	}
}

// MarshalJSON implements json.Marshaler for Object with RFC 8785 key order.
// This is plain JSON (HTML escaping may apply); use MarshalCanonical for
// anything that is hashed or compared across replicas.
func (obj Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	keys := obj.SortedKeys()
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := MarshalScalar(obj[k])
		if err != nil {
			return nil, fmt.Errorf("marshal value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler for Object.
func (obj *Object) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*obj = make(Object, len(raw))
	for k, v := range raw {
		val, err := UnmarshalScalar(v)
		if err != nil {
			return fmt.Errorf("object key %q: %w", k, err)
		}
		(*obj)[k] = val
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler for Array.
func (arr *Array) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*arr = make(Array, len(raw))
	for i, v := range raw {
		val, err := UnmarshalScalar(v)
		if err != nil {
			return fmt.Errorf("array index %d: %w", i, err)
		}
		(*arr)[i] = val
	}
	return nil
}

// MarshalScalar marshals a Scalar to JSON bytes.
func MarshalScalar(s Scalar) ([]byte, error) {
	switch val := s.(type) {
	case String:
		return json.Marshal(string(val))
	case Int:
		return json.Marshal(int64(val))
	case Bool:
		return json.Marshal(bool(val))
	case Array:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			elemBytes, err := MarshalScalar(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			buf.Write(elemBytes)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case Object:
		return val.MarshalJSON()
	default:
		return nil, fmt.Errorf("unknown Scalar type: %T", s)
	}
}
