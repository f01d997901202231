package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

// Answer tags held by binary categories and confirmation gates.
const (
	Yes = "yes"
	No  = "no"
)

// ValueKind is the shape of a selection value.
type ValueKind int

const (
	// ValueNull means no assertion has been made.
	ValueNull ValueKind = iota
	// ValueScalar holds a yes/no tag or a single item id.
	ValueScalar
	// ValueList holds a set of item ids.
	ValueList
)

func (k ValueKind) String() string {
	switch k {
	case ValueNull:
		return "null"
	case ValueScalar:
		return "scalar"
	case ValueList:
		return "list"
	default:
		return "unknown"
	}
}

// Value is the content of one selection slot.
type Value struct {
	Kind   ValueKind
	Scalar string
	List   []string
}

// Null returns the empty value.
func Null() Value { return Value{} }

// Scalar returns a scalar value holding s.
func Scalar(s string) Value { return Value{Kind: ValueScalar, Scalar: s} }

// List returns a list value holding a copy of ids.
func List(ids ...string) Value {
	return Value{Kind: ValueList, List: append([]string{}, ids...)}
}

// Answer returns the yes/no tag for b.
func Answer(b bool) Value {
	if b {
		return Scalar(Yes)
	}
	return Scalar(No)
}

// IsNull reports whether no assertion has been made.
func (v Value) IsNull() bool { return v.Kind == ValueNull }

// IsEmpty reports whether v is null, an empty scalar, or an empty list.
func (v Value) IsEmpty() bool {
	switch v.Kind {
	case ValueScalar:
		return v.Scalar == ""
	case ValueList:
		return len(v.List) == 0
	default:
		return true
	}
}

// IsYes reports whether v is the "yes" tag.
func (v Value) IsYes() bool { return v.Kind == ValueScalar && v.Scalar == Yes }

// IsNo reports whether v is the "no" tag.
func (v Value) IsNo() bool { return v.Kind == ValueScalar && v.Scalar == No }

// Contains reports whether id is the scalar or a member of the list.
func (v Value) Contains(id string) bool {
	switch v.Kind {
	case ValueScalar:
		return v.Scalar == id
	case ValueList:
		return slices.Contains(v.List, id)
	default:
		return false
	}
}

// IDs returns the item ids referenced by v.
func (v Value) IDs() []string {
	switch v.Kind {
	case ValueScalar:
		if v.Scalar == "" {
			return nil
		}
		return []string{v.Scalar}
	case ValueList:
		return append([]string{}, v.List...)
	default:
		return nil
	}
}

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	if v.Kind == ValueList {
		return List(v.List...)
	}
	return v
}

// Equal reports whether v and o hold the same content. Lists compare as sets.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case ValueScalar:
		return v.Scalar == o.Scalar
	case ValueList:
		if len(v.List) != len(o.List) {
			return false
		}
		a, b := slices.Clone(v.List), slices.Clone(o.List)
		slices.Sort(a)
		slices.Sort(b)
		return slices.Equal(a, b)
	default:
		return true
	}
}

// Any returns v as a plain Go value (nil, string or []any) for expression
// evaluation.
func (v Value) Any() any {
	switch v.Kind {
	case ValueScalar:
		return v.Scalar
	case ValueList:
		out := make([]any, len(v.List))
		for i, id := range v.List {
			out[i] = id
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON encodes v as null, a string, or an array of strings.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case ValueScalar:
		return json.Marshal(v.Scalar)
	case ValueList:
		if v.List == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.List)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes null, a string, or an array of strings.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*v = Null()
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("value: %w", err)
		}
		*v = Scalar(s)
		return nil
	case data[0] == '[':
		var ids []string
		if err := json.Unmarshal(data, &ids); err != nil {
			return fmt.Errorf("value: %w", err)
		}
		*v = List(ids...)
		return nil
	default:
		return fmt.Errorf("value: unsupported JSON %s", string(data))
	}
}
