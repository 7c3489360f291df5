// Package diff computes and applies structural changes between two
// snapshots of an entity.
//
// Entity values are represented as a tagged variant (Value): a scalar, an
// ordered list or an object with named fields. Every entity type publishes
// a Schema describing its fields, and both Diff and Apply are driven by that
// schema rather than by reflection, so a change can only ever name a field
// the entity actually has and carry a value of the right kind.
//
// The core invariant is
//
//	Apply(s, before, Diff(s, before, after)) == after
//
// for any two values valid under s.
package diff

import (
	"math"
	"sort"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	// KindAbsent is the zero Value: the field is not set.
	KindAbsent Kind = iota
	KindScalar
	KindList
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindScalar:
		return "scalar"
	case KindList:
		return "list"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is an immutable-by-convention tagged variant. Constructors copy
// their inputs and accessors return copies, so a Value can be shared
// between a store's history and its current state.
type Value struct {
	kind   Kind
	scalar any // string, int64, float64, bool
	list   []Value
	fields map[string]Value
}

// String returns a string scalar.
func String(s string) Value { return Value{kind: KindScalar, scalar: s} }

// Int returns an integer scalar.
func Int(i int64) Value { return Value{kind: KindScalar, scalar: i} }

// Float returns a floating point scalar. NaN becomes absent.
func Float(f float64) Value {
	if math.IsNaN(f) {
		return Value{}
	}
	return Value{kind: KindScalar, scalar: f}
}

// Bool returns a boolean scalar.
func Bool(b bool) Value { return Value{kind: KindScalar, scalar: b} }

// List returns a list holding copies of items.
func List(items ...Value) Value {
	cp := make([]Value, len(items))
	for i, it := range items {
		cp[i] = it.Clone()
	}
	return Value{kind: KindList, list: cp}
}

// Object returns an object holding copies of fields. Absent entries are
// dropped so "unset" has exactly one representation.
func Object(fields map[string]Value) Value {
	cp := make(map[string]Value, len(fields))
	for k, v := range fields {
		if v.kind == KindAbsent {
			continue
		}
		cp[k] = v.Clone()
	}
	return Value{kind: KindObject, fields: cp}
}

// OptString returns String(*s), or an absent Value when s is nil.
func OptString(s *string) Value {
	if s == nil {
		return Value{}
	}
	return String(*s)
}

// NonEmpty returns String(s), or an absent Value for "".
func NonEmpty(s string) Value {
	if s == "" {
		return Value{}
	}
	return String(s)
}

// Strings returns a list of string scalars.
func Strings(ss []string) Value {
	items := make([]Value, len(ss))
	for i, s := range ss {
		items[i] = String(s)
	}
	return Value{kind: KindList, list: items}
}

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsAbsent reports whether v is the zero Value.
func (v Value) IsAbsent() bool { return v.kind == KindAbsent }

// Scalar returns the raw scalar and whether v is a scalar.
func (v Value) Scalar() (any, bool) {
	if v.kind != KindScalar {
		return nil, false
	}
	return v.scalar, true
}

// Len returns the number of list items or object fields.
func (v Value) Len() int {
	switch v.kind {
	case KindList:
		return len(v.list)
	case KindObject:
		return len(v.fields)
	}
	return 0
}

// Items returns a copy of the list items. Nil for non-lists.
func (v Value) Items() []Value {
	if v.kind != KindList {
		return nil
	}
	out := make([]Value, len(v.list))
	for i, it := range v.list {
		out[i] = it.Clone()
	}
	return out
}

// Index returns the i-th list item, or absent when out of range.
func (v Value) Index(i int) Value {
	if v.kind != KindList || i < 0 || i >= len(v.list) {
		return Value{}
	}
	return v.list[i].Clone()
}

// Get returns the named object field, or absent.
func (v Value) Get(name string) Value {
	if v.kind != KindObject {
		return Value{}
	}
	f, ok := v.fields[name]
	if !ok {
		return Value{}
	}
	return f.Clone()
}

// Has reports whether the object field is set.
func (v Value) Has(name string) bool {
	if v.kind != KindObject {
		return false
	}
	_, ok := v.fields[name]
	return ok
}

// Keys returns the object's field names in sorted order.
func (v Value) Keys() []string {
	if v.kind != KindObject {
		return nil
	}
	keys := make([]string, 0, len(v.fields))
	for k := range v.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Str returns the string scalar, or "" when v is not a string.
func (v Value) Str() string {
	s, _ := v.scalar.(string)
	return s
}

// StrPtr returns a pointer to the string scalar, or nil when absent.
func (v Value) StrPtr() *string {
	s, ok := v.scalar.(string)
	if !ok {
		return nil
	}
	return &s
}

// Int returns the integer scalar, or 0.
func (v Value) Int() int64 {
	switch n := v.scalar.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

// Float returns the numeric scalar as float64, or 0.
func (v Value) Float() float64 {
	switch n := v.scalar.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}

// Bool returns the boolean scalar, or false.
func (v Value) Bool() bool {
	b, _ := v.scalar.(bool)
	return b
}

// StringList returns the string scalars of a list, skipping other items.
func (v Value) StringList() []string {
	if v.kind != KindList {
		return nil
	}
	out := make([]string, 0, len(v.list))
	for _, it := range v.list {
		if s, ok := it.scalar.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	switch v.kind {
	case KindList:
		cp := make([]Value, len(v.list))
		for i, it := range v.list {
			cp[i] = it.Clone()
		}
		return Value{kind: KindList, list: cp}
	case KindObject:
		cp := make(map[string]Value, len(v.fields))
		for k, f := range v.fields {
			cp[k] = f.Clone()
		}
		return Value{kind: KindObject, fields: cp}
	}
	return v
}

// Equal reports deep equality. Scalars compare by type and value.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindAbsent:
		return true
	case KindScalar:
		return v.scalar == o.scalar
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.fields) != len(o.fields) {
			return false
		}
		for k, f := range v.fields {
			of, ok := o.fields[k]
			if !ok || !f.Equal(of) {
				return false
			}
		}
		return true
	}
	return false
}

// With returns a copy of an object with name set to f, or removed when f
// is absent. v itself is not modified. Non-objects are treated as empty.
func (v Value) With(name string, f Value) Value {
	cp := make(map[string]Value, len(v.fields)+1)
	for k, x := range v.fields {
		cp[k] = x
	}
	if f.kind == KindAbsent {
		delete(cp, name)
	} else {
		cp[name] = f
	}
	return Value{kind: KindObject, fields: cp}
}
