package diff

import (
	"fmt"
	"math"

	"github.com/teranos/crmsync/errors"
)

// ErrSchema is wrapped by every validation failure.
var ErrSchema = errors.New("schema violation")

// ScalarType narrows a scalar field.
type ScalarType uint8

const (
	TypeString ScalarType = iota + 1
	TypeInt
	TypeFloat
	TypeBool
)

func (t ScalarType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	}
	return "unknown"
}

// Field describes one field of an object, or the element of a list when
// Name is empty.
type Field struct {
	Name   string
	Kind   Kind
	Type   ScalarType // KindScalar only
	Elem   *Field     // KindList only
	Schema *Schema    // KindObject only
}

// Schema is the ordered field set of one object shape.
type Schema struct {
	name   string
	fields []Field
	index  map[string]int
}

// NewSchema builds a schema. Field order is the order diffs are emitted in.
// Duplicate or malformed fields panic: schemas are package-level
// declarations and a bad one is a programming error.
func NewSchema(name string, fields ...Field) *Schema {
	s := &Schema{name: name, fields: fields, index: make(map[string]int, len(fields))}
	for i, f := range fields {
		if f.Name == "" {
			panic(fmt.Sprintf("diff: schema %s: field %d has no name", name, i))
		}
		if _, dup := s.index[f.Name]; dup {
			panic(fmt.Sprintf("diff: schema %s: duplicate field %q", name, f.Name))
		}
		checkField(name, f)
		s.index[f.Name] = i
	}
	return s
}

func checkField(schema string, f Field) {
	switch f.Kind {
	case KindScalar:
		if f.Type == 0 {
			panic(fmt.Sprintf("diff: schema %s: scalar %q has no type", schema, f.Name))
		}
	case KindList:
		if f.Elem == nil {
			panic(fmt.Sprintf("diff: schema %s: list %q has no element", schema, f.Name))
		}
		checkField(schema, *f.Elem)
	case KindObject:
		if f.Schema == nil {
			panic(fmt.Sprintf("diff: schema %s: object %q has no schema", schema, f.Name))
		}
	default:
		panic(fmt.Sprintf("diff: schema %s: field %q has kind %s", schema, f.Name, f.Kind))
	}
}

// Name returns the schema name, used in error messages.
func (s *Schema) Name() string { return s.name }

// Fields returns the fields in declaration order.
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// Field looks up a field by name.
func (s *Schema) Field(name string) (Field, bool) {
	i, ok := s.index[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// Str declares a string field.
func Str(name string) Field { return Field{Name: name, Kind: KindScalar, Type: TypeString} }

// Integer declares an int64 field.
func Integer(name string) Field { return Field{Name: name, Kind: KindScalar, Type: TypeInt} }

// Number declares a float64 field.
func Number(name string) Field { return Field{Name: name, Kind: KindScalar, Type: TypeFloat} }

// Flag declares a bool field.
func Flag(name string) Field { return Field{Name: name, Kind: KindScalar, Type: TypeBool} }

// ListOf declares a list field whose elements are described by elem
// (elem's name is ignored).
func ListOf(name string, elem Field) Field {
	elem.Name = ""
	return Field{Name: name, Kind: KindList, Elem: &elem}
}

// ObjectOf declares a nested object field.
func ObjectOf(name string, s *Schema) Field {
	return Field{Name: name, Kind: KindObject, Schema: s}
}

// Elem describes an anonymous list element of the given shape.
func Elem(f Field) Field {
	f.Name = ""
	return f
}

// root describes a whole entity value as an object field.
func (s *Schema) root() Field {
	return Field{Kind: KindObject, Schema: s}
}

// Validate checks v against the schema and returns the value with numeric
// scalars coerced to the declared type (JSON integers in float fields).
func (s *Schema) Validate(v Value) (Value, error) {
	return conform(s.root(), v, "")
}

func conform(f Field, v Value, path string) (Value, error) {
	where := path
	if where == "" {
		where = "/"
	}
	if v.kind == KindAbsent {
		return v, nil
	}
	if v.kind != f.Kind {
		return Value{}, errors.Wrapf(ErrSchema, "%s: expected %s, got %s", where, f.Kind, v.kind)
	}

	switch f.Kind {
	case KindScalar:
		return conformScalar(f.Type, v, where)

	case KindList:
		items := make([]Value, len(v.list))
		for i, it := range v.list {
			if it.kind == KindAbsent {
				return Value{}, errors.Wrapf(ErrSchema, "%s/%d: null list element", path, i)
			}
			c, err := conform(*f.Elem, it, fmt.Sprintf("%s/%d", path, i))
			if err != nil {
				return Value{}, err
			}
			items[i] = c
		}
		return Value{kind: KindList, list: items}, nil

	case KindObject:
		fields := make(map[string]Value, len(v.fields))
		for name, fv := range v.fields {
			sub, ok := f.Schema.Field(name)
			if !ok {
				return Value{}, errors.Wrapf(ErrSchema, "%s: unknown field %q in %s", where, name, f.Schema.name)
			}
			c, err := conform(sub, fv, path+"/"+escape(name))
			if err != nil {
				return Value{}, err
			}
			if c.kind != KindAbsent {
				fields[name] = c
			}
		}
		return Value{kind: KindObject, fields: fields}, nil
	}
	return Value{}, errors.Wrapf(ErrSchema, "%s: unsupported kind %s", where, f.Kind)
}

func conformScalar(t ScalarType, v Value, where string) (Value, error) {
	switch t {
	case TypeString:
		if _, ok := v.scalar.(string); ok {
			return v, nil
		}
	case TypeBool:
		if _, ok := v.scalar.(bool); ok {
			return v, nil
		}
	case TypeInt:
		switch n := v.scalar.(type) {
		case int64:
			return v, nil
		case float64:
			if n != math.Trunc(n) || math.IsInf(n, 0) {
				break
			}
			if n < math.MinInt64 || n >= -math.MinInt64 {
				return Value{}, errors.Wrapf(ErrSchema, "%s: %g overflows int64", where, n)
			}
			return Int(int64(n)), nil
		}
	case TypeFloat:
		switch n := v.scalar.(type) {
		case float64:
			return v, nil
		case int64:
			return Float(float64(n)), nil
		}
	}
	return Value{}, errors.Wrapf(ErrSchema, "%s: expected %s, got %T", where, t, v.scalar)
}
