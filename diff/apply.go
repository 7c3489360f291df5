package diff

import (
	"strconv"

	"github.com/teranos/crmsync/errors"
)

// ErrPath is wrapped when a change addresses something that does not exist.
var ErrPath = errors.New("invalid change path")

// Apply returns before with changes applied in order. before is never
// modified. Values carried by changes are validated against the schema,
// so a change decoded from the wire cannot smuggle in an undeclared field.
func Apply(s *Schema, before Value, changes []Change) (Value, error) {
	cur := before
	if cur.kind == KindAbsent {
		cur = Value{kind: KindObject, fields: map[string]Value{}}
	}
	for i, c := range changes {
		segs := split(c.Path)
		if len(segs) == 0 {
			return Value{}, errors.Wrapf(ErrPath, "change %d: empty path", i)
		}
		next, err := applyAt(s.root(), cur, segs, c)
		if err != nil {
			return Value{}, errors.Wrapf(err, "change %d (%s %s)", i, c.Op, c.Path)
		}
		cur = next
	}
	return cur, nil
}

func applyAt(f Field, v Value, segs []string, c Change) (Value, error) {
	switch f.Kind {
	case KindObject:
		return applyObject(f.Schema, v, segs, c)
	case KindList:
		return applyList(*f.Elem, v, segs, c)
	}
	return Value{}, errors.Wrapf(ErrPath, "cannot descend into %s at %q", f.Kind, segs[0])
}

func applyObject(s *Schema, v Value, segs []string, c Change) (Value, error) {
	if v.kind != KindObject {
		return Value{}, errors.Wrapf(ErrPath, "expected object for %q", segs[0])
	}
	name := segs[0]
	f, ok := s.Field(name)
	if !ok {
		return Value{}, errors.Wrapf(ErrSchema, "unknown field %q in %s", name, s.name)
	}
	cur, exists := v.fields[name]

	if len(segs) > 1 {
		if !exists {
			return Value{}, errors.Wrapf(ErrPath, "field %q is not set", name)
		}
		child, err := applyAt(f, cur, segs[1:], c)
		if err != nil {
			return Value{}, err
		}
		return v.With(name, child), nil
	}

	switch c.Op {
	case OpAdd, OpReplace:
		if c.Op == OpReplace && !exists {
			return Value{}, errors.Wrapf(ErrPath, "replace of unset field %q", name)
		}
		nv, err := conform(f, c.Value.Clone(), "/"+escape(name))
		if err != nil {
			return Value{}, err
		}
		return v.With(name, nv), nil
	case OpRemove:
		if !exists {
			return Value{}, errors.Wrapf(ErrPath, "remove of unset field %q", name)
		}
		return v.With(name, Value{}), nil
	}
	return Value{}, errors.Wrapf(ErrPath, "unknown op %q", c.Op)
}

func applyList(elem Field, v Value, segs []string, c Change) (Value, error) {
	if v.kind != KindList {
		return Value{}, errors.Wrapf(ErrPath, "expected list at index %q", segs[0])
	}
	idx, err := strconv.Atoi(segs[0])
	if err != nil || idx < 0 {
		return Value{}, errors.Wrapf(ErrPath, "bad list index %q", segs[0])
	}
	n := len(v.list)

	if len(segs) > 1 {
		if idx >= n {
			return Value{}, errors.Wrapf(ErrPath, "index %d out of range (len %d)", idx, n)
		}
		child, err := applyAt(elem, v.list[idx], segs[1:], c)
		if err != nil {
			return Value{}, err
		}
		items := append([]Value(nil), v.list...)
		items[idx] = child
		return Value{kind: KindList, list: items}, nil
	}

	switch c.Op {
	case OpAdd:
		if idx > n {
			return Value{}, errors.Wrapf(ErrPath, "add at %d beyond end (len %d)", idx, n)
		}
		nv, err := conform(elem, c.Value.Clone(), "/"+segs[0])
		if err != nil {
			return Value{}, err
		}
		if nv.kind == KindAbsent {
			return Value{}, errors.Wrapf(ErrSchema, "null list element at %d", idx)
		}
		items := make([]Value, 0, n+1)
		items = append(items, v.list[:idx]...)
		items = append(items, nv)
		items = append(items, v.list[idx:]...)
		return Value{kind: KindList, list: items}, nil
	case OpReplace:
		if idx >= n {
			return Value{}, errors.Wrapf(ErrPath, "replace at %d out of range (len %d)", idx, n)
		}
		nv, err := conform(elem, c.Value.Clone(), "/"+segs[0])
		if err != nil {
			return Value{}, err
		}
		if nv.kind == KindAbsent {
			return Value{}, errors.Wrapf(ErrSchema, "null list element at %d", idx)
		}
		items := append([]Value(nil), v.list...)
		items[idx] = nv
		return Value{kind: KindList, list: items}, nil
	case OpRemove:
		if idx >= n {
			return Value{}, errors.Wrapf(ErrPath, "remove at %d out of range (len %d)", idx, n)
		}
		items := make([]Value, 0, n-1)
		items = append(items, v.list[:idx]...)
		items = append(items, v.list[idx+1:]...)
		return Value{kind: KindList, list: items}, nil
	}
	return Value{}, errors.Wrapf(ErrPath, "unknown op %q", c.Op)
}
