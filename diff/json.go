package diff

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/teranos/crmsync/errors"
)

// MarshalJSON encodes the value. Absent encodes as null, objects with
// sorted keys.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.raw())
}

func (v Value) raw() any {
	switch v.kind {
	case KindScalar:
		return v.scalar
	case KindList:
		out := make([]any, len(v.list))
		for i, it := range v.list {
			out[i] = it.raw()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.fields))
		for k, f := range v.fields {
			out[k] = f.raw()
		}
		return out
	}
	return nil
}

// UnmarshalJSON decodes without a schema: integral numbers become int64,
// others float64, null becomes absent. Use Parse to also validate.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return errors.Wrap(err, "decode value")
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("decode value: trailing data")
	}
	out, err := fromRaw(raw)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

func fromRaw(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Value{}, nil
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return Value{}, errors.Wrapf(err, "decode number %q", x.String())
		}
		return Float(f), nil
	case []any:
		items := make([]Value, len(x))
		for i, it := range x {
			v, err := fromRaw(it)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return Value{kind: KindList, list: items}, nil
	case map[string]any:
		fields := make(map[string]Value, len(x))
		for k, it := range x {
			v, err := fromRaw(it)
			if err != nil {
				return Value{}, err
			}
			if v.kind != KindAbsent {
				fields[k] = v
			}
		}
		return Value{kind: KindObject, fields: fields}, nil
	}
	return Value{}, errors.Newf("decode value: unsupported %T", raw)
}

// Parse decodes a JSON document and validates it against s. This is the
// transport boundary: payloads with unknown fields or wrong kinds never
// reach a store.
func Parse(s *Schema, data []byte) (Value, error) {
	var v Value
	if err := json.Unmarshal(data, &v); err != nil {
		return Value{}, errors.Wrapf(ErrSchema, "parse %s: %v", s.name, err)
	}
	if v.kind != KindObject {
		return Value{}, errors.Wrapf(ErrSchema, "parse %s: expected object, got %s", s.name, v.kind)
	}
	return s.Validate(v)
}
