package store

import (
	"encoding/json"

	"github.com/teranos/crmsync/diff"
	"github.com/teranos/crmsync/errors"
)

// Codec binds a Go entity type to its schema. Encode and Decode are the
// only place an entity crosses between typed Go values and diff.Value, so
// every entity gets a hand-written, schema-checked conversion.
type Codec[T any] struct {
	// Type names the entity type; it is also the sync channel name.
	Type   string
	Schema *diff.Schema
	Encode func(T) diff.Value
	Decode func(diff.Value) (T, error)
	ID     func(T) string
	// WithID returns the entity with its id replaced. Optional; used to
	// stamp placeholder ids on locally created entities.
	WithID func(T, string) T
}

// Rule is a business side effect run inside Update before the diff is
// taken. It receives the value before and after the caller's updater and
// returns the value to commit.
type Rule[T any] func(before, after T) T

func (c Codec[T]) validate() error {
	if c.Type == "" || c.Schema == nil || c.Encode == nil || c.Decode == nil || c.ID == nil {
		return errors.AssertionFailedf("codec %q is incomplete", c.Type)
	}
	return nil
}

// encode converts and validates, coercing numeric kinds.
func (c Codec[T]) encode(v T) (diff.Value, error) {
	out, err := c.Schema.Validate(c.Encode(v))
	if err != nil {
		return diff.Value{}, errors.Wrapf(err, "encode %s", c.Type)
	}
	return out, nil
}

// decode returns a fresh T for v. Absent decodes to the zero value.
func (c Codec[T]) decode(v diff.Value) (T, error) {
	var zero T
	if v.IsAbsent() {
		return zero, nil
	}
	out, err := c.Decode(v)
	if err != nil {
		return zero, errors.Wrapf(err, "decode %s", c.Type)
	}
	return out, nil
}

// canonical returns v as Encode renders what Decode reads from it. Store
// bases are always canonical, so a diff against them only names fields
// an update actually changed.
func (c Codec[T]) canonical(v diff.Value) (diff.Value, error) {
	if v.IsAbsent() {
		return v, nil
	}
	item, err := c.decode(v)
	if err != nil {
		return diff.Value{}, err
	}
	return c.encode(item)
}

// parse validates a wire payload and returns it in canonical form.
func (c Codec[T]) parse(data []byte) (diff.Value, error) {
	v, err := diff.Parse(c.Schema, data)
	if err != nil {
		return diff.Value{}, err
	}
	return c.canonical(v)
}

// DecodeJSON parses and validates a wire payload into T.
func (c Codec[T]) DecodeJSON(data []byte) (T, error) {
	var zero T
	v, err := diff.Parse(c.Schema, data)
	if err != nil {
		return zero, err
	}
	return c.decode(v)
}

// EncodeJSON renders T in its wire form.
func (c Codec[T]) EncodeJSON(v T) (json.RawMessage, error) {
	enc, err := c.encode(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(enc)
}
