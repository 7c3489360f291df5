package diff

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/crmsync/errors"
)

var (
	addressSchema = NewSchema("address",
		Str("line1"),
		Str("country"),
	)
	itemSchema = NewSchema("item",
		Str("id"),
		Str("description"),
		Number("price"),
		Integer("quantity"),
	)
	dealSchema = NewSchema("deal",
		Str("id"),
		Str("name"),
		Number("amount"),
		Flag("approved"),
		ListOf("tags", Elem(Str(""))),
		ListOf("items", Elem(ObjectOf("", itemSchema))),
		ObjectOf("address", addressSchema),
	)
)

func item(id, desc string, price float64, qty int64) Value {
	return Object(map[string]Value{
		"id":          String(id),
		"description": String(desc),
		"price":       Float(price),
		"quantity":    Int(qty),
	})
}

func deal(amount float64, tags []string, items ...Value) Value {
	return Object(map[string]Value{
		"id":     String("d-1"),
		"name":   String("Renewal"),
		"amount": Float(amount),
		"tags":   Strings(tags),
		"items":  List(items...),
		"address": Object(map[string]Value{
			"line1":   String("1 Main St"),
			"country": String("NL"),
		}),
	})
}

func roundTrip(t *testing.T, before, after Value) []Change {
	t.Helper()
	changes := Diff(dealSchema, before, after)
	got, err := Apply(dealSchema, before, changes)
	require.NoError(t, err)
	assert.True(t, got.Equal(after), "apply(diff) should reproduce after\nchanges: %+v", changes)
	return changes
}

func TestDiffIdenticalIsEmpty(t *testing.T) {
	v := deal(100, []string{"a"}, item("i1", "seat", 10, 2))
	assert.Empty(t, Diff(dealSchema, v, v.Clone()))
}

func TestDiffScalarReplace(t *testing.T) {
	before := deal(100, nil)
	after := deal(150, nil)

	changes := roundTrip(t, before, after)

	require.Len(t, changes, 1)
	assert.Equal(t, OpReplace, changes[0].Op)
	assert.Equal(t, "/amount", changes[0].Path)
	assert.Equal(t, 150.0, changes[0].Value.Float())
}

func TestDiffFieldAddedAndRemoved(t *testing.T) {
	before := deal(100, nil)
	after := Object(map[string]Value{
		"id":       String("d-1"),
		"name":     String("Renewal"),
		"amount":   Float(100),
		"approved": Bool(true),
		"tags":     Strings(nil),
		"items":    List(),
	})

	changes := roundTrip(t, before, after)

	require.Len(t, changes, 2)
	assert.Equal(t, Change{Op: OpAdd, Path: "/approved", Value: Bool(true)}, changes[0])
	assert.Equal(t, OpRemove, changes[1].Op)
	assert.Equal(t, "/address", changes[1].Path)
}

func TestDiffNestedObject(t *testing.T) {
	before := deal(100, nil)
	after := before.With("address", Object(map[string]Value{
		"line1":   String("1 Main St"),
		"country": String("DE"),
	}))

	changes := roundTrip(t, before, after)

	require.Len(t, changes, 1)
	assert.Equal(t, "/address/country", changes[0].Path)
}

func TestDiffListGrowShrinkAndEdit(t *testing.T) {
	a := item("i1", "seat", 10, 2)
	b := item("i2", "support", 99, 1)
	c := item("i3", "onboarding", 500, 1)

	t.Run("append", func(t *testing.T) {
		changes := roundTrip(t, deal(0, nil, a), deal(0, nil, a, b, c))
		require.Len(t, changes, 2)
		assert.Equal(t, "/items/1", changes[0].Path)
		assert.Equal(t, "/items/2", changes[1].Path)
	})

	t.Run("truncate removes from the end", func(t *testing.T) {
		changes := roundTrip(t, deal(0, nil, a, b, c), deal(0, nil, a))
		require.Len(t, changes, 2)
		assert.Equal(t, Change{Op: OpRemove, Path: "/items/2"}, changes[0])
		assert.Equal(t, Change{Op: OpRemove, Path: "/items/1"}, changes[1])
	})

	t.Run("edit element field", func(t *testing.T) {
		edited := item("i2", "support", 120, 1)
		changes := roundTrip(t, deal(0, nil, a, b), deal(0, nil, a, edited))
		require.Len(t, changes, 1)
		assert.Equal(t, "/items/1/price", changes[0].Path)
	})

	t.Run("reorder", func(t *testing.T) {
		roundTrip(t, deal(0, nil, a, b, c), deal(0, nil, c, a, b))
	})

	t.Run("scalar list", func(t *testing.T) {
		roundTrip(t, deal(0, []string{"x", "y"}), deal(0, []string{"y"}))
		roundTrip(t, deal(0, nil), deal(0, []string{"q", "r", "s"}))
	})
}

func TestDiffFromAbsent(t *testing.T) {
	after := deal(42, []string{"new"}, item("i1", "seat", 10, 1))
	changes := Diff(dealSchema, Value{}, after)

	got, err := Apply(dealSchema, Value{}, changes)
	require.NoError(t, err)
	assert.True(t, got.Equal(after))
	for _, c := range changes {
		assert.Equal(t, OpAdd, c.Op)
	}
}

func TestApplyDoesNotMutateBefore(t *testing.T) {
	before := deal(100, []string{"a"}, item("i1", "seat", 10, 2))
	snapshot := before.Clone()

	_, err := Apply(dealSchema, before, []Change{
		{Op: OpReplace, Path: "/items/0/price", Value: Float(1)},
		{Op: OpAdd, Path: "/tags/1", Value: String("b")},
		{Op: OpRemove, Path: "/address"},
	})
	require.NoError(t, err)
	assert.True(t, before.Equal(snapshot))
}

func TestApplyRejectsBadChanges(t *testing.T) {
	before := deal(100, nil, item("i1", "seat", 10, 2))

	cases := []struct {
		name   string
		change Change
		target error
	}{
		{"unknown field", Change{Op: OpAdd, Path: "/discount", Value: Int(5)}, ErrSchema},
		{"wrong kind", Change{Op: OpReplace, Path: "/amount", Value: String("lots")}, ErrSchema},
		{"unknown nested field", Change{Op: OpAdd, Path: "/items/0/color", Value: String("red")}, ErrSchema},
		{"index out of range", Change{Op: OpReplace, Path: "/items/5/price", Value: Float(1)}, ErrPath},
		{"add past end", Change{Op: OpAdd, Path: "/items/3", Value: item("i9", "x", 1, 1)}, ErrPath},
		{"replace unset field", Change{Op: OpReplace, Path: "/approved", Value: Bool(true)}, ErrPath},
		{"remove unset field", Change{Op: OpRemove, Path: "/approved"}, ErrPath},
		{"descend into scalar", Change{Op: OpReplace, Path: "/name/first", Value: String("x")}, ErrPath},
		{"bad index", Change{Op: OpRemove, Path: "/items/x"}, ErrPath},
		{"empty path", Change{Op: OpRemove, Path: ""}, ErrPath},
		{"unknown op", Change{Op: "move", Path: "/name", Value: String("x")}, ErrPath},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Apply(dealSchema, before, []Change{tc.change})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.target), "got %v", err)
		})
	}
}

func TestApplyCoercesWireNumbers(t *testing.T) {
	var changes []Change
	require.NoError(t, json.Unmarshal([]byte(`[{"op":"replace","path":"/amount","value":150}]`), &changes))
	require.Equal(t, KindScalar, changes[0].Value.Kind())

	got, err := Apply(dealSchema, deal(100, nil), changes)
	require.NoError(t, err)

	raw, _ := got.Get("amount").Scalar()
	assert.Equal(t, 150.0, raw, "int on the wire becomes float for a float field")
	assert.True(t, got.Equal(deal(150, nil)))
}

func TestParseIntegerRange(t *testing.T) {
	v, err := Parse(itemSchema, []byte(`{"id":"i-1","quantity":3e2}`))
	require.NoError(t, err)
	assert.EqualValues(t, 300, v.Get("quantity").Int())

	for _, doc := range []string{
		`{"id":"i-1","quantity":1e20}`,
		`{"id":"i-1","quantity":-1e19}`,
		`{"id":"i-1","quantity":9223372036854775808}`,
		`{"id":"i-1","quantity":2.5}`,
	} {
		_, err := Parse(itemSchema, []byte(doc))
		require.Error(t, err, doc)
		assert.True(t, errors.Is(err, ErrSchema), "%s: %v", doc, err)
	}
}

func TestChangeJSON(t *testing.T) {
	changes := []Change{
		{Op: OpReplace, Path: "/amount", Value: Float(1.5)},
		{Op: OpRemove, Path: "/items/0"},
		{Op: OpAdd, Path: "/tags/0", Value: String("vip")},
	}
	data, err := json.Marshal(changes)
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"op":"replace","path":"/amount","value":1.5},
		{"op":"remove","path":"/items/0","value":null},
		{"op":"add","path":"/tags/0","value":"vip"}
	]`, string(data))
}

func TestPathsAndEscaping(t *testing.T) {
	s := NewSchema("odd", Str("a/b"), Str("c~d"))
	before := Object(map[string]Value{"a/b": String("1"), "c~d": String("2")})
	after := Object(map[string]Value{"a/b": String("3"), "c~d": String("4")})

	changes := Diff(s, before, after)
	require.Len(t, changes, 2)
	assert.Equal(t, "/a~1b", changes[0].Path)
	assert.Equal(t, "/c~0d", changes[1].Path)
	assert.Equal(t, []string{"a/b", "c~d"}, Paths(changes))

	got, err := Apply(s, before, changes)
	require.NoError(t, err)
	assert.True(t, got.Equal(after))
}

func TestNewSchemaPanicsOnMistakes(t *testing.T) {
	assert.Panics(t, func() { NewSchema("x", Str("a"), Str("a")) })
	assert.Panics(t, func() { NewSchema("x", Field{Name: "l", Kind: KindList}) })
	assert.Panics(t, func() { NewSchema("x", Field{Name: "o", Kind: KindObject}) })
	assert.Panics(t, func() { NewSchema("x", Field{Name: "s", Kind: KindScalar}) })
}
