package diff

import (
	"strconv"
	"strings"
)

// Op is the change operation. Names follow RFC 6902.
type Op string

const (
	OpAdd     Op = "add"
	OpRemove  Op = "remove"
	OpReplace Op = "replace"
)

// Change is one path/operation/value triple. Path is a JSON pointer
// relative to the entity root ("/amount", "/line_items/2/price").
type Change struct {
	Op    Op     `json:"op"`
	Path  string `json:"path"`
	Value Value  `json:"value"`
}

// Diff returns the ordered changes turning before into after. Object
// fields are visited in schema order; list items are compared by index,
// with appended items added in ascending order and truncated items
// removed in descending order so Apply never sees a shifting index.
//
// Both values must be valid under s; fields the schema does not declare
// are ignored.
func Diff(s *Schema, before, after Value) []Change {
	var out []Change
	diffObject(s, "", before, after, &out)
	return out
}

func diffObject(s *Schema, path string, before, after Value, out *[]Change) {
	for _, f := range s.fields {
		b := before.Get(f.Name)
		a := after.Get(f.Name)
		p := path + "/" + escape(f.Name)

		switch {
		case b.IsAbsent() && a.IsAbsent():
			continue
		case b.IsAbsent():
			*out = append(*out, Change{Op: OpAdd, Path: p, Value: a})
		case a.IsAbsent():
			*out = append(*out, Change{Op: OpRemove, Path: p})
		default:
			diffValue(f, p, b, a, out)
		}
	}
}

func diffValue(f Field, path string, before, after Value, out *[]Change) {
	if before.kind != after.kind {
		*out = append(*out, Change{Op: OpReplace, Path: path, Value: after.Clone()})
		return
	}
	switch f.Kind {
	case KindObject:
		diffObject(f.Schema, path, before, after, out)
	case KindList:
		diffList(*f.Elem, path, before, after, out)
	default:
		if !before.Equal(after) {
			*out = append(*out, Change{Op: OpReplace, Path: path, Value: after.Clone()})
		}
	}
}

func diffList(elem Field, path string, before, after Value, out *[]Change) {
	nb, na := len(before.list), len(after.list)
	common := nb
	if na < common {
		common = na
	}
	for i := 0; i < common; i++ {
		diffValue(elem, path+"/"+strconv.Itoa(i), before.list[i], after.list[i], out)
	}
	for i := common; i < na; i++ {
		*out = append(*out, Change{Op: OpAdd, Path: path + "/" + strconv.Itoa(i), Value: after.list[i].Clone()})
	}
	for i := nb - 1; i >= common; i-- {
		*out = append(*out, Change{Op: OpRemove, Path: path + "/" + strconv.Itoa(i)})
	}
}

// Paths returns the distinct top-level field names touched by changes.
func Paths(changes []Change) []string {
	seen := make(map[string]bool, len(changes))
	var out []string
	for _, c := range changes {
		segs := split(c.Path)
		if len(segs) == 0 || seen[segs[0]] {
			continue
		}
		seen[segs[0]] = true
		out = append(out, segs[0])
	}
	return out
}

// escape encodes a field name as a JSON pointer token.
func escape(s string) string {
	if !strings.ContainsAny(s, "~/") {
		return s
	}
	s = strings.ReplaceAll(s, "~", "~0")
	return strings.ReplaceAll(s, "/", "~1")
}

func unescape(s string) string {
	if !strings.Contains(s, "~") {
		return s
	}
	s = strings.ReplaceAll(s, "~1", "/")
	return strings.ReplaceAll(s, "~0", "~")
}

// split parses a JSON pointer into unescaped tokens. "" and "/" are root.
func split(p string) []string {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return nil
	}
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = unescape(s)
	}
	return segs
}
