package crm

import (
	"slices"

	"github.com/teranos/crmsync/diff"
	"github.com/teranos/crmsync/store"
)

// Contact is a person, optionally enrolled in flows.
type Contact struct {
	ID             string
	FirstName      string
	LastName       string
	Email          string
	OrganizationID string
	FlowIDs        []string
}

// Name returns the display name.
func (c Contact) Name() string {
	switch {
	case c.FirstName == "":
		return c.LastName
	case c.LastName == "":
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}

var contactSchema = diff.NewSchema(TypeContact,
	diff.Str("id"),
	diff.Str("first_name"),
	diff.Str("last_name"),
	diff.Str("email"),
	diff.Str("organization_id"),
	diff.ListOf("flow_ids", diff.Elem(diff.Str(""))),
)

// ContactCodec maps Contact to its wire shape.
func ContactCodec() store.Codec[Contact] {
	return store.Codec[Contact]{
		Type:   TypeContact,
		Schema: contactSchema,
		Encode: func(c Contact) diff.Value {
			return diff.Object(map[string]diff.Value{
				"id":              diff.NonEmpty(c.ID),
				"first_name":      diff.NonEmpty(c.FirstName),
				"last_name":       diff.NonEmpty(c.LastName),
				"email":           diff.NonEmpty(c.Email),
				"organization_id": diff.NonEmpty(c.OrganizationID),
				"flow_ids":        diff.Strings(c.FlowIDs),
			})
		},
		Decode: func(v diff.Value) (Contact, error) {
			c := Contact{
				ID:             v.Get("id").Str(),
				FirstName:      v.Get("first_name").Str(),
				LastName:       v.Get("last_name").Str(),
				Email:          v.Get("email").Str(),
				OrganizationID: v.Get("organization_id").Str(),
			}
			if ids := v.Get("flow_ids").StringList(); len(ids) > 0 {
				c.FlowIDs = ids
			}
			return c, nil
		},
		ID:     func(c Contact) string { return c.ID },
		WithID: func(c Contact, id string) Contact { c.ID = id; return c },
	}
}

// Flow statuses.
const (
	FlowOn  = "ON"
	FlowOff = "OFF"
)

// Flow is an automated outreach sequence with enrolled contacts.
type Flow struct {
	ID         string
	Name       string
	Status     string
	ContactIDs []string
}

var flowSchema = diff.NewSchema(TypeFlow,
	diff.Str("id"),
	diff.Str("name"),
	diff.Str("status"),
	diff.ListOf("contact_ids", diff.Elem(diff.Str(""))),
)

// FlowCodec maps Flow to its wire shape.
func FlowCodec() store.Codec[Flow] {
	return store.Codec[Flow]{
		Type:   TypeFlow,
		Schema: flowSchema,
		Encode: func(f Flow) diff.Value {
			return diff.Object(map[string]diff.Value{
				"id":          diff.NonEmpty(f.ID),
				"name":        diff.NonEmpty(f.Name),
				"status":      diff.NonEmpty(f.Status),
				"contact_ids": diff.Strings(f.ContactIDs),
			})
		},
		Decode: func(v diff.Value) (Flow, error) {
			f := Flow{
				ID:     v.Get("id").Str(),
				Name:   v.Get("name").Str(),
				Status: v.Get("status").Str(),
			}
			if ids := v.Get("contact_ids").StringList(); len(ids) > 0 {
				f.ContactIDs = ids
			}
			return f, nil
		},
		ID:     func(f Flow) string { return f.ID },
		WithID: func(f Flow, id string) Flow { f.ID = id; return f },
	}
}

func addID(ids []string, id string) []string {
	if slices.Contains(ids, id) {
		return ids
	}
	return append(slices.Clone(ids), id)
}

func removeID(ids []string, id string) []string {
	out := slices.DeleteFunc(slices.Clone(ids), func(s string) bool { return s == id })
	if len(out) == 0 {
		return nil
	}
	return out
}
