package crm

import (
	"github.com/teranos/crmsync/diff"
	"github.com/teranos/crmsync/store"
)

// Entity type names. They double as channel names.
const (
	TypeOrganization         = "organization"
	TypeContact              = "contact"
	TypeFlow                 = "flow"
	TypeContract             = "contract"
	TypeServiceLineItem      = "service_line_item"
	TypeOpportunity          = "opportunity"
	TypeTenantBillingProfile = "tenant_billing_profile"
)

// Organization is a customer or prospect company.
type Organization struct {
	ID         string
	Name       string
	Website    string
	Industry   string
	Domains    []string
	OwnerID    string
	IsCustomer bool
}

var organizationSchema = diff.NewSchema(TypeOrganization,
	diff.Str("id"),
	diff.Str("name"),
	diff.Str("website"),
	diff.Str("industry"),
	diff.ListOf("domains", diff.Elem(diff.Str(""))),
	diff.Str("owner_id"),
	diff.Flag("is_customer"),
)

// OrganizationCodec maps Organization to its wire shape.
func OrganizationCodec() store.Codec[Organization] {
	return store.Codec[Organization]{
		Type:   TypeOrganization,
		Schema: organizationSchema,
		Encode: func(o Organization) diff.Value {
			return diff.Object(map[string]diff.Value{
				"id":          diff.NonEmpty(o.ID),
				"name":        diff.NonEmpty(o.Name),
				"website":     diff.NonEmpty(o.Website),
				"industry":    diff.NonEmpty(o.Industry),
				"domains":     diff.Strings(o.Domains),
				"owner_id":    diff.NonEmpty(o.OwnerID),
				"is_customer": diff.Bool(o.IsCustomer),
			})
		},
		Decode: func(v diff.Value) (Organization, error) {
			o := Organization{
				ID:         v.Get("id").Str(),
				Name:       v.Get("name").Str(),
				Website:    v.Get("website").Str(),
				Industry:   v.Get("industry").Str(),
				OwnerID:    v.Get("owner_id").Str(),
				IsCustomer: v.Get("is_customer").Bool(),
			}
			if d := v.Get("domains").StringList(); len(d) > 0 {
				o.Domains = d
			}
			return o, nil
		},
		ID:     func(o Organization) string { return o.ID },
		WithID: func(o Organization, id string) Organization { o.ID = id; return o },
	}
}
