package crm

import (
	"github.com/teranos/crmsync/diff"
	"github.com/teranos/crmsync/store"
)

// TenantBillingProfile is how the tenant itself is invoiced.
type TenantBillingProfile struct {
	ID                     string
	LegalName              string
	Email                  string
	AddressLine1           string
	Locality               string
	Country                string
	VATNumber              string
	CanPayWithCard         bool
	CanPayWithBankTransfer bool
}

var billingProfileSchema = diff.NewSchema(TypeTenantBillingProfile,
	diff.Str("id"),
	diff.Str("legal_name"),
	diff.Str("email"),
	diff.Str("address_line1"),
	diff.Str("locality"),
	diff.Str("country"),
	diff.Str("vat_number"),
	diff.Flag("can_pay_with_card"),
	diff.Flag("can_pay_with_bank_transfer"),
)

func TenantBillingProfileCodec() store.Codec[TenantBillingProfile] {
	return store.Codec[TenantBillingProfile]{
		Type:   TypeTenantBillingProfile,
		Schema: billingProfileSchema,
		Encode: func(p TenantBillingProfile) diff.Value {
			return diff.Object(map[string]diff.Value{
				"id":                         diff.NonEmpty(p.ID),
				"legal_name":                 diff.NonEmpty(p.LegalName),
				"email":                      diff.NonEmpty(p.Email),
				"address_line1":              diff.NonEmpty(p.AddressLine1),
				"locality":                   diff.NonEmpty(p.Locality),
				"country":                    diff.NonEmpty(p.Country),
				"vat_number":                 diff.NonEmpty(p.VATNumber),
				"can_pay_with_card":          diff.Bool(p.CanPayWithCard),
				"can_pay_with_bank_transfer": diff.Bool(p.CanPayWithBankTransfer),
			})
		},
		Decode: func(v diff.Value) (TenantBillingProfile, error) {
			return TenantBillingProfile{
				ID:                     v.Get("id").Str(),
				LegalName:              v.Get("legal_name").Str(),
				Email:                  v.Get("email").Str(),
				AddressLine1:           v.Get("address_line1").Str(),
				Locality:               v.Get("locality").Str(),
				Country:                v.Get("country").Str(),
				VATNumber:              v.Get("vat_number").Str(),
				CanPayWithCard:         v.Get("can_pay_with_card").Bool(),
				CanPayWithBankTransfer: v.Get("can_pay_with_bank_transfer").Bool(),
			}, nil
		},
		ID:     func(p TenantBillingProfile) string { return p.ID },
		WithID: func(p TenantBillingProfile, id string) TenantBillingProfile { p.ID = id; return p },
	}
}
