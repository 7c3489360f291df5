package crm

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/teranos/crmsync/diff"
	"github.com/teranos/crmsync/store"
)

// Contract statuses.
const (
	ContractDraft     = "DRAFT"
	ContractLive      = "LIVE"
	ContractOutOfTerm = "OUT_OF_CONTRACT"
	ContractEnded     = "ENDED"
)

// Renewal cycles.
const (
	RenewalNone      = "NONE"
	RenewalMonthly   = "MONTHLY"
	RenewalQuarterly = "QUARTERLY"
	RenewalAnnually  = "ANNUALLY"
)

// cycleMonths returns the length of one renewal period, or 0 for NONE
// and unknown cycles.
func cycleMonths(cycle string) int {
	switch cycle {
	case RenewalMonthly:
		return 1
	case RenewalQuarterly:
		return 3
	case RenewalAnnually:
		return 12
	}
	return 0
}

// Billing types of a service line item.
const (
	BilledOnce      = "ONCE"
	BilledMonthly   = "MONTHLY"
	BilledQuarterly = "QUARTERLY"
	BilledAnnually  = "ANNUALLY"
	BilledUsage     = "USAGE"
)

// ServiceLineItem is one billable service on a contract.
type ServiceLineItem struct {
	ID             string
	ContractID     string
	Description    string
	Quantity       int64
	Price          decimal.Decimal
	BilledType     string
	ServiceStarted *time.Time
}

// Total is quantity times price.
func (li ServiceLineItem) Total() decimal.Decimal {
	return li.Price.Mul(decimal.NewFromInt(li.Quantity))
}

var serviceLineItemSchema = diff.NewSchema(TypeServiceLineItem,
	diff.Str("id"),
	diff.Str("contract_id"),
	diff.Str("description"),
	diff.Integer("quantity"),
	diff.Str("price"),
	diff.Str("billed_type"),
	diff.Str("service_started"),
)

func encodeLineItem(li ServiceLineItem) diff.Value {
	return diff.Object(map[string]diff.Value{
		"id":              diff.NonEmpty(li.ID),
		"contract_id":     diff.NonEmpty(li.ContractID),
		"description":     diff.NonEmpty(li.Description),
		"quantity":        diff.Int(li.Quantity),
		"price":           money(li.Price),
		"billed_type":     diff.NonEmpty(li.BilledType),
		"service_started": date(li.ServiceStarted),
	})
}

func decodeLineItem(v diff.Value) (ServiceLineItem, error) {
	d := decoder{v: v}
	li := ServiceLineItem{
		ID:             d.str("id"),
		ContractID:     d.str("contract_id"),
		Description:    d.str("description"),
		Quantity:       v.Get("quantity").Int(),
		Price:          d.money("price"),
		BilledType:     d.str("billed_type"),
		ServiceStarted: d.date("service_started"),
	}
	return li, d.err
}

// ServiceLineItemCodec maps ServiceLineItem to its wire shape.
func ServiceLineItemCodec() store.Codec[ServiceLineItem] {
	return store.Codec[ServiceLineItem]{
		Type:   TypeServiceLineItem,
		Schema: serviceLineItemSchema,
		Encode: encodeLineItem,
		Decode: decodeLineItem,
		ID:     func(li ServiceLineItem) string { return li.ID },
		WithID: func(li ServiceLineItem, id string) ServiceLineItem { li.ID = id; return li },
	}
}

// Contract binds an organization to a set of services for a term.
type Contract struct {
	ID               string
	Name             string
	OrganizationID   string
	Status           string
	Currency         string
	ServiceStarted   *time.Time
	CommittedPeriods int64
	RenewalCycle     string
	EndDate          *time.Time
	LineItems        []ServiceLineItem
}

// Total sums the line item totals.
func (c Contract) Total() decimal.Decimal {
	total := decimal.Zero
	for _, li := range c.LineItems {
		total = total.Add(li.Total())
	}
	return total
}

// EffectiveStatus is Status, or ENDED once the end date has passed.
func (c Contract) EffectiveStatus(now time.Time) string {
	if c.EndDate != nil && !now.Before(*c.EndDate) {
		return ContractEnded
	}
	return c.Status
}

// TermEnd computes the end of the committed term, or nil when the
// contract has no start date, no committed periods or no renewal cycle.
func (c Contract) TermEnd() *time.Time {
	months := cycleMonths(c.RenewalCycle)
	if c.ServiceStarted == nil || c.CommittedPeriods <= 0 || months == 0 {
		return nil
	}
	end := c.ServiceStarted.AddDate(0, int(c.CommittedPeriods)*months, 0)
	return &end
}

var contractSchema = diff.NewSchema(TypeContract,
	diff.Str("id"),
	diff.Str("name"),
	diff.Str("organization_id"),
	diff.Str("status"),
	diff.Str("currency"),
	diff.Str("service_started"),
	diff.Integer("committed_periods"),
	diff.Str("renewal_cycle"),
	diff.Str("end_date"),
	diff.ListOf("line_items", diff.Elem(diff.ObjectOf("", serviceLineItemSchema))),
)

// ContractCodec maps Contract to its wire shape. Line items are embedded.
func ContractCodec() store.Codec[Contract] {
	return store.Codec[Contract]{
		Type:   TypeContract,
		Schema: contractSchema,
		Encode: func(c Contract) diff.Value {
			items := make([]diff.Value, len(c.LineItems))
			for i, li := range c.LineItems {
				items[i] = encodeLineItem(li)
			}
			return diff.Object(map[string]diff.Value{
				"id":                diff.NonEmpty(c.ID),
				"name":              diff.NonEmpty(c.Name),
				"organization_id":   diff.NonEmpty(c.OrganizationID),
				"status":            diff.NonEmpty(c.Status),
				"currency":          diff.NonEmpty(c.Currency),
				"service_started":   date(c.ServiceStarted),
				"committed_periods": diff.Int(c.CommittedPeriods),
				"renewal_cycle":     diff.NonEmpty(c.RenewalCycle),
				"end_date":          date(c.EndDate),
				"line_items":        diff.List(items...),
			})
		},
		Decode: func(v diff.Value) (Contract, error) {
			d := decoder{v: v}
			c := Contract{
				ID:               d.str("id"),
				Name:             d.str("name"),
				OrganizationID:   d.str("organization_id"),
				Status:           d.str("status"),
				Currency:         d.str("currency"),
				ServiceStarted:   d.date("service_started"),
				CommittedPeriods: v.Get("committed_periods").Int(),
				RenewalCycle:     d.str("renewal_cycle"),
				EndDate:          d.date("end_date"),
			}
			for _, item := range v.Get("line_items").Items() {
				li, err := decodeLineItem(item)
				if err != nil && d.err == nil {
					d.err = err
				}
				c.LineItems = append(c.LineItems, li)
			}
			return c, d.err
		},
		ID:     func(c Contract) string { return c.ID },
		WithID: func(c Contract, id string) Contract { c.ID = id; return c },
	}
}

// ContractRules derives the end date from the term and marks contracts
// ENDED once it has passed. now defaults to time.Now.
func ContractRules(now func() time.Time) []store.Rule[Contract] {
	if now == nil {
		now = time.Now
	}
	return []store.Rule[Contract]{
		func(before, after Contract) Contract {
			if end := after.TermEnd(); end != nil {
				after.EndDate = end
			}
			return after
		},
		func(_, after Contract) Contract {
			after.Status = after.EffectiveStatus(now())
			return after
		},
	}
}
