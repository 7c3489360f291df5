package crm

import (
	"github.com/shopspring/decimal"

	"github.com/teranos/crmsync/diff"
	"github.com/teranos/crmsync/store"
)

// Renewal likelihoods.
const (
	LikelihoodHigh   = "HIGH"
	LikelihoodMedium = "MEDIUM"
	LikelihoodLow    = "LOW"
	LikelihoodZero   = "ZERO"
)

// Opportunity is a renewal forecast for a contract.
type Opportunity struct {
	ID                  string
	Name                string
	ContractID          string
	MaxAmount           decimal.Decimal
	Amount              decimal.Decimal
	RenewalAdjustedRate int64
	RenewalLikelihood   string
}

// Likelihood buckets a renewal rate.
func Likelihood(rate int64) string {
	switch {
	case rate >= 75:
		return LikelihoodHigh
	case rate >= 50:
		return LikelihoodMedium
	case rate > 0:
		return LikelihoodLow
	}
	return LikelihoodZero
}

func clampRate(rate int64) int64 {
	return min(max(rate, 0), 100)
}

var opportunitySchema = diff.NewSchema(TypeOpportunity,
	diff.Str("id"),
	diff.Str("name"),
	diff.Str("contract_id"),
	diff.Str("max_amount"),
	diff.Str("amount"),
	diff.Integer("renewal_adjusted_rate"),
	diff.Str("renewal_likelihood"),
)

// OpportunityCodec maps Opportunity to its wire shape.
func OpportunityCodec() store.Codec[Opportunity] {
	return store.Codec[Opportunity]{
		Type:   TypeOpportunity,
		Schema: opportunitySchema,
		Encode: func(o Opportunity) diff.Value {
			return diff.Object(map[string]diff.Value{
				"id":                    diff.NonEmpty(o.ID),
				"name":                  diff.NonEmpty(o.Name),
				"contract_id":           diff.NonEmpty(o.ContractID),
				"max_amount":            money(o.MaxAmount),
				"amount":                money(o.Amount),
				"renewal_adjusted_rate": diff.Int(o.RenewalAdjustedRate),
				"renewal_likelihood":    diff.NonEmpty(o.RenewalLikelihood),
			})
		},
		Decode: func(v diff.Value) (Opportunity, error) {
			d := decoder{v: v}
			o := Opportunity{
				ID:                  d.str("id"),
				Name:                d.str("name"),
				ContractID:          d.str("contract_id"),
				MaxAmount:           d.money("max_amount"),
				Amount:              d.money("amount"),
				RenewalAdjustedRate: v.Get("renewal_adjusted_rate").Int(),
				RenewalLikelihood:   d.str("renewal_likelihood"),
			}
			return o, d.err
		},
		ID:     func(o Opportunity) string { return o.ID },
		WithID: func(o Opportunity, id string) Opportunity { o.ID = id; return o },
	}
}

// OpportunityRules keep likelihood and amount in step with the renewal
// rate. They only fire when the rate or the maximum amount changed, so a
// manual likelihood edit on its own sticks.
func OpportunityRules() []store.Rule[Opportunity] {
	return []store.Rule[Opportunity]{
		func(before, after Opportunity) Opportunity {
			after.RenewalAdjustedRate = clampRate(after.RenewalAdjustedRate)
			if after.RenewalAdjustedRate == before.RenewalAdjustedRate &&
				after.MaxAmount.Equal(before.MaxAmount) {
				return after
			}
			after.RenewalLikelihood = Likelihood(after.RenewalAdjustedRate)
			after.Amount = after.MaxAmount.
				Mul(decimal.NewFromInt(after.RenewalAdjustedRate)).
				Div(decimal.NewFromInt(100))
			return after
		},
	}
}
