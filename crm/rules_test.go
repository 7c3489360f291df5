package crm

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/crmsync/diff"
	"github.com/teranos/crmsync/errors"
	"github.com/teranos/crmsync/store"
)

func newOpportunityStore(t *testing.T, o Opportunity) *store.Store[Opportunity] {
	t.Helper()
	st, err := store.NewStore(store.Config[Opportunity]{
		Codec:   OpportunityCodec(),
		Rules:   OpportunityRules(),
		Options: store.Options{Logger: zap.NewNop().Sugar()},
	}, o.ID)
	require.NoError(t, err)
	require.NoError(t, st.Load(o))
	return st
}

func TestLikelihood(t *testing.T) {
	tests := []struct {
		rate int64
		want string
	}{
		{100, LikelihoodHigh},
		{75, LikelihoodHigh},
		{74, LikelihoodMedium},
		{50, LikelihoodMedium},
		{49, LikelihoodLow},
		{1, LikelihoodLow},
		{0, LikelihoodZero},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Likelihood(tt.rate), "rate %d", tt.rate)
	}
}

func TestOpportunityRateDrivesAmount(t *testing.T) {
	st := newOpportunityStore(t, Opportunity{
		ID:        "o-1",
		MaxAmount: decimal.RequireFromString("1000"),
	})

	_, err := st.Update(func(o Opportunity) Opportunity { o.RenewalAdjustedRate = 80; return o })
	require.NoError(t, err)
	got := st.Value()
	assert.Equal(t, LikelihoodHigh, got.RenewalLikelihood)
	assert.Equal(t, "800", got.Amount.String())

	_, err = st.Update(func(o Opportunity) Opportunity { o.RenewalAdjustedRate = 150; return o })
	require.NoError(t, err)
	got = st.Value()
	assert.EqualValues(t, 100, got.RenewalAdjustedRate)
	assert.Equal(t, "1000", got.Amount.String())

	_, err = st.Update(func(o Opportunity) Opportunity { o.RenewalAdjustedRate = -5; return o })
	require.NoError(t, err)
	got = st.Value()
	assert.EqualValues(t, 0, got.RenewalAdjustedRate)
	assert.Equal(t, LikelihoodZero, got.RenewalLikelihood)
	assert.True(t, got.Amount.IsZero())
}

func TestOpportunityMaxAmountRecomputes(t *testing.T) {
	st := newOpportunityStore(t, Opportunity{
		ID:                  "o-1",
		MaxAmount:           decimal.RequireFromString("200"),
		RenewalAdjustedRate: 50,
	})
	_, err := st.Update(func(o Opportunity) Opportunity {
		o.MaxAmount = decimal.RequireFromString("300.50")
		return o
	})
	require.NoError(t, err)
	got := st.Value()
	assert.Equal(t, "150.25", got.Amount.String())
	assert.Equal(t, LikelihoodMedium, got.RenewalLikelihood)
}

func TestOpportunityManualLikelihoodSticks(t *testing.T) {
	st := newOpportunityStore(t, Opportunity{ID: "o-1", RenewalAdjustedRate: 90, RenewalLikelihood: LikelihoodHigh})
	_, err := st.Update(func(o Opportunity) Opportunity { o.RenewalLikelihood = LikelihoodLow; return o })
	require.NoError(t, err)
	assert.Equal(t, LikelihoodLow, st.Value().RenewalLikelihood)
}

func day(s string) *time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func newContractStore(t *testing.T, now time.Time, c Contract) *store.Store[Contract] {
	t.Helper()
	clock := func() time.Time { return now }
	st, err := store.NewStore(store.Config[Contract]{
		Codec:   ContractCodec(),
		Rules:   ContractRules(clock),
		Options: store.Options{Logger: zap.NewNop().Sugar(), Now: clock},
	}, c.ID)
	require.NoError(t, err)
	require.NoError(t, st.Load(c))
	return st
}

func TestContractEndDateDerived(t *testing.T) {
	st := newContractStore(t, *day("2025-03-01"), Contract{ID: "c-1", Status: ContractLive})

	_, err := st.Update(func(c Contract) Contract {
		c.ServiceStarted = day("2024-01-15")
		c.CommittedPeriods = 2
		c.RenewalCycle = RenewalAnnually
		return c
	})
	require.NoError(t, err)
	got := st.Value()
	require.NotNil(t, got.EndDate)
	assert.True(t, got.EndDate.Equal(*day("2026-01-15")), "end date %s", got.EndDate)
	assert.Equal(t, ContractLive, got.Status)

	_, err = st.Update(func(c Contract) Contract { c.RenewalCycle = RenewalQuarterly; return c })
	require.NoError(t, err)
	assert.True(t, st.Value().EndDate.Equal(*day("2024-07-15")))
}

func TestContractWithoutCycleKeepsEndDate(t *testing.T) {
	st := newContractStore(t, *day("2025-03-01"), Contract{
		ID:             "c-1",
		Status:         ContractLive,
		ServiceStarted: day("2024-01-15"),
		RenewalCycle:   RenewalNone,
		EndDate:        day("2030-01-01"),
	})
	_, err := st.Update(func(c Contract) Contract { c.Name = "Support"; return c })
	require.NoError(t, err)
	assert.True(t, st.Value().EndDate.Equal(*day("2030-01-01")))
}

func TestContractEndedOncePastEndDate(t *testing.T) {
	c := Contract{ID: "c-1", Status: ContractLive, EndDate: day("2025-01-01")}
	assert.Equal(t, ContractLive, c.EffectiveStatus(*day("2024-12-31")))
	assert.Equal(t, ContractEnded, c.EffectiveStatus(*day("2025-01-01")))

	st := newContractStore(t, *day("2025-06-01"), c)
	assert.Equal(t, ContractLive, st.Value().Status, "load keeps the server status")
	_, err := st.Update(func(c Contract) Contract { c.Name = "Renamed"; return c })
	require.NoError(t, err)
	assert.Equal(t, ContractEnded, st.Value().Status)
}

func TestContractTotal(t *testing.T) {
	c := Contract{LineItems: []ServiceLineItem{
		{Quantity: 2, Price: decimal.RequireFromString("10.50")},
		{Quantity: 1, Price: decimal.RequireFromString("99.99")},
		{Quantity: 0, Price: decimal.RequireFromString("500")},
	}}
	assert.Equal(t, "120.99", c.Total().String())
	assert.True(t, Contract{}.Total().IsZero())
}

func TestContractCodecKeepsMoneyExact(t *testing.T) {
	codec := ContractCodec()
	c, err := codec.DecodeJSON([]byte(`{
		"id": "c-1",
		"service_started": "2024-01-15T00:00:00Z",
		"committed_periods": 3,
		"line_items": [{"id": "li-1", "quantity": 3, "price": "0.1"}]
	}`))
	require.NoError(t, err)
	require.Len(t, c.LineItems, 1)
	assert.Equal(t, "0.3", c.LineItems[0].Total().String())
	assert.EqualValues(t, 3, c.CommittedPeriods)

	data, err := codec.EncodeJSON(c)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"price":"0.1"`)
}

func TestNameEditAfterWireLoadIsOneChange(t *testing.T) {
	nop := store.Options{Logger: zap.NewNop().Sugar()}
	rename := func(name string) []diff.Change {
		return []diff.Change{{Op: diff.OpReplace, Path: "/name", Value: diff.String(name)}}
	}

	opp, err := store.NewStore(store.Config[Opportunity]{
		Codec: OpportunityCodec(), Rules: OpportunityRules(), Options: nop,
	}, "o-1")
	require.NoError(t, err)
	require.NoError(t, opp.LoadJSON([]byte(`{
		"id": "o-1", "name": "A", "max_amount": "100.00", "amount": "50.00",
		"renewal_adjusted_rate": 50, "renewal_likelihood": "MEDIUM"
	}`)))
	op, err := opp.Update(func(o Opportunity) Opportunity { o.Name = "B"; return o })
	require.NoError(t, err)
	assert.Equal(t, rename("B"), op.Diff)

	clock := func() time.Time { return *day("2025-03-01") }
	contract, err := store.NewStore(store.Config[Contract]{
		Codec: ContractCodec(), Rules: ContractRules(clock), Options: nop,
	}, "c-1")
	require.NoError(t, err)
	require.NoError(t, contract.LoadJSON([]byte(`{
		"id": "c-1", "name": "Support", "status": "LIVE",
		"renewal_cycle": "NONE", "end_date": "2030-01-01T00:00:00+02:00"
	}`)))
	op, err = contract.Update(func(c Contract) Contract { c.Name = "Premium"; return c })
	require.NoError(t, err)
	assert.Equal(t, rename("Premium"), op.Diff)
}

func TestCodecRejectsBadMoneyAndDates(t *testing.T) {
	_, err := OpportunityCodec().DecodeJSON([]byte(`{"id":"o-1","amount":"lots"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = ContractCodec().DecodeJSON([]byte(`{"id":"c-1","end_date":"next tuesday"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestContactName(t *testing.T) {
	assert.Equal(t, "Ada Lovelace", Contact{FirstName: "Ada", LastName: "Lovelace"}.Name())
	assert.Equal(t, "Ada", Contact{FirstName: "Ada"}.Name())
	assert.Equal(t, "Lovelace", Contact{LastName: "Lovelace"}.Name())
}
