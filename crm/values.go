package crm

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/teranos/crmsync/diff"
	"github.com/teranos/crmsync/errors"
)

// Money is encoded as a decimal string so amounts survive JSON exactly.
func money(d decimal.Decimal) diff.Value { return diff.String(d.String()) }

func parseMoney(v diff.Value, field string) (decimal.Decimal, error) {
	s := v.Str()
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.Wrapf(errors.ErrInvalidRequest, "%s: %v", field, err)
	}
	return d, nil
}

// Dates are RFC 3339 strings; nil is absent.
func date(t *time.Time) diff.Value {
	if t == nil {
		return diff.Value{}
	}
	return diff.String(t.UTC().Format(time.RFC3339))
}

func parseDate(v diff.Value, field string) (*time.Time, error) {
	s := v.Str()
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "%s: %v", field, err)
	}
	return &t, nil
}

// decoder collects the first parse error across several fields.
type decoder struct {
	v   diff.Value
	err error
}

func (d *decoder) money(field string) decimal.Decimal {
	m, err := parseMoney(d.v.Get(field), field)
	if d.err == nil {
		d.err = err
	}
	return m
}

func (d *decoder) date(field string) *time.Time {
	t, err := parseDate(d.v.Get(field), field)
	if d.err == nil {
		d.err = err
	}
	return t
}

func (d *decoder) str(field string) string { return d.v.Get(field).Str() }
