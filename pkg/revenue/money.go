package revenue

import (
	"fmt"

	"github.com/cockroachdb/apd/v3"
)

// decimalContext is wide enough for any sum of int64 cents
var decimalContext = func() *apd.Context {
	c := apd.BaseContext.WithPrecision(34)
	c.Rounding = apd.RoundHalfEven
	return c
}()

// centsAccumulator sums cent amounts, some of them fractional, without
// rounding until Cents is called
type centsAccumulator struct {
	sum apd.Decimal
}

func (a *centsAccumulator) add(cents int64) error {
	_, err := decimalContext.Add(&a.sum, &a.sum, apd.New(cents, 0))
	return err
}

// addFraction adds cents/divisor
func (a *centsAccumulator) addFraction(cents, divisor int64) error {
	var part apd.Decimal
	if _, err := decimalContext.Quo(&part, apd.New(cents, 0), apd.New(divisor, 0)); err != nil {
		return err
	}
	_, err := decimalContext.Add(&a.sum, &a.sum, &part)
	return err
}

// Cents rounds the sum half-even to whole cents
func (a *centsAccumulator) Cents() (int64, error) {
	return roundCents(&a.sum)
}

func roundCents(d *apd.Decimal) (int64, error) {
	var rounded apd.Decimal
	if _, err := decimalContext.Quantize(&rounded, d, 0); err != nil {
		return 0, fmt.Errorf("failed to round amount: %w", err)
	}
	return rounded.Int64()
}

// divideCents returns cents/n rounded half-even, or zero when n is zero
func divideCents(cents int64, n int) (int64, error) {
	if n == 0 {
		return 0, nil
	}
	var q apd.Decimal
	if _, err := decimalContext.Quo(&q, apd.New(cents, 0), apd.New(int64(n), 0)); err != nil {
		return 0, fmt.Errorf("failed to divide amount: %w", err)
	}
	return roundCents(&q)
}

// ratio returns num/den as a float, or zero when den is zero
func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	var q apd.Decimal
	if _, err := decimalContext.Quo(&q, apd.New(int64(num), 0), apd.New(int64(den), 0)); err != nil {
		return 0
	}
	f, err := q.Float64()
	if err != nil {
		return 0
	}
	return f
}
