package tax

import "math"

// Calculator derives tax and total amounts from a subtotal. The rate is
// fixed per deployment; amounts are EUR with two-decimal rounding.
type Calculator struct {
	rate float64
}

func NewCalculator(rate float64) Calculator {
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = rate / 100
	}
	return Calculator{rate: rate}
}

func (c Calculator) Rate() float64 {
	return c.rate
}

type Breakdown struct {
	Subtotal float64
	TaxRate  float64
	Tax      float64
	Total    float64
}

// Compute returns the amount breakdown for a subtotal. When reportedTotal is
// set (a gateway-confirmed charge), the tax is derived from the difference
// and the rate is back-derived from it, so the stored amounts always match
// what was actually charged even when rounding makes the rate imprecise.
func (c Calculator) Compute(subtotal float64, reportedTotal *float64) Breakdown {
	subtotal = Round2(subtotal)

	if reportedTotal != nil {
		total := Round2(*reportedTotal)
		taxAmount := Round2(total - subtotal)
		if taxAmount < 0 {
			taxAmount = 0
		}
		rate := c.rate
		if subtotal > 0 {
			rate = taxAmount / subtotal
		}
		return Breakdown{
			Subtotal: subtotal,
			TaxRate:  rate,
			Tax:      taxAmount,
			Total:    total,
		}
	}

	taxAmount := Round2(subtotal * c.rate)
	return Breakdown{
		Subtotal: subtotal,
		TaxRate:  c.rate,
		Tax:      taxAmount,
		Total:    Round2(subtotal + taxAmount),
	}
}

// Round2 rounds to two decimals, half away from zero.
func Round2(v float64) float64 {
	if v < 0 {
		return -math.Floor(-v*100+0.5) / 100
	}
	return math.Floor(v*100+0.5) / 100
}
