package pricing

import "math"

// Item is one priced line of an offer quote.
type Item struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Quantity  float64 `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// clampAmount maps NaN, infinities and negatives to 0 so a malformed line
// degrades to a zero charge instead of poisoning the quote.
func clampAmount(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

// LineTotal returns quantity times unit price for a single item.
func LineTotal(item Item) float64 {
	return clampAmount(clampAmount(item.Quantity) * clampAmount(item.UnitPrice))
}

// Subtotal sums the line totals of all items.
func Subtotal(items []Item) float64 {
	var sum float64
	for _, item := range items {
		sum += LineTotal(item)
	}
	return sum
}

// Total applies the discount to the subtotal, floored at zero.
// Values keep full precision; rounding is a display concern.
func Total(items []Item, discount float64) float64 {
	total := Subtotal(items) - clampAmount(discount)
	if total < 0 {
		return 0
	}
	return total
}
