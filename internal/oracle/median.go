// Median and outlier-rejection math for reducing reporter answers.
package oracle

import (
	"sort"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// median returns the standard median: for an odd count the middle sorted
// element, for an even count the average of the two middle elements.
// Returns zero for an empty slice.
func median(values []decimal.Decimal) decimal.Decimal {
	n := len(values)
	if n == 0 {
		return decimal.Zero
	}
	sorted := make([]decimal.Decimal, n)
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	if n%2 == 1 {
		return sorted[n/2]
	}
	return sorted[n/2-1].Add(sorted[n/2]).Div(decimal.NewFromInt(2))
}

// withinDeviation reports whether value is within maxDevPct percent of the
// reference. A zero reference only matches a zero value.
func withinDeviation(value, reference, maxDevPct decimal.Decimal) bool {
	if reference.IsZero() {
		return value.IsZero()
	}
	dev := value.Sub(reference).Abs().Div(reference).Mul(hundred)
	return !dev.GreaterThan(maxDevPct)
}
