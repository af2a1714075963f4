package policy

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// PercentOf returns amount*percent/100 rounded to whole currency units,
// half away from zero.
func PercentOf(amount int64, percent decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(percent).Div(hundred).Round(0).IntPart()
}
