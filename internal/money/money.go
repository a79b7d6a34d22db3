// Package money holds the exact decimal arithmetic used on every financial path:
// fill aggregation, profit after fees and truncation to exchange precision.
package money

import (
	"github.com/shopspring/decimal"
)

// DefaultFeeRate is the taker fee applied to gross profit (0.11%).
var DefaultFeeRate = decimal.RequireFromString("0.0011")

// Fill is one execution report of a placed order.
type Fill struct {
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"qty"`
	Commission decimal.Decimal `json:"commission"`
	TradeID    int64           `json:"trade_id"`
}

// AggregateFills returns the executed quantity and the volume weighted average price.
// The average is zero when nothing was executed.
func AggregateFills(fills []Fill) (executedQty, avgPrice decimal.Decimal) {
	executedQty = decimal.Zero
	cost := decimal.Zero
	for _, f := range fills {
		executedQty = executedQty.Add(f.Quantity)
		cost = cost.Add(f.Price.Mul(f.Quantity))
	}
	if !executedQty.IsPositive() {
		return decimal.Zero, decimal.Zero
	}
	return executedQty, cost.Div(executedQty)
}

// CalcProfit = (sell - buy) * volume * (1 - feeRate).
func CalcProfit(buyPrice, sellPrice, volume, feeRate decimal.Decimal) decimal.Decimal {
	gross := sellPrice.Sub(buyPrice).Mul(volume)
	return gross.Mul(decimal.NewFromInt(1).Sub(feeRate))
}

// TruncatePlaces floors value to the given number of decimal places.
func TruncatePlaces(value decimal.Decimal, places int32) decimal.Decimal {
	return value.RoundFloor(places)
}

// TruncateToStep floors value to a multiple of step. A non-positive step leaves value untouched.
func TruncateToStep(value, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// StepPlaces returns the number of decimal places a step like "0.00100000" encodes (3).
func StepPlaces(step decimal.Decimal) int32 {
	if !step.IsPositive() {
		return 0
	}
	// String() drops trailing zeros, so the reparsed exponent is the precision.
	s := step.String()
	d := decimal.RequireFromString(s)
	if d.Exponent() >= 0 {
		return 0
	}
	return -d.Exponent()
}

// AboveRatio reports whether price > ref * ratio.
func AboveRatio(price, ref, ratio decimal.Decimal) bool {
	return price.GreaterThan(ref.Mul(ratio))
}
