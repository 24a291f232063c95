package market

import (
	"github.com/shopspring/decimal"

	"github.com/ksred/ledger-api/internal/types"
)

// FeeBreakdown is the result of a fee calculation.
type FeeBreakdown struct {
	FeeAmount decimal.Decimal `json:"fee_amount"`
	FeeRate   decimal.Decimal `json:"fee_rate"`
	Tier      string          `json:"tier"`
}

// FeeCalculator computes the platform fee for a trade. Implementations must
// be pure functions of their inputs.
type FeeCalculator interface {
	Calculate(itemValue, priceAmount decimal.Decimal) (FeeBreakdown, error)
}

// Fee tiers.
const (
	FeeTierStandard = "standard"
	FeeTierMinimum  = "minimum"
)

// PercentFeeCalculator charges Rate of the price, floored to whole units,
// with a Minimum floor. Points are indivisible, so fees never carry
// fractional parts.
type PercentFeeCalculator struct {
	Rate    decimal.Decimal
	Minimum decimal.Decimal
}

// NewDefaultFeeCalculator returns the platform default: 5% with a minimum
// fee of 1.
func NewDefaultFeeCalculator() *PercentFeeCalculator {
	return &PercentFeeCalculator{
		Rate:    decimal.NewFromFloat(0.05),
		Minimum: decimal.NewFromInt(1),
	}
}

func (p *PercentFeeCalculator) Calculate(itemValue, priceAmount decimal.Decimal) (FeeBreakdown, error) {
	if !priceAmount.IsPositive() {
		return FeeBreakdown{}, &types.InvalidStateError{
			Entity: "listing",
			State:  "price=" + priceAmount.String(),
			Detail: "price must be positive",
		}
	}

	fee := priceAmount.Mul(p.Rate).Floor()
	tier := FeeTierStandard
	if fee.LessThan(p.Minimum) {
		fee = p.Minimum
		tier = FeeTierMinimum
	}
	if fee.GreaterThanOrEqual(priceAmount) {
		// The minimum fee must never consume the whole price.
		return FeeBreakdown{}, &types.InvalidStateError{
			Entity: "listing",
			State:  "price=" + priceAmount.String(),
			Detail: "price too small to cover the minimum fee",
		}
	}

	return FeeBreakdown{
		FeeAmount: fee,
		FeeRate:   p.Rate,
		Tier:      tier,
	}, nil
}
