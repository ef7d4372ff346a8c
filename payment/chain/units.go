package chain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// NativeDecimals is the precision of the chain's fee currency (wei per BNB).
const NativeDecimals int32 = 18

// ToDecimal converts an integer amount in the smallest unit to a decimal amount.
func ToDecimal(raw *big.Int, decimals int32) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -decimals)
}

// FromDecimal converts a decimal amount to the smallest unit, truncating extra precision.
func FromDecimal(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}
