package util

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// PriceScale is the number of fractional digits carried by prices and token
// amounts once scaled out of their raw integer representation. It matches the
// scale of the numeric columns the values are persisted into.
const PriceScale = 18

// TokenToDecimal scales a raw integer token amount by the token's decimals
// and rounds half up to PriceScale fractional digits.
func TokenToDecimal(value *big.Int, decimals uint8) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(value, -int32(decimals)).Round(PriceScale)
}
