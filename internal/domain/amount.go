package domain

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// InfiniteApproval is the allowance above which an approval is treated as
// unlimited, whatever amount is requested.
var InfiniteApproval = new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)

// RateScale is the fixed-point scale of pool exchange rates and vault prices.
var RateScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// ParseAmount converts a human decimal string into base units.
func ParseAmount(s string, decimals uint8) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, NewError(CodeInvalidAmount, "parse amount", "empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, WrapWithCode(CodeInvalidAmount, "parse amount", err)
	}
	if !d.IsPositive() {
		return nil, NewError(CodeInvalidAmount, "parse amount", "amount must be positive, got %s", s)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, NewError(CodeInvalidAmount, "parse amount", "%s has more than %d fractional digits", s, decimals)
	}
	return scaled.BigInt(), nil
}

// FormatAmount renders base units with the full precision of the asset.
func FormatAmount(v *big.Int, decimals uint8) string {
	if v == nil {
		return ""
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).String()
}

// FormatDisplay renders base units rounded down to the asset display precision.
func FormatDisplay(v *big.Int, a Asset) string {
	if v == nil {
		return ""
	}
	prec := a.DisplayPrecision
	if prec <= 0 {
		prec = 4
	}
	return decimal.NewFromBigInt(v, -int32(a.Decimals)).RoundDown(prec).StringFixed(prec)
}

// ApplyRate multiplies an amount by a RateScale fixed-point rate.
func ApplyRate(amount, rate *big.Int) *big.Int {
	if amount == nil || rate == nil {
		return nil
	}
	out := new(big.Int).Mul(amount, rate)
	return out.Quo(out, RateScale)
}

// NeedsApproval reports whether allowance does not cover requested.
func NeedsApproval(allowance, requested *big.Int) bool {
	if allowance == nil {
		return true
	}
	if allowance.Cmp(InfiniteApproval) >= 0 {
		return false
	}
	if requested == nil {
		return false
	}
	return allowance.Cmp(requested) < 0
}
