/*
This file contains common utility functions for converting between decimal and
floating point representations and for basis point fee arithmetic.
*/

package utils

import (
	"errors"
	"fmt"
	"math"

	sdkmath "cosmossdk.io/math"
)

// BasisPointDenominator is the divisor for all fee and threshold rates
// expressed in basis points. 10000 bps == 100%.
const BasisPointDenominator = 10_000

// Error definitions for zero-tolerance error handling
var (
	ErrAmountNil        = errors.New("amount is nil")
	ErrAmountNegative   = errors.New("amount is negative")
	ErrNotFinite        = errors.New("value is not finite")
	ErrInvalidBps       = errors.New("basis points out of range")
	ErrConversionFailed = errors.New("conversion failed")
)

// DecToFloat64 converts a LegacyDec to float64, rejecting nil, negative and
// non-finite results.
func DecToFloat64(amount sdkmath.LegacyDec) (float64, error) {
	if amount.IsNil() {
		return 0, ErrAmountNil
	}
	if amount.IsNegative() {
		return 0, ErrAmountNegative
	}

	resultFloat, err := amount.Float64()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrConversionFailed, err)
	}
	if math.IsNaN(resultFloat) || math.IsInf(resultFloat, 0) {
		return 0, fmt.Errorf("%w: result is %f", ErrNotFinite, resultFloat)
	}

	return resultFloat, nil
}

// Float64ToDec converts a float64 to a LegacyDec via string formatting to
// avoid binary floating point artifacts in the stored value.
func Float64ToDec(amount float64) (sdkmath.LegacyDec, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return sdkmath.LegacyZeroDec(), fmt.Errorf("%w: amount is %f", ErrNotFinite, amount)
	}
	if amount < 0 {
		return sdkmath.LegacyZeroDec(), ErrAmountNegative
	}
	if amount == 0 {
		return sdkmath.LegacyZeroDec(), nil
	}

	amountStr := fmt.Sprintf("%.12f", amount)
	decAmount, err := sdkmath.LegacyNewDecFromStr(amountStr)
	if err != nil {
		return sdkmath.LegacyZeroDec(), fmt.Errorf("%w: failed to create decimal from string: %w", ErrConversionFailed, err)
	}

	return decAmount, nil
}

// ApplyBps returns the basis point fraction of an amount. Used for every fee
// and penalty computation so rounding behavior stays in one place.
func ApplyBps(amount sdkmath.LegacyDec, bps uint64) (sdkmath.LegacyDec, error) {
	if amount.IsNil() {
		return sdkmath.LegacyZeroDec(), ErrAmountNil
	}
	if amount.IsNegative() {
		return sdkmath.LegacyZeroDec(), ErrAmountNegative
	}
	if bps > BasisPointDenominator {
		return sdkmath.LegacyZeroDec(), fmt.Errorf("%w: %d", ErrInvalidBps, bps)
	}

	return amount.MulInt64(int64(bps)).QuoInt64(BasisPointDenominator), nil
}

// BpsToFraction converts a basis point rate to its float fraction.
func BpsToFraction(bps uint64) float64 {
	return float64(bps) / float64(BasisPointDenominator)
}
