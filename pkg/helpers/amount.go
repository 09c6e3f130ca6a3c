// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"fmt"
	"math/big"
)

// Decimal places for the two assets.
const (
	BTCDecimals uint8 = 8  // satoshis
	XMRDecimals uint8 = 12 // piconero
)

// FormatAmount formats an amount in smallest units as a decimal string.
// For example, FormatAmount(100000000, 8) returns "1" (1 BTC).
func FormatAmount(amount uint64, decimals uint8) string {
	if decimals == 0 {
		return fmt.Sprintf("%d", amount)
	}

	amountBig := new(big.Int).SetUint64(amount)
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)

	whole := new(big.Int).Div(amountBig, divisor)
	frac := new(big.Int).Mod(amountBig, divisor)

	if frac.Sign() == 0 {
		return whole.String()
	}

	fracStr := fmt.Sprintf("%0*d", int(decimals), frac)
	// Trim trailing zeros
	for len(fracStr) > 0 && fracStr[len(fracStr)-1] == '0' {
		fracStr = fracStr[:len(fracStr)-1]
	}

	return fmt.Sprintf("%s.%s", whole.String(), fracStr)
}

// ParseAmount parses a decimal string to smallest units.
// For example, ParseAmount("1", 8) returns 100000000 (1 BTC in satoshis).
func ParseAmount(s string, decimals uint8) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty amount string")
	}

	// Find decimal point
	var wholeStr, fracStr string
	for i, c := range s {
		if c == '.' {
			wholeStr = s[:i]
			fracStr = s[i+1:]
			break
		}
	}
	if wholeStr == "" {
		wholeStr = s
	}

	// Validate characters
	for _, c := range wholeStr {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid character in amount: %c", c)
		}
	}
	for _, c := range fracStr {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid character in amount: %c", c)
		}
	}

	// Pad or truncate fractional part
	for len(fracStr) < int(decimals) {
		fracStr += "0"
	}
	if len(fracStr) > int(decimals) {
		fracStr = fracStr[:decimals]
	}

	// Parse combined value
	combined := wholeStr + fracStr
	amount := new(big.Int)
	_, ok := amount.SetString(combined, 10)
	if !ok {
		return 0, fmt.Errorf("invalid amount: %s", s)
	}

	if !amount.IsUint64() {
		return 0, fmt.Errorf("amount overflow: %s", s)
	}

	return amount.Uint64(), nil
}

// SatoshisToBTC converts satoshis to a BTC decimal string.
func SatoshisToBTC(satoshis uint64) string {
	return FormatAmount(satoshis, BTCDecimals)
}

// BTCToSatoshis converts a BTC decimal string to satoshis.
func BTCToSatoshis(btc string) (uint64, error) {
	return ParseAmount(btc, BTCDecimals)
}

// PiconeroToXMR converts piconero to an XMR decimal string.
func PiconeroToXMR(piconero uint64) string {
	return FormatAmount(piconero, XMRDecimals)
}

// XMRToPiconero converts an XMR decimal string to piconero.
func XMRToPiconero(xmr string) (uint64, error) {
	return ParseAmount(xmr, XMRDecimals)
}

// ConvertBTCToXMR converts a satoshi amount to piconero at the given price.
// Price is quoted as BTC per 1 XMR (the convention swap providers advertise).
// All arithmetic is integer big.Int: piconero = sats * 10^12 / priceSats.
func ConvertBTCToXMR(satoshis uint64, priceBTCPerXMR string) (uint64, error) {
	priceSats, err := ParseAmount(priceBTCPerXMR, BTCDecimals)
	if err != nil {
		return 0, fmt.Errorf("invalid price: %w", err)
	}
	if priceSats == 0 {
		return 0, fmt.Errorf("price must be greater than zero")
	}

	num := new(big.Int).SetUint64(satoshis)
	num.Mul(num, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(XMRDecimals)), nil))
	num.Div(num, new(big.Int).SetUint64(priceSats))

	if !num.IsUint64() {
		return 0, fmt.Errorf("converted amount overflow")
	}
	return num.Uint64(), nil
}

// ExchangeRate returns the XMR-per-BTC rate implied by an amount pair,
// as a decimal string with 12 fractional digits. Never uses floats.
func ExchangeRate(satoshis, piconero uint64) string {
	if satoshis == 0 {
		return "0"
	}
	// rate = (piconero / 10^12) / (sats / 10^8) = piconero * 10^8 / (sats * 10^12)
	// Scale the numerator by 10^12 first to keep 12 digits of precision.
	num := new(big.Int).SetUint64(piconero)
	num.Mul(num, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(BTCDecimals)), nil))
	num.Mul(num, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(XMRDecimals)), nil))

	den := new(big.Int).SetUint64(satoshis)
	den.Mul(den, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(XMRDecimals)), nil))

	num.Div(num, den)
	if !num.IsUint64() {
		return "0"
	}
	return FormatAmount(num.Uint64(), XMRDecimals)
}
