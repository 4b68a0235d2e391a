package chains

import (
	"math/big"
	"strings"

	"moff.io/moff-vault/pkg/errors"
)

var ErrInvalidAmount = errors.New("invalid amount")

// ParseUnits converts a human decimal such as "12.5" into base units.
func ParseUnits(amount string, decimals int) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" || strings.HasPrefix(amount, "-") || strings.HasPrefix(amount, "+") {
		return nil, errors.Wrapf(ErrInvalidAmount, "%q", amount)
	}
	whole, frac := amount, ""
	if i := strings.IndexByte(amount, '.'); i >= 0 {
		whole, frac = amount[:i], amount[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	frac = strings.TrimRight(frac, "0")
	if len(frac) > decimals {
		return nil, errors.Wrapf(ErrInvalidAmount, "%q has more than %d decimals", amount, decimals)
	}
	digits := whole + frac + strings.Repeat("0", decimals-len(frac))
	for _, r := range digits {
		if r < '0' || r > '9' {
			return nil, errors.Wrapf(ErrInvalidAmount, "%q", amount)
		}
	}
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidAmount, "%q", amount)
	}
	return v, nil
}

// FormatUnits renders base units as a human decimal without trailing zeros.
func FormatUnits(v *big.Int, decimals int) string {
	if v == nil {
		return "0"
	}
	neg := v.Sign() < 0
	s := new(big.Int).Abs(v).String()
	if decimals > 0 {
		if len(s) <= decimals {
			s = strings.Repeat("0", decimals-len(s)+1) + s
		}
		whole, frac := s[:len(s)-decimals], strings.TrimRight(s[len(s)-decimals:], "0")
		s = whole
		if frac != "" {
			s += "." + frac
		}
	}
	if neg {
		s = "-" + s
	}
	return s
}

// CompareAmount compares a base-unit balance with a human threshold.
func CompareAmount(balance *big.Int, threshold string, decimals int) (int, error) {
	t, err := ParseUnits(threshold, decimals)
	if err != nil {
		return 0, err
	}
	if balance == nil {
		balance = new(big.Int)
	}
	return balance.Cmp(t), nil
}
