package txBuilder

import (
	"math/big"
	"strings"

	"github.com/Layr-Labs/txsubmitter-go/pkg/ledger"
)

// ParseAmount converts a decimal string such as "1.5" into base units with the
// given number of decimals. More fractional digits than decimals is an error,
// never a silent truncation.
func ParseAmount(s string, decimals uint8) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ledger.ValidationErrorf("amount is empty")
	}
	if strings.HasPrefix(s, "-") {
		return nil, ledger.ValidationErrorf("amount %q must not be negative", s)
	}

	whole, frac, hasFrac := strings.Cut(s, ".")
	if hasFrac && frac == "" {
		return nil, ledger.ValidationErrorf("amount %q has an empty fraction", s)
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > int(decimals) {
		return nil, ledger.ValidationErrorf("amount %q has more than %d fractional digits", s, decimals)
	}
	if !isDigits(whole) || !isDigits(frac) {
		return nil, ledger.ValidationErrorf("amount %q is not a decimal number", s)
	}

	digits := whole + frac + strings.Repeat("0", int(decimals)-len(frac))
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, ledger.ValidationErrorf("amount %q is not a decimal number", s)
	}
	return v, nil
}

// FormatAmount renders base units as a decimal string, trimming trailing zeros.
func FormatAmount(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	neg := v.Sign() < 0
	digits := new(big.Int).Abs(v).String()
	if len(digits) <= int(decimals) {
		digits = strings.Repeat("0", int(decimals)-len(digits)+1) + digits
	}
	cut := len(digits) - int(decimals)
	out := digits[:cut]
	if frac := strings.TrimRight(digits[cut:], "0"); frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
