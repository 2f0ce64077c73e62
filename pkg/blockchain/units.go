package blockchain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// ParseQuantity reads a transaction quantity given as a 0x hex string, a
// decimal string or a JSON number. Absent, null and empty values return nil.
func ParseQuantity(raw json.RawMessage) (*big.Int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidQuantity, err)
		}
	} else {
		s = string(raw)
	}
	return ParseQuantityString(s)
}

// ParseQuantityString is ParseQuantity for an already unquoted value.
func ParseQuantityString(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	v := new(big.Int)
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "0x") {
		digits := lower[2:]
		if digits == "" {
			return v, nil
		}
		if _, ok := v.SetString(digits, 16); !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidQuantity, s)
		}
		return v, nil
	}

	if _, ok := v.SetString(s, 10); ok {
		if v.Sign() < 0 {
			return nil, fmt.Errorf("%w: negative %q", ErrInvalidQuantity, s)
		}
		return v, nil
	}

	// JSON numbers such as 1e18 or 21000.0
	f, ok := new(big.Float).SetPrec(256).SetString(s)
	if !ok || f.Sign() < 0 || !f.IsInt() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidQuantity, s)
	}
	f.Int(v)
	return v, nil
}

// FormatUnits renders value scaled down by 10^decimals without trailing zeros.
func FormatUnits(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}
	if decimals <= 0 {
		return value.String()
	}

	neg := value.Sign() < 0
	abs := new(big.Int).Abs(value)
	base := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(abs, base, new(big.Int))

	out := whole.String()
	if frac.Sign() != 0 {
		fs := fmt.Sprintf("%0*s", decimals, frac.String())
		out += "." + strings.TrimRight(fs, "0")
	}
	if neg {
		out = "-" + out
	}
	return out
}
