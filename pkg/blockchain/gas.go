package blockchain

import (
	"fmt"
	"math/big"
	"strings"
)

// GasTier selects a multiple of the gas price snapshot taken when a
// transaction request was received.
type GasTier string

const (
	GasLow    GasTier = "low"
	GasMedium GasTier = "medium"
	GasHigh   GasTier = "high"
)

var tierPercent = map[GasTier]int64{
	GasLow:    80,
	GasMedium: 100,
	GasHigh:   120,
}

// ParseGasTier parses a tier name. Empty selects medium.
func ParseGasTier(s string) (GasTier, error) {
	t := GasTier(strings.ToLower(strings.TrimSpace(s)))
	if t == "" {
		return GasMedium, nil
	}
	if _, ok := tierPercent[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownGasTier, s)
	}
	return t, nil
}

// Percent returns the tier multiplier in percent.
func (t GasTier) Percent() int64 {
	if p, ok := tierPercent[t]; ok {
		return p
	}
	return 100
}

// TierPrice returns snapshot*pct/100 using integer math.
func TierPrice(snapshot *big.Int, tier GasTier) *big.Int {
	if snapshot == nil {
		return new(big.Int)
	}
	p := new(big.Int).Mul(snapshot, big.NewInt(tier.Percent()))
	return p.Quo(p, big.NewInt(100))
}

// TierPrices returns the price for every tier.
func TierPrices(snapshot *big.Int) map[GasTier]*big.Int {
	out := make(map[GasTier]*big.Int, len(tierPercent))
	for t := range tierPercent {
		out[t] = TierPrice(snapshot, t)
	}
	return out
}
