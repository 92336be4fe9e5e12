package eth

import (
	"errors"
	"math/big"
)

var ErrInvalidFeeArgs = errors.New("eth: invalid fee args")

// FeeQuote prices a single transaction. Legacy quotes only carry GasPrice.
type FeeQuote struct {
	Legacy   bool
	GasPrice *big.Int
	TipCap   *big.Int
	FeeCap   *big.Int
}

// Quote1559 returns tip = max(suggested, minTip) and feeCap = 2*baseFee + tip.
func Quote1559(baseFee, suggestedTip, minTip *big.Int) (FeeQuote, error) {
	if baseFee == nil || suggestedTip == nil || minTip == nil {
		return FeeQuote{}, ErrInvalidFeeArgs
	}
	if baseFee.Sign() < 0 || suggestedTip.Sign() < 0 || minTip.Sign() < 0 {
		return FeeQuote{}, ErrInvalidFeeArgs
	}
	tip := maxBig(suggestedTip, minTip)
	fee := new(big.Int).Mul(baseFee, big.NewInt(2))
	fee.Add(fee, tip)
	return FeeQuote{TipCap: tip, FeeCap: fee}, nil
}

// QuoteLegacy is used on chains whose headers carry no base fee.
func QuoteLegacy(suggestedPrice, minPrice *big.Int) (FeeQuote, error) {
	if suggestedPrice == nil || minPrice == nil || suggestedPrice.Sign() < 0 || minPrice.Sign() < 0 {
		return FeeQuote{}, ErrInvalidFeeArgs
	}
	return FeeQuote{Legacy: true, GasPrice: maxBig(suggestedPrice, minPrice)}, nil
}

// Bump raises every price in q by pct percent, and by at least minBump, for a
// same-nonce replacement.
func (q FeeQuote) Bump(pct int, minBump *big.Int) (FeeQuote, error) {
	if pct <= 0 || (minBump != nil && minBump.Sign() < 0) {
		return FeeQuote{}, ErrInvalidFeeArgs
	}
	if q.Legacy {
		if q.GasPrice == nil || q.GasPrice.Sign() < 0 {
			return FeeQuote{}, ErrInvalidFeeArgs
		}
		return FeeQuote{Legacy: true, GasPrice: bumpBig(q.GasPrice, pct, minBump)}, nil
	}
	if q.TipCap == nil || q.FeeCap == nil || q.TipCap.Sign() < 0 || q.FeeCap.Sign() < 0 {
		return FeeQuote{}, ErrInvalidFeeArgs
	}
	tip := bumpBig(q.TipCap, pct, minBump)
	fee := bumpBig(q.FeeCap, pct, minBump)
	if fee.Cmp(tip) < 0 {
		fee = new(big.Int).Set(tip)
	}
	return FeeQuote{TipCap: tip, FeeCap: fee}, nil
}

func bumpBig(v *big.Int, pct int, minBump *big.Int) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(int64(100+pct)))
	out.Div(out, big.NewInt(100))
	if minBump != nil && minBump.Sign() > 0 {
		floor := new(big.Int).Add(v, minBump)
		if out.Cmp(floor) < 0 {
			out = floor
		}
	}
	return out
}

func maxBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) < 0 {
		return new(big.Int).Set(b)
	}
	return new(big.Int).Set(a)
}
