package ledger

import "math/big"

// FeePolicy decides the gas limit and price of a write. The price starts at
// the ledger's suggestion and is bumped on every retry so that a replacement
// for a stuck write is accepted.
type FeePolicy struct {
	SingleGas    uint64   // gas limit of a single anchor
	BatchBaseGas uint64   // fixed part of a batch gas limit
	BatchItemGas uint64   // per-item part of a batch gas limit
	BumpPercent  int64    // price increase per retry attempt, compounded
	MaxGasPrice  *big.Int // nil = uncapped
}

// DefaultFeePolicy mirrors the linear estimate used for the EvidenceAnchor contract.
func DefaultFeePolicy() FeePolicy {
	return FeePolicy{
		SingleGas:    250_000,
		BatchBaseGas: 100_000,
		BatchItemGas: 50_000,
		BumpPercent:  20,
	}
}

// GasLimit returns the limit for a single write (items == 0) or a batch of items.
func (p FeePolicy) GasLimit(items int) uint64 {
	if items <= 0 {
		return p.SingleGas
	}
	return p.BatchBaseGas + uint64(items)*p.BatchItemGas
}

// GasPrice returns the price for the given 1-based attempt.
func (p FeePolicy) GasPrice(suggested *big.Int, attempt int) *big.Int {
	price := new(big.Int)
	if suggested != nil {
		price.Set(suggested)
	}
	for i := 1; i < attempt; i++ {
		bump := new(big.Int).Mul(price, big.NewInt(p.BumpPercent))
		bump.Quo(bump, big.NewInt(100))
		if bump.Sign() == 0 && p.BumpPercent > 0 {
			bump.SetInt64(1)
		}
		price.Add(price, bump)
	}
	if p.MaxGasPrice != nil && p.MaxGasPrice.Sign() > 0 && price.Cmp(p.MaxGasPrice) > 0 {
		price.Set(p.MaxGasPrice)
	}
	return price
}

// Options builds the TxOptions for a write of items at the given attempt.
func (p FeePolicy) Options(nonce uint64, items int, suggested *big.Int, attempt int) TxOptions {
	return TxOptions{
		Nonce:    nonce,
		GasLimit: p.GasLimit(items),
		GasPrice: p.GasPrice(suggested, attempt),
	}
}
