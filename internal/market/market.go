package market

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/marketmirror/dexindexer/internal/config"
	"github.com/shopspring/decimal"
)

// Side classifies a record relative to the pair's base token, from the
// taker's perspective.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ErrNotPairToken is returned when a log's token addresses do not form
// the tracked pair.
var ErrNotPairToken = errors.New("token addresses do not match the tracked pair")

// Token describes one token of a trading pair.
type Token struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

// Pair is the tracked (base, quote) trading pair. Side is always
// classified relative to Base.
type Pair struct {
	Base  Token
	Quote Token
}

// NewPairFromConfig builds a Pair from validated configuration.
func NewPairFromConfig(cfg config.PairConfig) Pair {
	return Pair{
		Base: Token{
			Address:  common.HexToAddress(cfg.Base.Address),
			Symbol:   cfg.Base.Symbol,
			Decimals: cfg.Base.Decimals,
		},
		Quote: Token{
			Address:  common.HexToAddress(cfg.Quote.Address),
			Symbol:   cfg.Quote.Symbol,
			Decimals: cfg.Quote.Decimals,
		},
	}
}

// String renders the pair as "BASE/QUOTE".
func (p Pair) String() string {
	return p.Base.Symbol + "/" + p.Quote.Symbol
}

// Matches reports whether {tokenGet, tokenGive} is exactly the tracked
// pair, in either orientation.
func (p Pair) Matches(tokenGet, tokenGive common.Address) bool {
	return (tokenGet == p.Base.Address && tokenGive == p.Quote.Address) ||
		(tokenGet == p.Quote.Address && tokenGive == p.Base.Address)
}

// Classify determines the side of a pair-matching record.
// tokenGet == base means the taker acquires the base token (buy);
// tokenGive == base means the taker gives it up (sell). Anything else
// is an anomaly the caller must exclude, never default.
func (p Pair) Classify(tokenGet, tokenGive common.Address) (Side, error) {
	getIsBase := tokenGet == p.Base.Address
	giveIsBase := tokenGive == p.Base.Address

	switch {
	case getIsBase && giveIsBase:
		return "", fmt.Errorf("%w: both tokenGet and tokenGive are the base token", ErrNotPairToken)
	case getIsBase && tokenGive == p.Quote.Address:
		return SideBuy, nil
	case giveIsBase && tokenGet == p.Quote.Address:
		return SideSell, nil
	default:
		return "", ErrNotPairToken
	}
}

// BaseQuoteAmounts splits a record's raw (amountGet, amountGive) into
// decimal base and quote amounts according to the given side.
func (p Pair) BaseQuoteAmounts(side Side, amountGet, amountGive string) (base, quote decimal.Decimal, err error) {
	var rawBase, rawQuote string
	if side == SideBuy {
		rawBase, rawQuote = amountGet, amountGive
	} else {
		rawBase, rawQuote = amountGive, amountGet
	}

	base, err = ToDecimal(rawBase, p.Base.Decimals)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("base amount: %w", err)
	}

	quote, err = ToDecimal(rawQuote, p.Quote.Decimals)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("quote amount: %w", err)
	}

	return base, quote, nil
}

// ToDecimal converts a raw integer amount string into a decimal value
// using the token's decimal precision. Amounts stay opaque integer
// strings everywhere before this point so no precision is lost.
func ToDecimal(raw string, decimals uint8) (decimal.Decimal, error) {
	i, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return decimal.Zero, fmt.Errorf("invalid integer amount '%s'", raw)
	}

	return decimal.NewFromBigInt(i, -int32(decimals)), nil
}

// Price computes quote/base. A zero base amount yields price 0, an
// "unpriced" sentinel rather than an error.
func Price(quoteAmount, baseAmount decimal.Decimal) decimal.Decimal {
	if baseAmount.IsZero() {
		return decimal.Zero
	}

	const priceScale = 18
	return quoteAmount.DivRound(baseAmount, priceScale)
}
