package normalizer

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/marketmirror/dexindexer/internal/logger"
	"github.com/marketmirror/dexindexer/internal/market"
	"github.com/marketmirror/dexindexer/internal/metrics"
	"github.com/marketmirror/dexindexer/internal/store"
)

// Normalizer turns raw exchange-contract logs into typed, priced
// records for the tracked pair. Logs outside the pair are dropped (the
// caller keeps the seen counters); malformed or unclassifiable logs are
// excluded per-record with a logged warning and never abort a batch.
type Normalizer struct {
	pair market.Pair
	log  *logger.Logger
}

// New creates a Normalizer for the given tracked pair.
func New(pair market.Pair, log *logger.Logger) *Normalizer {
	return &Normalizer{
		pair: pair,
		log:  log,
	}
}

// Topics returns the event signature topics the indexer subscribes to.
func (n *Normalizer) Topics() []common.Hash {
	return []common.Hash{OrderTopic, TradeTopic, CancelTopic}
}

// NormalizeOrder decodes an Order log. It returns (nil, nil) for logs
// outside the tracked pair and an error for anomalous records.
func (n *Normalizer) NormalizeOrder(log *types.Log) (*store.Order, error) {
	raw, err := decodeOrder(log)
	if err != nil {
		metrics.AnomaliesInc("order_decode")
		return nil, fmt.Errorf("order at block %d, tx %s: %w", log.BlockNumber, log.TxHash.Hex(), err)
	}

	if !n.pair.Matches(raw.TokenGet, raw.TokenGive) {
		return nil, nil
	}

	side, err := n.pair.Classify(raw.TokenGet, raw.TokenGive)
	if err != nil {
		metrics.AnomaliesInc("order_side")
		return nil, fmt.Errorf("order at block %d, tx %s: %w", log.BlockNumber, log.TxHash.Hex(), err)
	}

	base, quote, err := n.pair.BaseQuoteAmounts(side, raw.AmountGet, raw.AmountGive)
	if err != nil {
		metrics.AnomaliesInc("order_amount")
		return nil, fmt.Errorf("order at block %d, tx %s: %w", log.BlockNumber, log.TxHash.Hex(), err)
	}

	price := market.Price(quote, base)
	if price.IsZero() {
		n.log.Warnf("order at block %d, tx %s has zero base amount, storing unpriced",
			log.BlockNumber, log.TxHash.Hex())
	}

	return &store.Order{
		BlockNumber:  log.BlockNumber,
		TxHash:       log.TxHash,
		LogIndex:     log.Index,
		TokenGet:     raw.TokenGet,
		AmountGet:    raw.AmountGet,
		TokenGive:    raw.TokenGive,
		AmountGive:   raw.AmountGive,
		Expires:      raw.Expires,
		Nonce:        raw.Nonce,
		User:         raw.User,
		Side:         string(side),
		Price:        price.String(),
		AmountBase:   base.String(),
		AmountQuote:  quote.String(),
		AmountFilled: "0",
		IsActive:     true,
		IsCancelled:  false,
	}, nil
}

// NormalizeTrade decodes a Trade log. blockTime is the block's
// timestamp as resolved by the driver; timestampApprox marks the
// wall-clock fallback taken when the header lookup failed.
func (n *Normalizer) NormalizeTrade(log *types.Log, blockTime int64, timestampApprox bool) (*store.Trade, error) {
	raw, err := decodeTrade(log)
	if err != nil {
		metrics.AnomaliesInc("trade_decode")
		return nil, fmt.Errorf("trade at block %d, tx %s: %w", log.BlockNumber, log.TxHash.Hex(), err)
	}

	if !n.pair.Matches(raw.TokenGet, raw.TokenGive) {
		return nil, nil
	}

	side, err := n.pair.Classify(raw.TokenGet, raw.TokenGive)
	if err != nil {
		metrics.AnomaliesInc("trade_side")
		return nil, fmt.Errorf("trade at block %d, tx %s: %w", log.BlockNumber, log.TxHash.Hex(), err)
	}

	base, quote, err := n.pair.BaseQuoteAmounts(side, raw.AmountGet, raw.AmountGive)
	if err != nil {
		metrics.AnomaliesInc("trade_amount")
		return nil, fmt.Errorf("trade at block %d, tx %s: %w", log.BlockNumber, log.TxHash.Hex(), err)
	}

	if timestampApprox {
		n.log.Warnf("trade at block %d, tx %s: block timestamp unavailable, using wall-clock time",
			log.BlockNumber, log.TxHash.Hex())
	}

	return &store.Trade{
		BlockNumber:     log.BlockNumber,
		BlockTime:       blockTime,
		TxHash:          log.TxHash,
		LogIndex:        log.Index,
		TimestampApprox: timestampApprox,
		TokenGet:        raw.TokenGet,
		AmountGet:       raw.AmountGet,
		TokenGive:       raw.TokenGive,
		AmountGive:      raw.AmountGive,
		Maker:           raw.Maker,
		Taker:           raw.Taker,
		Side:            string(side),
		Price:           market.Price(quote, base).String(),
		AmountBase:      base.String(),
		AmountQuote:     quote.String(),
		BaseToken:       n.pair.Base.Address,
		QuoteToken:      n.pair.Quote.Address,
	}, nil
}

// NormalizeCancel decodes a Cancel log for the tracked pair.
func (n *Normalizer) NormalizeCancel(log *types.Log) (*store.Cancel, error) {
	raw, err := decodeCancel(log)
	if err != nil {
		metrics.AnomaliesInc("cancel_decode")
		return nil, fmt.Errorf("cancel at block %d, tx %s: %w", log.BlockNumber, log.TxHash.Hex(), err)
	}

	if !n.pair.Matches(raw.TokenGet, raw.TokenGive) {
		return nil, nil
	}

	return &store.Cancel{
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
		TokenGet:    raw.TokenGet,
		TokenGive:   raw.TokenGive,
		Nonce:       raw.Nonce,
		User:        raw.User,
	}, nil
}
