package store

import (
	"github.com/ethereum/go-ethereum/common"
)

// Stream identifiers for checkpoint bookkeeping.
const (
	StreamOrders = "orders"
	StreamTrades = "trades"
)

// Order mirrors an on-chain Order event. The raw amount columns are
// immutable once written; only amount_filled, is_active and
// is_cancelled mutate, driven by Trade and Cancel events.
type Order struct {
	ID          int64          `meddler:"id,pk"`
	BlockNumber uint64         `meddler:"block_number"`
	TxHash      common.Hash    `meddler:"tx_hash,hash"`
	LogIndex    uint           `meddler:"log_index"`
	TokenGet    common.Address `meddler:"token_get,address"`
	AmountGet   string         `meddler:"amount_get"` // raw uint256 as string
	TokenGive   common.Address `meddler:"token_give,address"`
	AmountGive  string         `meddler:"amount_give"` // raw uint256 as string
	Expires     string         `meddler:"expires"`
	Nonce       string         `meddler:"nonce"`
	User        common.Address `meddler:"user_address,address"`
	Side        string         `meddler:"side"`
	Price       string         `meddler:"price"`        // derived decimal
	AmountBase  string         `meddler:"amount_base"`  // derived decimal
	AmountQuote string         `meddler:"amount_quote"` // derived decimal
	// Cumulative raw amount filled against this order
	AmountFilled string `meddler:"amount_filled"`
	IsActive     bool   `meddler:"is_active"`
	IsCancelled  bool   `meddler:"is_cancelled"`
}

// Trade mirrors an on-chain Trade event. Trades are append-only
// historical facts: inserted exactly once, never updated or deleted.
type Trade struct {
	ID          int64       `meddler:"id,pk"`
	BlockNumber uint64      `meddler:"block_number"`
	BlockTime   int64       `meddler:"block_time"`
	TxHash      common.Hash `meddler:"tx_hash,hash"`
	LogIndex    uint        `meddler:"log_index"`
	// TimestampApprox marks a wall-clock fallback used because the block
	// header lookup failed; such rows have unreliable historical ordering.
	TimestampApprox bool           `meddler:"timestamp_approx"`
	TokenGet        common.Address `meddler:"token_get,address"`
	AmountGet       string         `meddler:"amount_get"`
	TokenGive       common.Address `meddler:"token_give,address"`
	AmountGive      string         `meddler:"amount_give"`
	Maker           common.Address `meddler:"maker_address,address"`
	Taker           common.Address `meddler:"taker_address,address"`
	Side            string         `meddler:"side"`
	Price           string         `meddler:"price"`
	AmountBase      string         `meddler:"amount_base"`
	AmountQuote     string         `meddler:"amount_quote"`
	BaseToken       common.Address `meddler:"base_token,address"`
	QuoteToken      common.Address `meddler:"quote_token,address"`
}

// Cancel is a decoded Cancel event. Cancels are not stored as rows;
// they soft-deactivate the order with the matching natural key.
type Cancel struct {
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
	TokenGet    common.Address
	TokenGive   common.Address
	Nonce       string
	User        common.Address
}
