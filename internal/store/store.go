package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/marketmirror/dexindexer/internal/logger"
	"github.com/marketmirror/dexindexer/internal/metrics"
	"github.com/russross/meddler"
)

// Store is the upsert sink for normalized order-book records. All
// upserts are conflict-free on each entity's natural key with
// first-write-wins semantics, so re-delivery of an already-processed
// block range is a no-op rather than a corruption vector.
type Store struct {
	db  *sql.DB
	log *logger.Logger
}

// New creates a Store on an open database.
func New(db *sql.DB, log *logger.Logger) *Store {
	return &Store{
		db:  db,
		log: log,
	}
}

const insertOrderSQL = `
	INSERT OR IGNORE INTO orders (
		block_number, tx_hash, log_index,
		token_get, amount_get, token_give, amount_give,
		expires, nonce, user_address,
		side, price, amount_base, amount_quote,
		amount_filled, is_active, is_cancelled
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const insertTradeSQL = `
	INSERT OR IGNORE INTO trades (
		block_number, block_time, tx_hash, log_index, timestamp_approx,
		token_get, amount_get, token_give, amount_give,
		maker_address, taker_address,
		side, price, amount_base, amount_quote,
		base_token, quote_token
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// UpsertOrders persists a batch of orders, ignoring rows whose natural
// key (token_get, token_give, nonce, user_address) already exists.
// Returns the number of rows actually inserted.
func (s *Store) UpsertOrders(ctx context.Context, orders []*Order) (int64, error) {
	if len(orders) == 0 {
		return 0, nil
	}

	var inserted int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, o := range orders {
			res, err := tx.ExecContext(ctx, insertOrderSQL,
				o.BlockNumber, o.TxHash.Hex(), o.LogIndex,
				o.TokenGet.Hex(), o.AmountGet, o.TokenGive.Hex(), o.AmountGive,
				o.Expires, o.Nonce, o.User.Hex(),
				o.Side, o.Price, o.AmountBase, o.AmountQuote,
				o.AmountFilled, o.IsActive, o.IsCancelled,
			)
			if err != nil {
				return fmt.Errorf("failed to insert order (nonce %s, user %s): %w",
					o.Nonce, o.User.Hex(), err)
			}

			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			inserted += n
		}
		return nil
	})
	if err != nil {
		metrics.DBErrorsInc("upsert_orders")
		return 0, err
	}

	metrics.RecordsPersistedInc(StreamOrders, inserted)
	return inserted, nil
}

// UpsertTrades persists a batch of trades, ignoring rows whose natural
// key (tx_hash, token_get, amount_get, maker_address) already exists,
// and folds each newly inserted trade into its resting order. The
// trade row and its fill commit in the same transaction; replayed rows
// insert nothing and fill nothing, so re-delivery of a block range can
// neither double-count a fill nor lose one. Returns the trades
// actually inserted.
func (s *Store) UpsertTrades(ctx context.Context, trades []*Trade) ([]*Trade, error) {
	if len(trades) == 0 {
		return nil, nil
	}

	var inserted []*Trade
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range trades {
			res, err := tx.ExecContext(ctx, insertTradeSQL,
				t.BlockNumber, t.BlockTime, t.TxHash.Hex(), t.LogIndex, t.TimestampApprox,
				t.TokenGet.Hex(), t.AmountGet, t.TokenGive.Hex(), t.AmountGive,
				t.Maker.Hex(), t.Taker.Hex(),
				t.Side, t.Price, t.AmountBase, t.AmountQuote,
				t.BaseToken.Hex(), t.QuoteToken.Hex(),
			)
			if err != nil {
				return fmt.Errorf("failed to insert trade (tx %s): %w", t.TxHash.Hex(), err)
			}

			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				continue
			}

			if err := s.applyFill(ctx, tx, t); err != nil {
				metrics.DBErrorsInc("apply_fill")
				return err
			}
			inserted = append(inserted, t)
		}
		return nil
	})
	if err != nil {
		metrics.DBErrorsInc("upsert_trades")
		return nil, err
	}

	metrics.RecordsPersistedInc(StreamTrades, int64(len(inserted)))
	return inserted, nil
}

// applyFill folds a trade into a resting order. The Trade event
// carries no nonce, so the fill goes to the oldest active order with
// matching (token_get, token_give, maker); amount_filled accumulates
// and the order deactivates once filled up to amount_get. A trade with
// no matching resting order is fine: the counter-order was either
// outside the tracked range or matched off-book.
func (s *Store) applyFill(ctx context.Context, tx *sql.Tx, t *Trade) error {
	var order Order
	err := meddler.QueryRow(tx, &order, `
		SELECT * FROM orders
		WHERE token_get = ? AND token_give = ? AND user_address = ?
			AND is_active = 1 AND is_cancelled = 0
		ORDER BY block_number ASC, log_index ASC
		LIMIT 1`,
		t.TokenGet.Hex(), t.TokenGive.Hex(), t.Maker.Hex(),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up resting order for trade %s: %w", t.TxHash.Hex(), err)
	}

	filled, ok := new(big.Int).SetString(order.AmountFilled, 10)
	if !ok {
		return fmt.Errorf("order %d has invalid amount_filled '%s'", order.ID, order.AmountFilled)
	}
	fillAmount, ok := new(big.Int).SetString(t.AmountGet, 10)
	if !ok {
		return fmt.Errorf("trade %s has invalid amount_get '%s'", t.TxHash.Hex(), t.AmountGet)
	}
	total, ok := new(big.Int).SetString(order.AmountGet, 10)
	if !ok {
		return fmt.Errorf("order %d has invalid amount_get '%s'", order.ID, order.AmountGet)
	}

	filled.Add(filled, fillAmount)

	active := filled.Cmp(total) < 0

	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET amount_filled = ?, is_active = ? WHERE id = ?`,
		filled.String(), active, order.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to apply fill to order %d: %w", order.ID, err)
	}

	s.log.Debugf("applied fill of %s to order %d (filled %s/%s, active=%v)",
		fillAmount.String(), order.ID, filled.String(), total.String(), active)

	return nil
}

// ApplyCancels soft-deactivates orders named by Cancel events. Orders
// are never physically deleted. Returns the number of orders cancelled.
func (s *Store) ApplyCancels(ctx context.Context, cancels []*Cancel) (int64, error) {
	var cancelled int64
	for _, c := range cancels {
		res, err := s.db.ExecContext(ctx, `
			UPDATE orders SET is_cancelled = 1, is_active = 0
			WHERE token_get = ? AND token_give = ? AND nonce = ? AND user_address = ?`,
			c.TokenGet.Hex(), c.TokenGive.Hex(), c.Nonce, c.User.Hex(),
		)
		if err != nil {
			metrics.DBErrorsInc("apply_cancel")
			return cancelled, fmt.Errorf("failed to apply cancel (nonce %s, user %s): %w",
				c.Nonce, c.User.Hex(), err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return cancelled, err
		}
		cancelled += n
	}
	return cancelled, nil
}

// GetOrder looks up an order by its natural key.
func (s *Store) GetOrder(tokenGet, tokenGive common.Address, nonce string, user common.Address) (*Order, error) {
	var order Order
	err := meddler.QueryRow(s.db, &order, `
		SELECT * FROM orders
		WHERE token_get = ? AND token_give = ? AND nonce = ? AND user_address = ?`,
		tokenGet.Hex(), tokenGive.Hex(), nonce, user.Hex(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &order, nil
}

// ListTrades returns all trades ordered by block number and log index.
func (s *Store) ListTrades() ([]*Trade, error) {
	var trades []*Trade
	err := meddler.QueryAll(s.db, &trades, `
		SELECT * FROM trades ORDER BY block_number ASC, log_index ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	return trades, nil
}

// CountOrders returns the number of order rows.
func (s *Store) CountOrders() (int64, error) {
	return s.countRows("orders")
}

// CountTrades returns the number of trade rows.
func (s *Store) CountTrades() (int64, error) {
	return s.countRows("trades")
}

func (s *Store) countRows(table string) (int64, error) {
	var count int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return count, nil
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.log.Errorf("failed to rollback transaction: %v", err)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
