package driver

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/marketmirror/dexindexer/internal/common"
	"github.com/marketmirror/dexindexer/internal/config"
	"github.com/marketmirror/dexindexer/internal/db"
	"github.com/marketmirror/dexindexer/internal/fetcher"
	"github.com/marketmirror/dexindexer/internal/logger"
	"github.com/marketmirror/dexindexer/internal/market"
	"github.com/marketmirror/dexindexer/internal/normalizer"
	"github.com/marketmirror/dexindexer/internal/store"
	"github.com/marketmirror/dexindexer/internal/store/migrations"
	"github.com/stretchr/testify/require"
)

var (
	contractAddr = ethcommon.HexToAddress("0x5555555555555555555555555555555555555555")
	tknAddr      = ethcommon.HexToAddress("0x1111111111111111111111111111111111111111")
	ethAddr      = ethcommon.HexToAddress("0x0000000000000000000000000000000000000000")
	userAddr     = ethcommon.HexToAddress("0x3333333333333333333333333333333333333333")
	takerAddr    = ethcommon.HexToAddress("0x4444444444444444444444444444444444444444")
)

type mockClient struct {
	getLogs    func(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	latest     uint64
	blockTimes map[uint64]uint64

	// blocks the batch call pretends to know nothing about
	missingFromBatch  map[uint64]bool
	singleHeaderCalls int
}

func (m *mockClient) GetLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	return m.getLogs(ctx, query)
}

func (m *mockClient) GetBlockHeader(ctx context.Context, blockNum uint64) (*types.Header, error) {
	m.singleHeaderCalls++
	if t, ok := m.blockTimes[blockNum]; ok {
		return &types.Header{Number: new(big.Int).SetUint64(blockNum), Time: t}, nil
	}
	return nil, fmt.Errorf("block %d not found", blockNum)
}

func (m *mockClient) GetLatestBlockHeader(ctx context.Context) (*types.Header, error) {
	return &types.Header{Number: new(big.Int).SetUint64(m.latest)}, nil
}

func (m *mockClient) BatchGetBlockHeaders(ctx context.Context, blockNums []uint64) ([]*types.Header, error) {
	headers := make([]*types.Header, len(blockNums))
	for i, n := range blockNums {
		if m.missingFromBatch[n] {
			continue
		}
		if t, ok := m.blockTimes[n]; ok {
			headers[i] = &types.Header{Number: new(big.Int).SetUint64(n), Time: t}
		}
	}
	return headers, nil
}

func addrWord(a ethcommon.Address) []byte {
	return ethcommon.LeftPadBytes(a.Bytes(), 32)
}

func uintWord(v *big.Int) []byte {
	return ethcommon.LeftPadBytes(v.Bytes(), 32)
}

func tokens(n int64) *big.Int {
	wei := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return new(big.Int).Mul(big.NewInt(n), wei)
}

// wei builds fractional quote amounts, e.g. wei(5, 17) is 0.5 ETH.
func wei(n int64, exp int64) *big.Int {
	pow := new(big.Int).Exp(big.NewInt(10), big.NewInt(exp), nil)
	return new(big.Int).Mul(big.NewInt(n), pow)
}

func orderLogTokens(block uint64, logIndex uint, nonce int64, tokenGet ethcommon.Address, amountGet *big.Int, tokenGive ethcommon.Address, amountGive *big.Int) types.Log {
	var data []byte
	data = append(data, addrWord(tokenGet)...)
	data = append(data, uintWord(amountGet)...)
	data = append(data, addrWord(tokenGive)...)
	data = append(data, uintWord(amountGive)...)
	data = append(data, uintWord(big.NewInt(9999999))...)
	data = append(data, uintWord(big.NewInt(nonce))...)
	data = append(data, addrWord(userAddr)...)

	return types.Log{
		Address:     contractAddr,
		Topics:      []ethcommon.Hash{normalizer.OrderTopic},
		Data:        data,
		BlockNumber: block,
		TxHash:      ethcommon.HexToHash(fmt.Sprintf("0x%x", 0xa000+nonce)),
		Index:       logIndex,
	}
}

func orderLog(block uint64, logIndex uint, nonce int64, amountGet, amountGive *big.Int) types.Log {
	return orderLogTokens(block, logIndex, nonce, tknAddr, amountGet, ethAddr, amountGive)
}

func tradeLog(block uint64, logIndex uint, amountGet, amountGive *big.Int) types.Log {
	var data []byte
	data = append(data, addrWord(tknAddr)...)
	data = append(data, uintWord(amountGet)...)
	data = append(data, addrWord(ethAddr)...)
	data = append(data, uintWord(amountGive)...)
	data = append(data, addrWord(userAddr)...)
	data = append(data, addrWord(takerAddr)...)

	return types.Log{
		Address:     contractAddr,
		Topics:      []ethcommon.Hash{normalizer.TradeTopic},
		Data:        data,
		BlockNumber: block,
		TxHash:      ethcommon.HexToHash(fmt.Sprintf("0x%x", 0xb000+block)),
		Index:       logIndex,
	}
}

func cancelLog(block uint64, logIndex uint, nonce int64) types.Log {
	l := orderLog(block, logIndex, nonce, tokens(1000), tokens(5))
	l.Topics = []ethcommon.Hash{normalizer.CancelTopic}
	l.Data = append(l.Data, uintWord(big.NewInt(27))...)
	l.Data = append(l.Data, uintWord(big.NewInt(1))...)
	l.Data = append(l.Data, uintWord(big.NewInt(2))...)
	l.TxHash = ethcommon.HexToHash(fmt.Sprintf("0x%x", 0xc000+nonce))
	return l
}

func testConfig(t *testing.T, startBlock, endBlock uint64) *config.Config {
	t.Helper()

	cfg := &config.Config{
		RPC:      config.RPCConfig{URL: "http://localhost:8545"},
		Contract: contractAddr.Hex(),
		Pair: config.PairConfig{
			Base:  config.TokenConfig{Address: tknAddr.Hex(), Symbol: "TKN", Decimals: 18},
			Quote: config.TokenConfig{Address: ethAddr.Hex(), Symbol: "ETH", Decimals: 18},
		},
		Sync: config.SyncConfig{
			StartBlock: startBlock,
			EndBlock:   endBlock,
			BatchSize:  50,
		},
		DB: config.DatabaseConfig{Path: t.TempDir() + "/test_driver.db"},
	}
	cfg.ApplyDefaults()
	cfg.Sync.BatchDelay = common.NewDuration(time.Millisecond)
	cfg.Sync.RetryDelay = common.NewDuration(time.Millisecond)

	return cfg
}

func setupDriver(t *testing.T, cfg *config.Config, client *mockClient) (*Driver, *store.Store, *store.CheckpointStore, *sql.DB) {
	t.Helper()

	require.NoError(t, migrations.RunMigrations(cfg.DB.Path))

	database, err := db.NewSQLiteDBFromConfig(cfg.DB)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	log := logger.NewNopLogger()
	pair := market.NewPairFromConfig(cfg.Pair)
	norm := normalizer.New(pair, log)
	f := fetcher.New(client, contractAddr, norm.Topics(), cfg.RPC.RequestTimeout.Duration, log)
	st := store.New(database, log)
	cs := store.NewCheckpointStore(database, log)

	return New(cfg, client, f, norm, st, cs, log), st, cs, database
}

func TestRunBoundedRange(t *testing.T) {
	cfg := testConfig(t, 100, 200)

	// one buy order plus one order for an unrelated token in the first
	// batch, one trade against the tracked order in the second
	otherToken := ethcommon.HexToAddress("0x9999999999999999999999999999999999999999")
	client := &mockClient{
		blockTimes: map[uint64]uint64{150: 1700000000},
		getLogs: func(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
			from := query.FromBlock.Uint64()
			switch from {
			case 100:
				return []types.Log{
					orderLog(100, 0, 42, tokens(1000), tokens(5)),
					orderLogTokens(101, 1, 77, otherToken, tokens(10), ethAddr, tokens(1)),
				}, nil
			case 150:
				return []types.Log{tradeLog(150, 2, tokens(100), wei(5, 17))}, nil
			default:
				return nil, nil
			}
		},
	}

	d, st, cs, _ := setupDriver(t, cfg, client)
	require.NoError(t, d.Run(context.Background()))

	// the order landed, priced and classified
	order, err := st.GetOrder(tknAddr, ethAddr, "42", userAddr)
	require.NoError(t, err)
	require.Equal(t, "buy", order.Side)
	require.Equal(t, "0.005", order.Price)
	require.Equal(t, "1000", order.AmountBase)
	require.Equal(t, "5", order.AmountQuote)

	// the trade landed with the block timestamp and filled the order
	trades, err := st.ListTrades()
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, int64(1700000000), trades[0].BlockTime)
	require.False(t, trades[0].TimestampApprox)
	require.Equal(t, "0.005", trades[0].Price)

	order, err = st.GetOrder(tknAddr, ethAddr, "42", userAddr)
	require.NoError(t, err)
	require.Equal(t, tokens(100).String(), order.AmountFilled)
	require.True(t, order.IsActive)

	// both streams checkpointed at the range end
	ctx := context.Background()
	for _, stream := range []string{store.StreamOrders, store.StreamTrades} {
		block, ok, err := cs.LastSyncedBlock(ctx, stream)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(200), block)
	}

	// the non-pair order was counted as seen but not persisted
	count, err := st.CountOrders()
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	stats := d.Stats()
	require.Equal(t, uint64(3), stats.BatchesProcessed)
	require.Equal(t, uint64(2), stats.OrdersSeen)
	require.Equal(t, uint64(1), stats.OrdersKept)
	require.Equal(t, uint64(1), stats.TradesSeen)
	require.Equal(t, uint64(1), stats.TradesKept)
	require.Equal(t, uint64(0), stats.Anomalies)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	cfg := testConfig(t, 100, 200)

	client := &mockClient{
		getLogs: func(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
			return nil, nil
		},
	}

	d, _, _, database := setupDriver(t, cfg, client)
	require.NoError(t, d.Run(context.Background()))

	// a fresh driver on the same database has nothing left to do
	client2 := &mockClient{
		getLogs: func(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
			t.Fatal("already-synced range must not be refetched")
			return nil, nil
		},
	}

	log := logger.NewNopLogger()
	pair := market.NewPairFromConfig(cfg.Pair)
	norm := normalizer.New(pair, log)
	f := fetcher.New(client2, contractAddr, norm.Topics(), cfg.RPC.RequestTimeout.Duration, log)
	d2 := New(cfg, client2, f, norm, store.New(database, log), store.NewCheckpointStore(database, log), log)

	require.NoError(t, d2.Run(context.Background()))
}

func TestRunReplayIsIdempotent(t *testing.T) {
	cfg := testConfig(t, 100, 149)

	client := &mockClient{
		blockTimes: map[uint64]uint64{120: 1700000000},
		getLogs: func(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
			return []types.Log{
				orderLog(100, 0, 42, tokens(1000), tokens(5)),
				tradeLog(120, 1, tokens(100), wei(5, 17)),
			}, nil
		},
	}

	d, st, cs, database := setupDriver(t, cfg, client)
	require.NoError(t, d.Run(context.Background()))

	// force the checkpoint back and run the same range again
	_, err := database.Exec("DELETE FROM sync_checkpoints")
	require.NoError(t, err)

	log := logger.NewNopLogger()
	pair := market.NewPairFromConfig(cfg.Pair)
	norm := normalizer.New(pair, log)
	f := fetcher.New(client, contractAddr, norm.Topics(), cfg.RPC.RequestTimeout.Duration, log)
	d2 := New(cfg, client, f, norm, st, cs, log)
	require.NoError(t, d2.Run(context.Background()))

	count, err := st.CountOrders()
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	count, err = st.CountTrades()
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	// the replayed trade must not double-fill the order
	order, err := st.GetOrder(tknAddr, ethAddr, "42", userAddr)
	require.NoError(t, err)
	require.Equal(t, tokens(100).String(), order.AmountFilled)
}

func TestRunCancelDeactivatesOrder(t *testing.T) {
	cfg := testConfig(t, 100, 199)

	client := &mockClient{
		getLogs: func(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
			switch query.FromBlock.Uint64() {
			case 100:
				return []types.Log{orderLog(100, 0, 42, tokens(1000), tokens(5))}, nil
			case 150:
				return []types.Log{cancelLog(150, 0, 42)}, nil
			default:
				return nil, nil
			}
		},
	}

	d, st, _, _ := setupDriver(t, cfg, client)
	require.NoError(t, d.Run(context.Background()))

	order, err := st.GetOrder(tknAddr, ethAddr, "42", userAddr)
	require.NoError(t, err)
	require.True(t, order.IsCancelled)
	require.False(t, order.IsActive)

	require.Equal(t, uint64(1), d.Stats().CancelsApplied)
}

func TestRunOrderBeforeTradeWithinBatch(t *testing.T) {
	cfg := testConfig(t, 100, 149)

	// the node returns the trade log before the order log; the pipeline
	// still persists the order first so the fill finds it
	client := &mockClient{
		blockTimes: map[uint64]uint64{110: 1700000000},
		getLogs: func(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
			return []types.Log{
				tradeLog(110, 1, tokens(100), wei(5, 17)),
				orderLog(100, 0, 42, tokens(1000), tokens(5)),
			}, nil
		},
	}

	d, st, _, _ := setupDriver(t, cfg, client)
	require.NoError(t, d.Run(context.Background()))

	order, err := st.GetOrder(tknAddr, ethAddr, "42", userAddr)
	require.NoError(t, err)
	require.Equal(t, tokens(100).String(), order.AmountFilled)
}

func TestRunRecoversHeaderMissingFromBatch(t *testing.T) {
	cfg := testConfig(t, 100, 149)

	// the batched header call returns nothing for block 120; the driver
	// falls back to a single lookup and keeps the exact timestamp
	client := &mockClient{
		blockTimes:       map[uint64]uint64{120: 1700000000},
		missingFromBatch: map[uint64]bool{120: true},
		getLogs: func(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
			return []types.Log{tradeLog(120, 0, tokens(100), wei(5, 17))}, nil
		},
	}

	d, st, _, _ := setupDriver(t, cfg, client)
	require.NoError(t, d.Run(context.Background()))

	trades, err := st.ListTrades()
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, int64(1700000000), trades[0].BlockTime)
	require.False(t, trades[0].TimestampApprox)
	require.Equal(t, 1, client.singleHeaderCalls)
}

func TestRunWallClockWhenHeaderUnavailable(t *testing.T) {
	cfg := testConfig(t, 100, 149)

	// neither the batch call nor the single lookup knows block 120
	client := &mockClient{
		missingFromBatch: map[uint64]bool{120: true},
		getLogs: func(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
			return []types.Log{tradeLog(120, 0, tokens(100), wei(5, 17))}, nil
		},
	}

	d, st, _, _ := setupDriver(t, cfg, client)
	require.NoError(t, d.Run(context.Background()))

	trades, err := st.ListTrades()
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.True(t, trades[0].TimestampApprox)
	require.NotZero(t, trades[0].BlockTime)
}

func TestRunRetriesFailedBatch(t *testing.T) {
	cfg := testConfig(t, 100, 149)

	calls := 0
	client := &mockClient{
		getLogs: func(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
			calls++
			if calls <= 2 {
				return nil, fmt.Errorf("transient node failure")
			}
			return nil, nil
		},
	}

	d, _, cs, _ := setupDriver(t, cfg, client)
	require.NoError(t, d.Run(context.Background()))

	require.Equal(t, 3, calls)
	require.Equal(t, uint64(2), d.Stats().BatchRetries)

	block, ok, err := cs.LastSyncedBlock(context.Background(), store.StreamOrders)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(149), block)
}

func TestRunHaltsAfterMaxBatchRetries(t *testing.T) {
	cfg := testConfig(t, 100, 149)
	cfg.Sync.MaxBatchRetries = 3

	client := &mockClient{
		getLogs: func(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
			return nil, fmt.Errorf("persistent node failure")
		},
	}

	d, _, cs, _ := setupDriver(t, cfg, client)
	err := d.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "persistent node failure")

	// no checkpoint: the range was never completed
	_, ok, err := cs.LastSyncedBlock(context.Background(), store.StreamOrders)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRunAnomalousRecordExcluded(t *testing.T) {
	cfg := testConfig(t, 100, 149)

	// truncated event data: undecodable
	bad := orderLog(100, 0, 42, tokens(1000), tokens(5))
	bad.Data = bad.Data[:3*32]

	good := orderLog(101, 1, 43, tokens(500), tokens(1))

	client := &mockClient{
		getLogs: func(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
			return []types.Log{bad, good}, nil
		},
	}

	d, st, _, _ := setupDriver(t, cfg, client)
	require.NoError(t, d.Run(context.Background()))

	// the batch survived: the good order landed, the bad one was excluded
	count, err := st.CountOrders()
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	require.Equal(t, uint64(1), d.Stats().Anomalies)
	require.Equal(t, uint64(2), d.Stats().OrdersSeen)
	require.Equal(t, uint64(1), d.Stats().OrdersKept)
}

func TestRunTailModeStopsOnCancel(t *testing.T) {
	cfg := testConfig(t, 100, 0) // end_block 0: tail mode
	cfg.Sync.PollInterval = common.NewDuration(5 * time.Millisecond)

	client := &mockClient{
		latest: 149,
		getLogs: func(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
			return nil, nil
		},
	}

	d, _, cs, _ := setupDriver(t, cfg, client)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// let backfill finish and a few polls go by
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not stop on context cancellation")
	}

	block, ok, err := cs.LastSyncedBlock(context.Background(), store.StreamOrders)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(149), block)
}
