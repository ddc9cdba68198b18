package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/marketmirror/dexindexer/internal/config"
	"github.com/marketmirror/dexindexer/internal/fetcher"
	"github.com/marketmirror/dexindexer/internal/logger"
	"github.com/marketmirror/dexindexer/internal/metrics"
	"github.com/marketmirror/dexindexer/internal/normalizer"
	"github.com/marketmirror/dexindexer/internal/rpc"
	"github.com/marketmirror/dexindexer/internal/store"
	"golang.org/x/sync/errgroup"
)

// Stats accumulates per-run counters for the final summary. Seen counts
// include logs outside the tracked pair; kept counts are persisted rows.
type Stats struct {
	BatchesProcessed uint64
	BatchRetries     uint64
	OrdersSeen       uint64
	OrdersKept       uint64
	TradesSeen       uint64
	TradesKept       uint64
	CancelsSeen      uint64
	CancelsApplied   uint64
	Anomalies        uint64
}

// Driver owns the batch scheduling loop: it walks the configured block
// range in bounded batches, hands each batch through fetch, normalize
// and persist, and checkpoints both streams only after the batch's data
// is durably committed. With end_block set it stops at the range end;
// otherwise it switches to tailing the chain head.
type Driver struct {
	cfg         *config.Config
	client      rpc.EthClient
	fetcher     *fetcher.Fetcher
	norm        *normalizer.Normalizer
	store       *store.Store
	checkpoints *store.CheckpointStore
	log         *logger.Logger
	stats       Stats
}

// New creates a Driver wiring the pipeline components together.
func New(
	cfg *config.Config,
	client rpc.EthClient,
	f *fetcher.Fetcher,
	norm *normalizer.Normalizer,
	st *store.Store,
	checkpoints *store.CheckpointStore,
	log *logger.Logger,
) *Driver {
	return &Driver{
		cfg:         cfg,
		client:      client,
		fetcher:     f,
		norm:        norm,
		store:       st,
		checkpoints: checkpoints,
		log:         log,
	}
}

// Stats returns a snapshot of the run counters.
func (d *Driver) Stats() Stats {
	return d.stats
}

// Run executes the indexing loop until the bounded range completes, the
// context is cancelled, or a batch exhausts its retries. The summary is
// logged on every exit path, including shutdown.
func (d *Driver) Run(ctx context.Context) error {
	defer d.logSummary()

	from, err := d.resumeBlock(ctx)
	if err != nil {
		return err
	}

	bounded := d.cfg.Sync.EndBlock != 0
	target := d.cfg.Sync.EndBlock
	if !bounded {
		header, err := d.client.GetLatestBlockHeader(ctx)
		if err != nil {
			return fmt.Errorf("failed to get chain head: %w", err)
		}
		target = header.Number.Uint64()
	}

	if from > target {
		d.log.Infof("nothing to backfill: resume block %d is past target %d", from, target)
	} else {
		d.log.Infof("backfilling blocks %d to %d", from, target)
		if err := d.syncRange(ctx, from, target); err != nil {
			return err
		}
		from = target + 1
	}

	if bounded {
		d.log.Infof("bounded range complete at block %d", target)
		return nil
	}

	return d.tail(ctx, from)
}

// tail follows the chain head, processing newly appeared blocks with
// the same batch pipeline as backfill.
func (d *Driver) tail(ctx context.Context, from uint64) error {
	d.log.Infof("entering tail mode from block %d, polling every %s",
		from, d.cfg.Sync.PollInterval.Duration)

	for {
		if err := waitOrDone(ctx, d.cfg.Sync.PollInterval.Duration); err != nil {
			return err
		}

		header, err := d.client.GetLatestBlockHeader(ctx)
		if err != nil {
			d.log.Warnf("failed to get chain head, will poll again: %v", err)
			continue
		}

		head := header.Number.Uint64()
		if head < from {
			continue
		}

		if err := d.syncRange(ctx, from, head); err != nil {
			return err
		}
		from = head + 1
	}
}

// syncRange processes [from, to] in batches of at most batch_size blocks.
func (d *Driver) syncRange(ctx context.Context, from, to uint64) error {
	for start := from; start <= to; {
		end := min(start+d.cfg.Sync.BatchSize-1, to)

		if err := d.processBatchWithRetry(ctx, start, end); err != nil {
			return err
		}

		start = end + 1

		if start <= to {
			if err := waitOrDone(ctx, d.cfg.Sync.BatchDelay.Duration); err != nil {
				return err
			}
		}
	}
	return nil
}

// processBatchWithRetry retries a failing batch over the same range
// after retry_delay. With max_batch_retries zero it retries forever;
// progress never skips past an unprocessed range.
func (d *Driver) processBatchWithRetry(ctx context.Context, from, to uint64) error {
	for attempt := 0; ; attempt++ {
		err := d.processBatch(ctx, from, to)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		metrics.BatchRetriesInc()
		d.stats.BatchRetries++

		maxRetries := d.cfg.Sync.MaxBatchRetries
		if maxRetries > 0 && attempt+1 >= maxRetries {
			return fmt.Errorf("batch [%d, %d] failed after %d retries: %w", from, to, maxRetries, err)
		}

		d.log.Warnf("batch [%d, %d] failed, retrying in %s: %v",
			from, to, d.cfg.Sync.RetryDelay.Duration, err)

		if err := waitOrDone(ctx, d.cfg.Sync.RetryDelay.Duration); err != nil {
			return err
		}
	}
}

// processBatch runs one block range through the full pipeline. Orders
// are persisted before cancels and trades so that same-batch fills and
// cancellations find their resting order; each trade commits together
// with its fill inside the store. Checkpoints for both streams move to
// the batch end only after every write has committed.
func (d *Driver) processBatch(ctx context.Context, from, to uint64) error {
	started := time.Now()

	logs, err := d.fetcher.FetchRange(ctx, from, to)
	if err != nil {
		return err
	}

	orderLogs, tradeLogs, cancelLogs := d.partition(logs)

	// The three streams normalize independently; trades also resolve
	// block timestamps over RPC, so overlap the work.
	var (
		g       errgroup.Group
		orders  []*store.Order
		cancels []*store.Cancel
		trades  []*store.Trade

		orderAnomalies, cancelAnomalies, tradeAnomalies uint64
	)
	g.Go(func() error {
		orders, orderAnomalies = d.normalizeOrders(orderLogs)
		return nil
	})
	g.Go(func() error {
		cancels, cancelAnomalies = d.normalizeCancels(cancelLogs)
		return nil
	})
	g.Go(func() error {
		trades, tradeAnomalies = d.normalizeTrades(ctx, tradeLogs)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	d.stats.Anomalies += orderAnomalies + cancelAnomalies + tradeAnomalies

	insertedOrders, err := d.store.UpsertOrders(ctx, orders)
	if err != nil {
		return err
	}
	d.stats.OrdersKept += uint64(insertedOrders)

	cancelled, err := d.store.ApplyCancels(ctx, cancels)
	if err != nil {
		return err
	}
	d.stats.CancelsApplied += uint64(cancelled)

	insertedTrades, err := d.store.UpsertTrades(ctx, trades)
	if err != nil {
		return err
	}
	d.stats.TradesKept += uint64(len(insertedTrades))

	now := time.Now().Unix()
	if err := d.checkpoints.Save(ctx, store.StreamOrders, to, now); err != nil {
		return err
	}
	if err := d.checkpoints.Save(ctx, store.StreamTrades, to, now); err != nil {
		return err
	}

	metrics.BatchesProcessedInc()
	metrics.BatchProcessingTimeLog(time.Since(started))
	d.stats.BatchesProcessed++

	d.log.Infof("batch [%d, %d]: %d logs, %d orders, %d trades, %d cancels persisted in %s",
		from, to, len(logs), insertedOrders, len(insertedTrades), cancelled,
		time.Since(started).Round(time.Millisecond))

	return nil
}

// partition splits a batch of logs by event signature. Logs with an
// unknown first topic are skipped; the node should not return them
// given the topic filter.
func (d *Driver) partition(logs []types.Log) (orders, trades, cancels []types.Log) {
	for _, l := range logs {
		if len(l.Topics) == 0 {
			continue
		}
		switch l.Topics[0] {
		case normalizer.OrderTopic:
			orders = append(orders, l)
		case normalizer.TradeTopic:
			trades = append(trades, l)
		case normalizer.CancelTopic:
			cancels = append(cancels, l)
		default:
			d.log.Warnf("unexpected log topic %s at block %d, skipping", l.Topics[0].Hex(), l.BlockNumber)
		}
	}

	metrics.LogsSeenInc("order", len(orders))
	metrics.LogsSeenInc("trade", len(trades))
	metrics.LogsSeenInc("cancel", len(cancels))
	d.stats.OrdersSeen += uint64(len(orders))
	d.stats.TradesSeen += uint64(len(trades))
	d.stats.CancelsSeen += uint64(len(cancels))

	return orders, trades, cancels
}

func (d *Driver) normalizeOrders(logs []types.Log) ([]*store.Order, uint64) {
	var anomalies uint64
	orders := make([]*store.Order, 0, len(logs))
	for i := range logs {
		order, err := d.norm.NormalizeOrder(&logs[i])
		if err != nil {
			anomalies++
			d.log.Warnf("excluding anomalous record: %v", err)
			continue
		}
		if order != nil {
			orders = append(orders, order)
		}
	}
	return orders, anomalies
}

func (d *Driver) normalizeCancels(logs []types.Log) ([]*store.Cancel, uint64) {
	var anomalies uint64
	cancels := make([]*store.Cancel, 0, len(logs))
	for i := range logs {
		cancel, err := d.norm.NormalizeCancel(&logs[i])
		if err != nil {
			anomalies++
			d.log.Warnf("excluding anomalous record: %v", err)
			continue
		}
		if cancel != nil {
			cancels = append(cancels, cancel)
		}
	}
	return cancels, anomalies
}

func (d *Driver) normalizeTrades(ctx context.Context, logs []types.Log) ([]*store.Trade, uint64) {
	blockTimes, approx := d.resolveBlockTimes(ctx, logs)

	var anomalies uint64
	trades := make([]*store.Trade, 0, len(logs))
	for i := range logs {
		blockTime, ok := blockTimes[logs[i].BlockNumber]
		blockApprox := approx || !ok
		if !ok {
			blockTime = time.Now().Unix()
		}

		trade, err := d.norm.NormalizeTrade(&logs[i], blockTime, blockApprox)
		if err != nil {
			anomalies++
			d.log.Warnf("excluding anomalous record: %v", err)
			continue
		}
		if trade != nil {
			trades = append(trades, trade)
		}
	}
	return trades, anomalies
}

// resolveBlockTimes fetches headers for the blocks containing trades.
// A header missing from the batch response is retried with a single
// lookup. Failed lookups are not fatal: the batch proceeds with
// wall-clock timestamps flagged as approximate.
func (d *Driver) resolveBlockTimes(ctx context.Context, logs []types.Log) (map[uint64]int64, bool) {
	blockTimes := make(map[uint64]int64)
	if len(logs) == 0 {
		return blockTimes, false
	}

	seen := make(map[uint64]struct{})
	var blockNums []uint64
	for _, l := range logs {
		if _, ok := seen[l.BlockNumber]; !ok {
			seen[l.BlockNumber] = struct{}{}
			blockNums = append(blockNums, l.BlockNumber)
		}
	}

	headers, err := d.client.BatchGetBlockHeaders(ctx, blockNums)
	if err != nil {
		d.log.Warnf("failed to resolve block timestamps for %d blocks, falling back to wall clock: %v",
			len(blockNums), err)
		return blockTimes, true
	}

	for i, header := range headers {
		if header == nil {
			single, err := d.client.GetBlockHeader(ctx, blockNums[i])
			if err != nil || single == nil {
				d.log.Warnf("failed to resolve timestamp for block %d, falling back to wall clock: %v",
					blockNums[i], err)
				continue
			}
			header = single
		}
		blockTimes[blockNums[i]] = int64(header.Time)
	}

	return blockTimes, false
}

// resumeBlock computes where to start. Each stream resumes after its
// own checkpoint; since batches advance both streams together, the run
// starts at the earlier of the two and relies on idempotent upserts for
// any overlap.
func (d *Driver) resumeBlock(ctx context.Context) (uint64, error) {
	next := func(stream string) (uint64, error) {
		block, ok, err := d.checkpoints.LastSyncedBlock(ctx, stream)
		if err != nil {
			return 0, err
		}
		if !ok {
			return d.cfg.Sync.StartBlock, nil
		}
		return block + 1, nil
	}

	ordersNext, err := next(store.StreamOrders)
	if err != nil {
		return 0, err
	}
	tradesNext, err := next(store.StreamTrades)
	if err != nil {
		return 0, err
	}

	resume := min(ordersNext, tradesNext)
	if resume != d.cfg.Sync.StartBlock {
		d.log.Infof("resuming from checkpoint: block %d", resume)
	}
	return resume, nil
}

func (d *Driver) logSummary() {
	d.log.Infof("run summary: %d batches (%d retries), orders %d seen / %d kept, "+
		"trades %d seen / %d kept, cancels %d seen / %d applied, %d anomalous records excluded",
		d.stats.BatchesProcessed, d.stats.BatchRetries,
		d.stats.OrdersSeen, d.stats.OrdersKept,
		d.stats.TradesSeen, d.stats.TradesKept,
		d.stats.CancelsSeen, d.stats.CancelsApplied,
		d.stats.Anomalies)
}

func waitOrDone(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
