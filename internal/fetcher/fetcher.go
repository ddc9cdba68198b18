package fetcher

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/marketmirror/dexindexer/internal/logger"
	"github.com/marketmirror/dexindexer/internal/rpc"
)

// Fetcher retrieves exchange-contract logs in bounded block ranges.
// Every eth_getLogs call is filtered server-side by contract address
// and the subscribed event topics, and bounded by a per-call timeout.
type Fetcher struct {
	client   rpc.EthClient
	contract common.Address
	topics   []common.Hash
	timeout  time.Duration
	log      *logger.Logger
}

// New creates a Fetcher for the given contract and event topics.
func New(client rpc.EthClient, contract common.Address, topics []common.Hash, timeout time.Duration, log *logger.Logger) *Fetcher {
	return &Fetcher{
		client:   client,
		contract: contract,
		topics:   topics,
		timeout:  timeout,
		log:      log,
	}
}

// FetchRange retrieves all matching logs in [fromBlock, toBlock]. When
// the provider rejects the range as returning too many results, the
// range is split, preferring the provider's suggested sub-range when
// one is present in the error, and the pieces are fetched recursively.
// Logs come back ordered by (block number, log index).
func (f *Fetcher) FetchRange(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error) {
	if fromBlock > toBlock {
		return nil, fmt.Errorf("invalid block range: from %d > to %d", fromBlock, toBlock)
	}

	logs, err := f.getLogs(ctx, fromBlock, toBlock)
	if err == nil {
		return logs, nil
	}

	tooMany, errData := rpc.IsTooManyResultsError(err)
	if !tooMany {
		return nil, fmt.Errorf("failed to fetch logs for range [%d, %d]: %w", fromBlock, toBlock, err)
	}

	splitAt := f.splitPoint(fromBlock, toBlock, errData)
	if splitAt == 0 {
		return nil, fmt.Errorf("cannot split single-block range %d with too many results: %w", fromBlock, err)
	}

	f.log.Debugf("range [%d, %d] returned too many results, splitting at %d", fromBlock, toBlock, splitAt)

	left, err := f.FetchRange(ctx, fromBlock, splitAt)
	if err != nil {
		return nil, err
	}
	right, err := f.FetchRange(ctx, splitAt+1, toBlock)
	if err != nil {
		return nil, err
	}

	return append(left, right...), nil
}

func (f *Fetcher) getLogs(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error) {
	callCtx := ctx
	if f.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{f.contract},
		Topics:    [][]common.Hash{f.topics},
	}

	return f.client.GetLogs(callCtx, query)
}

// splitPoint picks the last block of the left half. The provider's
// suggested range is used when it is a usable prefix of ours, otherwise
// the range is bisected. Returns 0 when the range cannot be split.
func (f *Fetcher) splitPoint(fromBlock, toBlock uint64, errData string) uint64 {
	if fromBlock == toBlock {
		return 0
	}

	if suggestedFrom, suggestedTo, ok := rpc.ParseSuggestedBlockRange(errData); ok {
		if suggestedFrom == fromBlock && suggestedTo >= fromBlock && suggestedTo < toBlock {
			return suggestedTo
		}
	}

	return fromBlock + (toBlock-fromBlock)/2
}
