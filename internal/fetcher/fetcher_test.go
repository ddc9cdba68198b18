package fetcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/marketmirror/dexindexer/internal/logger"
	"github.com/stretchr/testify/require"
)

var (
	contractAddr = ethcommon.HexToAddress("0x5555555555555555555555555555555555555555")
	topicA       = ethcommon.HexToHash("0x01")
	topicB       = ethcommon.HexToHash("0x02")
)

type mockEthClient struct {
	getLogs func(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
}

func (m *mockEthClient) GetLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	return m.getLogs(ctx, query)
}

func (m *mockEthClient) GetBlockHeader(ctx context.Context, blockNum uint64) (*types.Header, error) {
	return nil, nil
}

func (m *mockEthClient) GetLatestBlockHeader(ctx context.Context) (*types.Header, error) {
	return nil, nil
}

func (m *mockEthClient) BatchGetBlockHeaders(ctx context.Context, blockNums []uint64) ([]*types.Header, error) {
	return nil, nil
}

// tooManyResultsError mimics a provider rejecting a wide range. It
// satisfies the go-ethereum rpc.DataError interface.
type tooManyResultsError struct {
	data string
}

func (e *tooManyResultsError) Error() string { return "query error" }

func (e *tooManyResultsError) ErrorData() interface{} { return e.data }

func newFetcher(client *mockEthClient) *Fetcher {
	return New(client, contractAddr, []ethcommon.Hash{topicA, topicB}, time.Second, logger.NewNopLogger())
}

func TestFetchRangeQueryShape(t *testing.T) {
	var captured ethereum.FilterQuery
	client := &mockEthClient{
		getLogs: func(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
			captured = query
			return []types.Log{{BlockNumber: 10}}, nil
		},
	}

	logs, err := newFetcher(client).FetchRange(context.Background(), 10, 20)
	require.NoError(t, err)
	require.Len(t, logs, 1)

	require.Equal(t, uint64(10), captured.FromBlock.Uint64())
	require.Equal(t, uint64(20), captured.ToBlock.Uint64())
	require.Equal(t, []ethcommon.Address{contractAddr}, captured.Addresses)
	require.Equal(t, [][]ethcommon.Hash{{topicA, topicB}}, captured.Topics)
}

func TestFetchRangeInvalidRange(t *testing.T) {
	client := &mockEthClient{
		getLogs: func(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
			t.Fatal("should not be called")
			return nil, nil
		},
	}

	_, err := newFetcher(client).FetchRange(context.Background(), 20, 10)
	require.Error(t, err)
}

func TestFetchRangeSplitsOnTooManyResults(t *testing.T) {
	// the provider accepts at most 4 blocks per query
	client := &mockEthClient{
		getLogs: func(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
			from := query.FromBlock.Uint64()
			to := query.ToBlock.Uint64()
			if to-from+1 > 4 {
				return nil, &tooManyResultsError{data: "Query returned more than 10000 results."}
			}

			var logs []types.Log
			for b := from; b <= to; b++ {
				logs = append(logs, types.Log{BlockNumber: b})
			}
			return logs, nil
		},
	}

	logs, err := newFetcher(client).FetchRange(context.Background(), 100, 115)
	require.NoError(t, err)
	require.Len(t, logs, 16)

	// ordered by block number across the split sub-ranges
	for i, l := range logs {
		require.Equal(t, uint64(100+i), l.BlockNumber)
	}
}

func TestFetchRangeUsesSuggestedRange(t *testing.T) {
	var queries []ethereum.FilterQuery
	client := &mockEthClient{
		getLogs: func(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
			queries = append(queries, query)
			from := query.FromBlock.Uint64()
			to := query.ToBlock.Uint64()
			if from == 100 && to == 199 {
				return nil, &tooManyResultsError{
					data: fmt.Sprintf("Query returned more than 10000 results. Try with this block range [0x%x, 0x%x].", 100, 149),
				}
			}
			return nil, nil
		},
	}

	_, err := newFetcher(client).FetchRange(context.Background(), 100, 199)
	require.NoError(t, err)
	require.Len(t, queries, 3)

	require.Equal(t, uint64(149), queries[1].ToBlock.Uint64())
	require.Equal(t, uint64(150), queries[2].FromBlock.Uint64())
	require.Equal(t, uint64(199), queries[2].ToBlock.Uint64())
}

func TestFetchRangeSingleBlockTooManyResults(t *testing.T) {
	client := &mockEthClient{
		getLogs: func(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
			return nil, &tooManyResultsError{data: "Query returned more than 10000 results."}
		},
	}

	_, err := newFetcher(client).FetchRange(context.Background(), 100, 100)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cannot split")
}

func TestFetchRangeNonSplittableError(t *testing.T) {
	client := &mockEthClient{
		getLogs: func(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
			return nil, fmt.Errorf("connection refused")
		},
	}

	_, err := newFetcher(client).FetchRange(context.Background(), 100, 200)
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection refused")
}
