package store

import (
	"context"
	"testing"

	"github.com/marketmirror/dexindexer/internal/logger"
	"github.com/stretchr/testify/require"
)

func TestCheckpointAbsentByDefault(t *testing.T) {
	ctx := context.Background()
	cs := NewCheckpointStore(setupTestDB(t), logger.NewNopLogger())

	_, ok, err := cs.LastSyncedBlock(ctx, StreamOrders)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckpointSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	cs := NewCheckpointStore(setupTestDB(t), logger.NewNopLogger())

	require.NoError(t, cs.Save(ctx, StreamOrders, 1000, 1700000000))

	block, ok, err := cs.LastSyncedBlock(ctx, StreamOrders)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1000), block)

	// streams are independent
	_, ok, err = cs.LastSyncedBlock(ctx, StreamTrades)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, cs.Save(ctx, StreamTrades, 500, 1700000001))

	block, ok, err = cs.LastSyncedBlock(ctx, StreamTrades)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(500), block)
}

func TestCheckpointNeverRegresses(t *testing.T) {
	ctx := context.Background()
	cs := NewCheckpointStore(setupTestDB(t), logger.NewNopLogger())

	require.NoError(t, cs.Save(ctx, StreamOrders, 1000, 1700000000))

	// a replayed batch ending earlier must not move the checkpoint back
	require.NoError(t, cs.Save(ctx, StreamOrders, 400, 1700000002))

	block, ok, err := cs.LastSyncedBlock(ctx, StreamOrders)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1000), block)

	// saving the same block again is allowed
	require.NoError(t, cs.Save(ctx, StreamOrders, 1000, 1700000003))

	// and advancing still works
	require.NoError(t, cs.Save(ctx, StreamOrders, 2000, 1700000004))

	block, _, err = cs.LastSyncedBlock(ctx, StreamOrders)
	require.NoError(t, err)
	require.Equal(t, uint64(2000), block)
}
