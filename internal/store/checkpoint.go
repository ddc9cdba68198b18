package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/marketmirror/dexindexer/internal/logger"
	"github.com/marketmirror/dexindexer/internal/metrics"
)

// CheckpointStore tracks the last fully persisted block per stream.
// Saves are monotonic: an attempt to move a checkpoint backwards is
// ignored, so a replayed batch can never regress resume position.
type CheckpointStore struct {
	db  *sql.DB
	log *logger.Logger
}

// NewCheckpointStore creates a CheckpointStore on an open database.
func NewCheckpointStore(db *sql.DB, log *logger.Logger) *CheckpointStore {
	return &CheckpointStore{
		db:  db,
		log: log,
	}
}

// LastSyncedBlock returns the checkpoint for a stream. The second
// return value is false when the stream has no checkpoint yet, which
// callers treat as "start from the configured start block".
func (c *CheckpointStore) LastSyncedBlock(ctx context.Context, stream string) (uint64, bool, error) {
	var block uint64
	err := c.db.QueryRowContext(ctx,
		"SELECT last_synced_block FROM sync_checkpoints WHERE stream = ?", stream,
	).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read checkpoint for stream '%s': %w", stream, err)
	}
	return block, true, nil
}

// Save advances the checkpoint for a stream. syncTime is a unix
// timestamp recorded for operational visibility only.
func (c *CheckpointStore) Save(ctx context.Context, stream string, block uint64, syncTime int64) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (stream, last_synced_block, last_sync_time)
		VALUES (?, ?, ?)
		ON CONFLICT(stream) DO UPDATE SET
			last_synced_block = excluded.last_synced_block,
			last_sync_time = excluded.last_sync_time
		WHERE excluded.last_synced_block >= sync_checkpoints.last_synced_block`,
		stream, block, syncTime,
	)
	if err != nil {
		metrics.DBErrorsInc("save_checkpoint")
		return fmt.Errorf("failed to save checkpoint for stream '%s': %w", stream, err)
	}

	metrics.LastSyncedBlockSet(stream, block)
	c.log.Debugf("checkpoint for stream '%s' saved at block %d", stream, block)

	return nil
}
