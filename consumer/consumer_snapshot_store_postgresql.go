package consumer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/withObsrvr/snapshot-audit-pipeline/processor"
)

// PostgresSnapshotStore reads locally computed snapshot records from the
// snapshots table owned by the analytics side. The audit pipeline never
// writes to it.
type PostgresSnapshotStore struct {
	db *sql.DB
}

func NewPostgresSnapshotStore(db *sql.DB) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{db: db}
}

// Lookup returns the most recent snapshot record for epoch, or
// processor.ErrSnapshotNotFound when local computation has not produced one
// yet.
func (s *PostgresSnapshotStore) Lookup(ctx context.Context, epoch uint64) (*processor.SnapshotRecord, error) {
	var record processor.SnapshotRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT epoch, hash, created_at
		FROM snapshots
		WHERE epoch = $1
		ORDER BY created_at DESC
		LIMIT 1`,
		int64(epoch),
	).Scan(&record.Epoch, &record.Hash, &record.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, processor.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up snapshot for epoch %d: %w", epoch, err)
	}
	return &record, nil
}
