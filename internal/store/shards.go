package store

import (
	"context"

	"github.com/jmoiron/sqlx"

	werrors "github.com/orcharddb/warden/infrastructure/errors"
)

// ShardRange maps an opaque lower bound onto a group. The controller
// persists these rows for the sharding tooling but never interprets the
// bounds.
type ShardRange struct {
	MappingID  string `db:"mapping_id"`
	LowerBound []byte `db:"lower_bound"`
	GroupID    string `db:"group_id"`
}

// ShardRepo persists the opaque shard-range map.
type ShardRepo struct {
	store *Store
}

// Shards returns the shard repository.
func (s *Store) Shards() *ShardRepo {
	return &ShardRepo{store: s}
}

// Put inserts or replaces a range.
func (r *ShardRepo) Put(ctx context.Context, q Querier, sr *ShardRange) error {
	if sr.MappingID == "" {
		return werrors.Sharding("shard mapping id must not be empty")
	}
	if len(sr.LowerBound) == 0 {
		return werrors.Sharding("shard lower bound must not be empty")
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO shard_ranges (mapping_id, lower_bound, group_id) VALUES (?, ?, ?)
		 ON DUPLICATE KEY UPDATE group_id = VALUES(group_id)`,
		sr.MappingID, sr.LowerBound, sr.GroupID)
	if err != nil {
		return werrors.Persistence(err, "put shard range (%s)", sr.MappingID)
	}
	return nil
}

// ByMapping returns every range of a mapping ordered by lower bound.
func (r *ShardRepo) ByMapping(ctx context.Context, q Querier, mappingID string) ([]ShardRange, error) {
	var ranges []ShardRange
	err := sqlx.SelectContext(ctx, q, &ranges,
		`SELECT mapping_id, lower_bound, group_id FROM shard_ranges
		 WHERE mapping_id = ? ORDER BY lower_bound`, mappingID)
	if err != nil {
		return nil, werrors.Persistence(err, "list shard ranges of (%s)", mappingID)
	}
	return ranges, nil
}

// DeleteMapping removes every range of a mapping.
func (r *ShardRepo) DeleteMapping(ctx context.Context, q Querier, mappingID string) error {
	if _, err := q.ExecContext(ctx,
		"DELETE FROM shard_ranges WHERE mapping_id = ?", mappingID); err != nil {
		return werrors.Persistence(err, "delete shard ranges of (%s)", mappingID)
	}
	return nil
}
