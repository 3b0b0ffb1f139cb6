package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	werrors "github.com/orcharddb/warden/infrastructure/errors"
)

// Statistics scopes. Procedure statistics count terminal procedures by
// name; group statistics count promotions (call_count) and demotions
// (call_abort) per group.
const (
	ScopeProcedure = "procedure"
	ScopeGroup     = "group"
)

// StatRow is one row of the statistics table.
type StatRow struct {
	Scope     string `db:"scope"`
	Name      string `db:"name"`
	CallCount int    `db:"call_count"`
	CallAbort int    `db:"call_abort"`
}

// ProcedureRepo persists procedure audit rows and statistics.
type ProcedureRepo struct {
	store *Store
}

// Procedures returns the procedure repository.
func (s *Store) Procedures() *ProcedureRepo {
	return &ProcedureRepo{store: s}
}

// Insert records a newly enqueued procedure.
func (r *ProcedureRepo) Insert(ctx context.Context, q Querier, id uuid.UUID, name string, startedAt time.Time) error {
	_, err := q.ExecContext(ctx,
		"INSERT INTO procedures (uuid, name, started_at) VALUES (?, ?, ?)",
		id.String(), name, startedAt.UTC())
	if err != nil {
		return werrors.Persistence(err, "insert procedure (%s)", id)
	}
	return nil
}

// FetchName returns a procedure's registered name, or the empty string
// when the row is gone.
func (r *ProcedureRepo) FetchName(ctx context.Context, q Querier, id uuid.UUID) (string, error) {
	var name string
	err := sqlx.GetContext(ctx, q, &name,
		"SELECT name FROM procedures WHERE uuid = ?", id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", werrors.Persistence(err, "fetch procedure name (%s)", id)
	}
	return name, nil
}

// MarkFinished stamps a procedure terminal. It runs in the same transaction
// as the final checkpoint and the statistics bump so the audit log and the
// counters can never disagree.
func (r *ProcedureRepo) MarkFinished(ctx context.Context, q Querier, id uuid.UUID, success bool) error {
	_, err := q.ExecContext(ctx,
		"UPDATE procedures SET finished_at = ?, success = ? WHERE uuid = ?",
		time.Now().UTC(), success, id.String())
	if err != nil {
		return werrors.Persistence(err, "finish procedure (%s)", id)
	}
	return nil
}

// BumpProcedure increments the call counter for a procedure name, and the
// abort counter as well when the procedure aborted.
func (r *ProcedureRepo) BumpProcedure(ctx context.Context, q Querier, name string, aborted bool) error {
	abort := 0
	if aborted {
		abort = 1
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO statistics (scope, name, call_count, call_abort) VALUES (?, ?, 1, ?)
		 ON DUPLICATE KEY UPDATE call_count = call_count + 1, call_abort = call_abort + ?`,
		ScopeProcedure, name, abort, abort)
	if err != nil {
		return werrors.Persistence(err, "bump statistics for procedure (%s)", name)
	}
	return nil
}

// BumpGroup increments a group's promotion counter, or its demotion counter
// when demotion is set.
func (r *ProcedureRepo) BumpGroup(ctx context.Context, q Querier, groupID string, demotion bool) error {
	promote, demote := 1, 0
	if demotion {
		promote, demote = 0, 1
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO statistics (scope, name, call_count, call_abort) VALUES (?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE call_count = call_count + ?, call_abort = call_abort + ?`,
		ScopeGroup, groupID, promote, demote, promote, demote)
	if err != nil {
		return werrors.Persistence(err, "bump statistics for group (%s)", groupID)
	}
	return nil
}

// ProcedureStats returns procedure statistics whose name starts with the
// given pattern. An empty pattern returns everything.
func (r *ProcedureRepo) ProcedureStats(ctx context.Context, q Querier, pattern string) ([]StatRow, error) {
	return r.stats(ctx, q, ScopeProcedure, pattern)
}

// GroupStats returns group statistics whose group id starts with the given
// pattern. An empty pattern returns everything.
func (r *ProcedureRepo) GroupStats(ctx context.Context, q Querier, pattern string) ([]StatRow, error) {
	return r.stats(ctx, q, ScopeGroup, pattern)
}

func (r *ProcedureRepo) stats(ctx context.Context, q Querier, scope, pattern string) ([]StatRow, error) {
	var rows []StatRow
	err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT scope, name, call_count, call_abort FROM statistics
		 WHERE scope = ? AND name LIKE ? ORDER BY name`,
		scope, pattern+"%")
	if err != nil {
		return nil, werrors.Persistence(err, "list %s statistics", scope)
	}
	return rows, nil
}

// PurgeTerminatedBefore removes terminal procedures older than the cutoff
// together with their checkpoints. Statistics are kept; they are aggregates,
// not an audit trail.
func (r *ProcedureRepo) PurgeTerminatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	err := r.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx,
			`DELETE c FROM checkpoints c
			 JOIN procedures p ON p.uuid = c.proc_uuid
			 WHERE p.finished_at IS NOT NULL AND p.finished_at < ?`,
			cutoff.UTC())
		if err != nil {
			return werrors.Persistence(err, "purge checkpoints")
		}
		if n, err := result.RowsAffected(); err == nil {
			purged += n
		}
		result, err = tx.ExecContext(ctx,
			"DELETE FROM procedures WHERE finished_at IS NOT NULL AND finished_at < ?",
			cutoff.UTC())
		if err != nil {
			return werrors.Persistence(err, "purge procedures")
		}
		if n, err := result.RowsAffected(); err == nil {
			purged += n
		}
		return nil
	})
	return purged, err
}
