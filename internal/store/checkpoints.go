package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	werrors "github.com/orcharddb/warden/infrastructure/errors"
)

// Phase is the durable state of a job recorded in the checkpoint log.
type Phase string

const (
	PhaseScheduled Phase = "SCHEDULED"
	PhaseStarted   Phase = "STARTED"
	PhaseFinished  Phase = "FINISHED"
)

// Checkpoint is one appended row of the checkpoint log. For any procedure
// the sequence is strictly monotonic; at most one (procedure, job) pair is
// STARTED without a later FINISHED row.
type Checkpoint struct {
	ProcUUID   uuid.UUID
	JobUUID    uuid.UUID
	Sequence   int
	Phase      Phase
	Success    bool
	DoAction   string
	UndoAction string
	Args       []interface{}
	Locks      []string
	LoggedAt   time.Time
}

type checkpointRow struct {
	ProcUUID   string         `db:"proc_uuid"`
	JobUUID    string         `db:"job_uuid"`
	Sequence   int            `db:"sequence"`
	Phase      string         `db:"phase"`
	Success    sql.NullBool   `db:"success"`
	DoAction   string         `db:"do_action"`
	UndoAction string         `db:"undo_action"`
	ArgsBlob   sql.NullString `db:"args_blob"`
	LocksBlob  sql.NullString `db:"locks_blob"`
	LoggedAt   time.Time      `db:"logged_at"`
}

func (r *checkpointRow) toDomain() (*Checkpoint, error) {
	procUUID, err := uuid.Parse(r.ProcUUID)
	if err != nil {
		return nil, werrors.Persistence(err, "checkpoint has a corrupt procedure uuid (%s)", r.ProcUUID)
	}
	jobUUID, err := uuid.Parse(r.JobUUID)
	if err != nil {
		return nil, werrors.Persistence(err, "checkpoint has a corrupt job uuid (%s)", r.JobUUID)
	}
	cp := &Checkpoint{
		ProcUUID:   procUUID,
		JobUUID:    jobUUID,
		Sequence:   r.Sequence,
		Phase:      Phase(r.Phase),
		Success:    r.Success.Valid && r.Success.Bool,
		DoAction:   r.DoAction,
		UndoAction: r.UndoAction,
		LoggedAt:   r.LoggedAt,
	}
	if r.ArgsBlob.Valid && r.ArgsBlob.String != "" {
		if err := json.Unmarshal([]byte(r.ArgsBlob.String), &cp.Args); err != nil {
			return nil, werrors.Persistence(err, "checkpoint (%s/%s) has corrupt arguments", r.ProcUUID, r.JobUUID)
		}
	}
	if r.LocksBlob.Valid && r.LocksBlob.String != "" {
		if err := json.Unmarshal([]byte(r.LocksBlob.String), &cp.Locks); err != nil {
			return nil, werrors.Persistence(err, "checkpoint (%s/%s) has corrupt locks", r.ProcUUID, r.JobUUID)
		}
	}
	return cp, nil
}

const checkpointColumns = "proc_uuid, job_uuid, sequence, phase, success, " +
	"do_action, undo_action, args_blob, locks_blob, logged_at"

// CheckpointLog provides append-only access to the checkpoints table.
type CheckpointLog struct {
	store *Store
}

// Checkpoints returns the checkpoint log.
func (s *Store) Checkpoints() *CheckpointLog {
	return &CheckpointLog{store: s}
}

func (l *CheckpointLog) nextSequence(ctx context.Context, q Querier, proc uuid.UUID) (int, error) {
	var max sql.NullInt64
	err := sqlx.GetContext(ctx, q, &max,
		"SELECT MAX(sequence) FROM checkpoints WHERE proc_uuid = ?", proc.String())
	if err != nil {
		return 0, werrors.Persistence(err, "next checkpoint sequence for (%s)", proc)
	}
	return int(max.Int64) + 1, nil
}

func (l *CheckpointLog) append(ctx context.Context, q Querier, cp *Checkpoint) error {
	sequence, err := l.nextSequence(ctx, q, cp.ProcUUID)
	if err != nil {
		return err
	}
	cp.Sequence = sequence
	cp.LoggedAt = time.Now().UTC()

	argsBlob, err := json.Marshal(cp.Args)
	if err != nil {
		return werrors.Persistence(err, "serialize checkpoint arguments for (%s)", cp.ProcUUID)
	}
	locksBlob, err := json.Marshal(cp.Locks)
	if err != nil {
		return werrors.Persistence(err, "serialize checkpoint locks for (%s)", cp.ProcUUID)
	}

	success := sql.NullBool{}
	if cp.Phase == PhaseFinished {
		success = sql.NullBool{Bool: cp.Success, Valid: true}
	}

	_, err = q.ExecContext(ctx,
		"INSERT INTO checkpoints ("+checkpointColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		cp.ProcUUID.String(), cp.JobUUID.String(), cp.Sequence, string(cp.Phase),
		success, cp.DoAction, cp.UndoAction, string(argsBlob), string(locksBlob),
		cp.LoggedAt)
	if err != nil {
		return werrors.Persistence(err, "append %s checkpoint for (%s)", cp.Phase, cp.ProcUUID)
	}
	return nil
}

// Schedule atomically appends SCHEDULED rows for jobs of a procedure that
// have not started yet. Callers run it inside the enqueue transaction.
func (l *CheckpointLog) Schedule(ctx context.Context, q Querier, cps []*Checkpoint) error {
	for _, cp := range cps {
		cp.Phase = PhaseScheduled
		if err := l.append(ctx, q, cp); err != nil {
			return err
		}
	}
	return nil
}

// Start appends a STARTED row, reserving the job.
func (l *CheckpointLog) Start(ctx context.Context, q Querier, cp *Checkpoint) error {
	cp.Phase = PhaseStarted
	return l.append(ctx, q, cp)
}

// Finish appends a FINISHED row carrying the job's outcome.
func (l *CheckpointLog) Finish(ctx context.Context, q Querier, cp *Checkpoint, success bool) error {
	cp.Phase = PhaseFinished
	cp.Success = success
	return l.append(ctx, q, cp)
}

// Unfinished returns, in original enqueue order, the last checkpoint of
// every procedure whose most recent row is STARTED. These procedures were
// interrupted mid-job and need recovery.
func (l *CheckpointLog) Unfinished(ctx context.Context, q Querier) ([]*Checkpoint, error) {
	var rows []checkpointRow
	err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT `+prefixed("c")+`
		 FROM checkpoints c
		 JOIN (SELECT proc_uuid, MAX(sequence) AS sequence
		       FROM checkpoints GROUP BY proc_uuid) last
		   ON c.proc_uuid = last.proc_uuid AND c.sequence = last.sequence
		 WHERE c.phase = 'STARTED'
		 ORDER BY c.logged_at, c.proc_uuid`)
	if err != nil {
		return nil, werrors.Persistence(err, "list unfinished checkpoints")
	}
	return toDomainList(rows)
}

// Scheduled returns, grouped by procedure in original order, every row of
// procedures that never progressed past SCHEDULED. These need re-enqueueing.
func (l *CheckpointLog) Scheduled(ctx context.Context, q Querier) ([]*Checkpoint, error) {
	var rows []checkpointRow
	err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT `+prefixed("c")+`
		 FROM checkpoints c
		 WHERE c.proc_uuid NOT IN
		   (SELECT DISTINCT proc_uuid FROM checkpoints WHERE phase <> 'SCHEDULED')
		 ORDER BY c.logged_at, c.proc_uuid, c.sequence`)
	if err != nil {
		return nil, werrors.Persistence(err, "list scheduled checkpoints")
	}
	return toDomainList(rows)
}

func prefixed(alias string) string {
	return alias + ".proc_uuid, " + alias + ".job_uuid, " + alias + ".sequence, " +
		alias + ".phase, " + alias + ".success, " + alias + ".do_action, " +
		alias + ".undo_action, " + alias + ".args_blob, " + alias + ".locks_blob, " +
		alias + ".logged_at"
}

func toDomainList(rows []checkpointRow) ([]*Checkpoint, error) {
	cps := make([]*Checkpoint, 0, len(rows))
	for i := range rows {
		cp, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	return cps, nil
}
