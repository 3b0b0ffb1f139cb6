// Package recovery replays the checkpoint log after an unclean shutdown.
// It runs once at startup, after the executor started but before the
// failure detector and the RPC facade accept work, so nothing competes
// with it.
package recovery

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/orcharddb/warden/infrastructure/logging"
	"github.com/orcharddb/warden/internal/executor"
	"github.com/orcharddb/warden/internal/store"
)

// Engine recovers procedures interrupted by a crash.
type Engine struct {
	store *store.Store
	exec  *executor.Executor
	log   *logging.Logger
}

// New creates a recovery engine.
func New(st *store.Store, exec *executor.Executor, log *logging.Logger) *Engine {
	return &Engine{store: st, exec: exec, log: log}
}

// Run recovers interrupted procedures. It returns true when any recovery
// step failed; callers may refuse to start on a hard failure.
func (e *Engine) Run(ctx context.Context) bool {
	failed := false

	unfinished, err := e.store.Checkpoints().Unfinished(ctx, e.store.DB())
	if err != nil {
		e.log.WithError(err).Error("listing unfinished procedures")
		return true
	}
	for _, cp := range unfinished {
		if !e.recoverUnfinished(ctx, cp) {
			failed = true
		}
	}

	scheduled, err := e.store.Checkpoints().Scheduled(ctx, e.store.DB())
	if err != nil {
		e.log.WithError(err).Error("listing scheduled procedures")
		return true
	}
	if !e.reenqueueScheduled(scheduled) {
		failed = true
	}

	e.log.WithFields(map[string]interface{}{
		"unfinished": len(unfinished),
		"scheduled":  countProcedures(scheduled),
		"failed":     failed,
	}).Info("recovery finished")
	return failed
}

// recoverUnfinished handles one procedure whose last checkpoint is STARTED.
// A job interrupted mid-flight either gets compensated through its undo
// action or, when it has none, simply re-run. Reports success.
func (e *Engine) recoverUnfinished(ctx context.Context, cp *store.Checkpoint) bool {
	log := e.log.WithFields(map[string]interface{}{
		"proc_uuid": cp.ProcUUID.String(),
		"do_action": cp.DoAction,
	})

	if cp.UndoAction != "" {
		proc, err := e.exec.EnqueueProcedure(ctx, false, cp.UndoAction,
			"Recovering ("+cp.DoAction+").", cp.Locks, cp.Args...)
		if err != nil {
			log.WithError(err).Error("enqueueing undo action")
			e.closeInterrupted(ctx, cp, false)
			return false
		}
		if err := proc.Wait(ctx); err != nil || proc.Aborted() {
			// The undo itself failed. The original procedure is closed as
			// permanently aborted and recovery moves on.
			log.WithField("undo_action", cp.UndoAction).Error("undo action failed")
			e.closeInterrupted(ctx, cp, false)
			return false
		}
		e.closeInterrupted(ctx, cp, false)
		return true
	}

	// No compensation declared: close the dangling row, then re-run the
	// original action on the same locks and wait for the outcome.
	e.closeInterrupted(ctx, cp, false)
	proc, err := e.exec.EnqueueProcedure(ctx, false, cp.DoAction,
		"Recovering ("+cp.DoAction+").", cp.Locks, cp.Args...)
	if err != nil {
		log.WithError(err).Error("re-enqueueing interrupted action")
		return false
	}
	if err := proc.Wait(ctx); err != nil || proc.Aborted() {
		log.Error("re-run of interrupted action failed")
		return false
	}
	return true
}

// closeInterrupted finishes the dangling STARTED checkpoint and stamps the
// interrupted procedure terminal, bumping its abort statistics in the same
// transaction.
func (e *Engine) closeInterrupted(ctx context.Context, cp *store.Checkpoint, success bool) {
	err := e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		name, err := e.store.Procedures().FetchName(ctx, tx, cp.ProcUUID)
		if err != nil {
			return err
		}
		if name == "" {
			name = cp.DoAction
		}
		closing := &store.Checkpoint{
			ProcUUID:   cp.ProcUUID,
			JobUUID:    cp.JobUUID,
			DoAction:   cp.DoAction,
			UndoAction: cp.UndoAction,
			Args:       cp.Args,
			Locks:      cp.Locks,
		}
		if err := e.store.Checkpoints().Finish(ctx, tx, closing, success); err != nil {
			return err
		}
		if err := e.store.Procedures().MarkFinished(ctx, tx, cp.ProcUUID, success); err != nil {
			return err
		}
		return e.store.Procedures().BumpProcedure(ctx, tx, name, !success)
	})
	if err != nil {
		e.log.WithError(err).WithField("proc_uuid", cp.ProcUUID.String()).
			Error("closing interrupted procedure")
	}
}

// reenqueueScheduled groups SCHEDULED-only rows by procedure and hands them
// back to the executor in their original order. It reports whether every
// procedure was handed back.
func (e *Engine) reenqueueScheduled(cps []*store.Checkpoint) bool {
	var current uuid.UUID
	var jobs []executor.JobSpec
	ok := true

	flush := func() {
		if len(jobs) == 0 {
			return
		}
		if _, err := e.exec.EnqueueScheduler(current, jobs); err != nil {
			e.log.WithError(err).WithField("proc_uuid", current.String()).
				Error("re-enqueueing scheduled procedure")
			ok = false
		}
		jobs = nil
	}

	for _, cp := range cps {
		if cp.ProcUUID != current {
			flush()
			current = cp.ProcUUID
		}
		jobs = append(jobs, executor.JobSpec{
			JobUUID:     cp.JobUUID,
			DoAction:    cp.DoAction,
			UndoAction:  cp.UndoAction,
			Description: "Recovering (" + cp.DoAction + ").",
			Args:        cp.Args,
			Locks:       cp.Locks,
		})
	}
	flush()
	return ok
}

func countProcedures(cps []*store.Checkpoint) int {
	seen := make(map[uuid.UUID]bool, len(cps))
	for _, cp := range cps {
		seen[cp.ProcUUID] = true
	}
	return len(seen)
}
