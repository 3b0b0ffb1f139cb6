// Package executor turns enqueued procedures into durable, ordered,
// mutually exclusive job executions.
//
// A fixed pool of workers pulls procedures from a FIFO queue. Before the
// first job runs, the worker owns every lockable object the procedure
// declared; the locks are released only once the procedure is terminal.
// Every job transition is journaled through the checkpoint log so an
// unclean shutdown can be recovered deterministically.
package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	werrors "github.com/orcharddb/warden/infrastructure/errors"
	"github.com/orcharddb/warden/infrastructure/logging"
	"github.com/orcharddb/warden/infrastructure/metrics"
	"github.com/orcharddb/warden/internal/fleet"
	"github.com/orcharddb/warden/internal/locking"
	"github.com/orcharddb/warden/internal/store"
)

// maxYields bounds how often a procedure is requeued before its worker
// parks in a fair blocking acquisition.
const maxYields = 3

// Executor runs procedures on a bounded worker pool.
type Executor struct {
	store    *store.Store
	locks    *locking.Manager
	registry *Registry
	control  fleet.Control
	metrics  *metrics.Metrics
	log      *logging.Logger
	workers  int

	mu         sync.Mutex
	cond       *sync.Cond
	queue      []*Procedure
	procedures map[uuid.UUID]*Procedure
	shutdown   bool
	running    bool

	wg        sync.WaitGroup
	baseCtx   context.Context
	forceStop context.CancelFunc
}

// New creates an executor. Start must be called before enqueueing.
func New(st *store.Store, locks *locking.Manager, registry *Registry,
	control fleet.Control, m *metrics.Metrics, log *logging.Logger, workers int) *Executor {
	if workers <= 0 {
		workers = 1
	}
	e := &Executor{
		store:      st,
		locks:      locks,
		registry:   registry,
		control:    control,
		metrics:    m,
		log:        log,
		workers:    workers,
		procedures: make(map[uuid.UUID]*Procedure),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Start launches the worker pool.
func (e *Executor) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return werrors.Procedure("executor already running")
	}
	e.running = true
	e.shutdown = false
	e.baseCtx, e.forceStop = context.WithCancel(context.Background())

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	e.log.WithField("workers", e.workers).Info("executor started")
	return nil
}

// Shutdown stops accepting new work, drains the queue, waits for running
// procedures, then returns.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.shutdown = true
	e.mu.Unlock()
	e.cond.Broadcast()
	e.wg.Wait()

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	e.forceStop()
	e.log.Info("executor stopped")
}

// ForceStop makes workers exit at the next job boundary instead of
// draining. Interrupted procedures are picked up by recovery on restart.
func (e *Executor) ForceStop() {
	e.mu.Lock()
	if e.forceStop != nil {
		e.forceStop()
	}
	e.shutdown = true
	e.mu.Unlock()
	e.cond.Broadcast()
}

func (e *Executor) forceStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.baseCtx == nil || e.baseCtx.Err() != nil
}

// EnqueueProcedure creates a procedure with one initial job and schedules
// it. When synchronous is set the call blocks until the procedure is
// terminal or ctx expires.
func (e *Executor) EnqueueProcedure(ctx context.Context, synchronous bool,
	action, description string, locks []string, args ...interface{}) (*Procedure, error) {

	e.mu.Lock()
	if !e.running || e.shutdown {
		e.mu.Unlock()
		return nil, werrors.Procedure("executor is not accepting procedures")
	}
	e.mu.Unlock()

	spec, err := e.registry.Resolve(action)
	if err != nil {
		return nil, err
	}

	proc := newProcedure(action, locking.SortedKeys(locks))
	job := &Job{
		UUID:        uuid.New(),
		DoAction:    spec.Name,
		UndoAction:  spec.Undo,
		Description: description,
		Args:        args,
	}
	proc.appendJob(job)

	err = e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := e.store.Procedures().Insert(ctx, tx, proc.UUID, proc.Name, time.Now().UTC()); err != nil {
			return err
		}
		return e.store.Checkpoints().Schedule(ctx, tx, []*store.Checkpoint{{
			ProcUUID:   proc.UUID,
			JobUUID:    job.UUID,
			DoAction:   job.DoAction,
			UndoAction: job.UndoAction,
			Args:       job.Args,
			Locks:      proc.Locks,
		}})
	})
	if err != nil {
		return nil, err
	}

	// Reserving the lock queue position here, not at worker pickup, is what
	// serializes overlapping procedures in enqueue order.
	e.locks.Reserve(proc.UUID.String(), proc.Locks)
	e.push(proc)

	if synchronous {
		if err := proc.Wait(ctx); err != nil {
			return proc, err
		}
	}
	return proc, nil
}

// JobSpec describes one job re-enqueued by the recovery engine.
type JobSpec struct {
	JobUUID     uuid.UUID
	DoAction    string
	UndoAction  string
	Description string
	Args        []interface{}
	Locks       []string
}

// EnqueueScheduler attaches jobs that were already journaled as SCHEDULED
// to a procedure and queues it. Used only by recovery, so the checkpoint
// rows are not rewritten.
func (e *Executor) EnqueueScheduler(procUUID uuid.UUID, jobs []JobSpec) (*Procedure, error) {
	if len(jobs) == 0 {
		return nil, werrors.Procedure("procedure (%s) has no jobs to re-enqueue", procUUID)
	}
	e.mu.Lock()
	if !e.running || e.shutdown {
		e.mu.Unlock()
		return nil, werrors.Procedure("executor is not accepting procedures")
	}
	e.mu.Unlock()

	locks := jobs[0].Locks
	proc := newProcedure(jobs[0].DoAction, locking.SortedKeys(locks))
	proc.UUID = procUUID
	for _, spec := range jobs {
		proc.appendJob(&Job{
			UUID:        spec.JobUUID,
			DoAction:    spec.DoAction,
			UndoAction:  spec.UndoAction,
			Description: spec.Description,
			Args:        spec.Args,
		})
	}
	e.locks.Reserve(proc.UUID.String(), proc.Locks)
	e.push(proc)
	return proc, nil
}

// Procedure returns a known procedure or nil.
func (e *Executor) Procedure(id uuid.UUID) *Procedure {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.procedures[id]
}

func (e *Executor) push(proc *Procedure) {
	e.mu.Lock()
	e.procedures[proc.UUID] = proc
	e.queue = append(e.queue, proc)
	depth := len(e.queue)
	e.mu.Unlock()
	e.metrics.QueueDepth.Set(float64(depth))
	e.cond.Signal()
}

// pop returns the head of the queue, blocking until work arrives. Returns
// nil once the queue is drained after Shutdown.
func (e *Executor) pop() *Procedure {
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.queue) == 0 {
		if e.shutdown {
			return nil
		}
		e.cond.Wait()
	}
	proc := e.queue[0]
	e.queue = e.queue[1:]
	e.metrics.QueueDepth.Set(float64(len(e.queue)))
	return proc
}

func (e *Executor) worker(id int) {
	defer e.wg.Done()
	log := e.log.Component("executor-worker")

	for {
		proc := e.pop()
		if proc == nil {
			return
		}
		if e.forceStopped() {
			continue
		}

		holder := proc.UUID.String()
		locked := len(proc.Locks) > 0
		waitStart := time.Now()
		if locked && !e.locks.TryAcquire(holder, proc.Locks) {
			if proc.bumpWait() < maxYields {
				e.push(proc)
				continue
			}
			if err := e.locks.Acquire(e.baseCtx, holder, proc.Locks); err != nil {
				log.WithError(err).WithField("proc_uuid", holder).
					Warn("abandoning procedure, locks unavailable")
				continue
			}
		}
		e.metrics.LockWaitDuration.Observe(time.Since(waitStart).Seconds())

		e.runProcedure(proc, log)

		if locked {
			if err := e.locks.Release(holder); err != nil {
				log.WithError(err).WithField("proc_uuid", holder).Error("releasing locks")
			}
		}
	}
}

// runProcedure executes every job of a procedure in insertion order,
// switching to compensating rollback on the first failure. A panic in an
// action aborts the procedure but never kills the worker.
func (e *Executor) runProcedure(proc *Procedure, log *logging.Logger) {
	started := time.Now()
	aborted := false

	defer func() {
		if r := recover(); r != nil {
			log.WithFields(map[string]interface{}{
				"proc_uuid": proc.UUID.String(),
				"panic":     fmt.Sprint(r),
				"stack":     string(debug.Stack()),
			}).Error("procedure panicked")
			proc.markTerminal(true)
			aborted = true
		}
		status := "complete"
		if aborted {
			status = "aborted"
			e.metrics.ProcedureAborts.WithLabelValues(proc.Name).Inc()
		}
		e.metrics.ProceduresTotal.WithLabelValues(proc.Name, status).Inc()
		e.metrics.ProcedureDuration.WithLabelValues(proc.Name).Observe(time.Since(started).Seconds())
	}()

	var bumps []groupBump
	for {
		if e.forceStopped() {
			// Leave the procedure non-terminal; recovery resumes it.
			log.WithField("proc_uuid", proc.UUID.String()).Warn("interrupted by shutdown")
			return
		}
		job := proc.nextJob()
		if job == nil {
			break
		}

		runBumps, err := e.runJob(proc, job, &bumps)
		if err != nil {
			aborted = true
			e.compensate(proc, bumps, log)
			proc.markTerminal(true)
			return
		}
		bumps = append(bumps, runBumps...)
	}

	proc.markTerminal(false)
}

// runJob reserves, executes, and finishes one job. The returned bumps are
// deferred statistics increments; err non-nil means the procedure aborts.
func (e *Executor) runJob(proc *Procedure, job *Job, pending *[]groupBump) ([]groupBump, error) {
	ctx := e.baseCtx
	proc.addStatus(Status{
		State:       StateProcessing,
		When:        time.Now().UTC(),
		Description: "Processing action (" + job.DoAction + ").",
	})

	cp := &store.Checkpoint{
		ProcUUID:   proc.UUID,
		JobUUID:    job.UUID,
		DoAction:   job.DoAction,
		UndoAction: job.UndoAction,
		Args:       job.Args,
		Locks:      proc.Locks,
	}

	spec, err := e.registry.Resolve(job.DoAction)
	if err != nil {
		// The action disappeared between scheduling and execution; journal
		// the failure so recovery does not retry it forever.
		if txErr := e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
			return e.store.Checkpoints().Start(ctx, tx, cp)
		}); txErr != nil {
			return nil, txErr
		}
		e.failJob(proc, job, cp, *pending, err)
		return nil, err
	}

	// Reserve the job before running it so a crash mid-action is visible
	// to recovery as a dangling STARTED row.
	if err := e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return e.store.Checkpoints().Start(ctx, tx, cp)
	}); err != nil {
		return nil, err
	}

	run := &Run{Store: e.store, Control: e.control, Args: job.Args}
	err = e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		run.Tx = tx
		return callAction(ctx, spec.Func, run)
	})
	if err != nil {
		e.failJob(proc, job, cp, *pending, err)
		return nil, err
	}

	// Append follow-up jobs and finish the current one atomically. When no
	// jobs remain the same transaction finalizes the procedure and its
	// statistics.
	newJobs := make([]*Job, 0, len(run.followUps))
	newCps := make([]*store.Checkpoint, 0, len(run.followUps))
	for _, fu := range run.followUps {
		nj := &Job{
			UUID:        uuid.New(),
			DoAction:    fu.do,
			UndoAction:  fu.undo,
			Description: fu.description,
			Args:        fu.args,
		}
		newJobs = append(newJobs, nj)
		newCps = append(newCps, &store.Checkpoint{
			ProcUUID:   proc.UUID,
			JobUUID:    nj.UUID,
			DoAction:   nj.DoAction,
			UndoAction: nj.UndoAction,
			Args:       nj.Args,
			Locks:      proc.Locks,
		})
	}
	last := !proc.hasMoreJobs() && len(newJobs) == 0

	err = e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if len(newCps) > 0 {
			if err := e.store.Checkpoints().Schedule(ctx, tx, newCps); err != nil {
				return err
			}
		}
		if err := e.store.Checkpoints().Finish(ctx, tx, cp, true); err != nil {
			return err
		}
		if last {
			return e.finalize(ctx, tx, proc, false, append(*pending, run.bumps...))
		}
		return nil
	})
	if err != nil {
		return run.bumps, err
	}

	for _, nj := range newJobs {
		proc.appendJob(nj)
	}
	proc.addStatus(Status{
		State:       StateComplete,
		Success:     true,
		When:        time.Now().UTC(),
		Description: "Executed action (" + job.DoAction + ").",
	})
	return run.bumps, nil
}

// failJob journals a failed job. When the procedure has nothing to undo
// this is also the final checkpoint, so statistics land in the same
// transaction.
func (e *Executor) failJob(proc *Procedure, job *Job, cp *store.Checkpoint, bumps []groupBump, cause error) {
	ctx := e.baseCtx
	proc.addStatus(Status{
		State:       StateComplete,
		When:        time.Now().UTC(),
		Description: "Action (" + job.DoAction + ") failed: " + cause.Error(),
	})

	final := len(e.undoList(proc)) == 0
	err := e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := e.store.Checkpoints().Finish(ctx, tx, cp, false); err != nil {
			return err
		}
		if final {
			return e.finalize(ctx, tx, proc, true, bumps)
		}
		return nil
	})
	if err != nil {
		e.log.WithError(err).WithField("proc_uuid", proc.UUID.String()).
			Error("journaling job failure")
	}
}

// undoList returns the compensating actions for every job completed before
// the current one, most recent first.
func (e *Executor) undoList(proc *Procedure) []*Job {
	completed := proc.completedJobs()
	if len(completed) == 0 {
		return nil
	}
	// The failing job is the last one handed out; it rolled back with its
	// transaction and needs no compensation.
	completed = completed[:len(completed)-1]

	undos := make([]*Job, 0, len(completed))
	for i := len(completed) - 1; i >= 0; i-- {
		if completed[i].UndoAction == "" {
			continue
		}
		undos = append(undos, &Job{
			UUID:        uuid.New(),
			DoAction:    completed[i].UndoAction,
			Description: "Undoing action (" + completed[i].DoAction + ").",
			Args:        completed[i].Args,
			undo:        true,
		})
	}
	return undos
}

// compensate runs the undo list in reverse completion order with
// best-effort semantics. Each undo is checkpointed like a regular job; the
// last one carries the procedure's terminal bookkeeping.
func (e *Executor) compensate(proc *Procedure, bumps []groupBump, log *logging.Logger) {
	ctx := e.baseCtx
	proc.dropPending()

	undos := e.undoList(proc)
	for i, undo := range undos {
		final := i == len(undos)-1
		cp := &store.Checkpoint{
			ProcUUID: proc.UUID,
			JobUUID:  undo.UUID,
			DoAction: undo.DoAction,
			Args:     undo.Args,
			Locks:    proc.Locks,
		}

		spec, err := e.registry.Resolve(undo.DoAction)
		if err != nil {
			log.WithError(err).WithField("proc_uuid", proc.UUID.String()).
				Error("undo action unresolvable")
			proc.addStatus(Status{
				State:       StateComplete,
				When:        time.Now().UTC(),
				Description: "Undo action (" + undo.DoAction + ") failed: " + err.Error(),
			})
			continue
		}

		if err := e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
			return e.store.Checkpoints().Start(ctx, tx, cp)
		}); err != nil {
			log.WithError(err).Error("journaling undo start")
			continue
		}

		run := &Run{Store: e.store, Control: e.control, Args: undo.Args}
		actionErr := e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
			run.Tx = tx
			return callAction(ctx, spec.Func, run)
		})
		if actionErr != nil {
			log.WithError(actionErr).WithField("proc_uuid", proc.UUID.String()).
				Error("undo action failed")
		}

		if err := e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
			if err := e.store.Checkpoints().Finish(ctx, tx, cp, actionErr == nil); err != nil {
				return err
			}
			if final {
				return e.finalize(ctx, tx, proc, true, bumps)
			}
			return nil
		}); err != nil {
			log.WithError(err).Error("journaling undo finish")
		}

		description := "Executed undo action (" + undo.DoAction + ")."
		if actionErr != nil {
			description = "Undo action (" + undo.DoAction + ") failed: " + actionErr.Error()
		}
		proc.addStatus(Status{
			State:       StateComplete,
			Success:     actionErr == nil,
			When:        time.Now().UTC(),
			Description: description,
		})
	}
}

// finalize stamps the procedure row terminal and bumps statistics inside
// the caller's transaction, keeping counters consistent with the log.
func (e *Executor) finalize(ctx context.Context, tx *sqlx.Tx, proc *Procedure,
	aborted bool, bumps []groupBump) error {

	if err := e.store.Procedures().MarkFinished(ctx, tx, proc.UUID, !aborted); err != nil {
		return err
	}
	if err := e.store.Procedures().BumpProcedure(ctx, tx, proc.Name, aborted); err != nil {
		return err
	}
	for _, bump := range bumps {
		if err := e.store.Procedures().BumpGroup(ctx, tx, bump.groupID, bump.demotion); err != nil {
			return err
		}
	}
	return nil
}

// callAction invokes an action, converting panics into procedure errors.
func callAction(ctx context.Context, fn ActionFunc, run *Run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = werrors.Procedure("action panicked: %v", r)
		}
	}()
	return fn(ctx, run)
}
