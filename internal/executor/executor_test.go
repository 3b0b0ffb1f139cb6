package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	werrors "github.com/orcharddb/warden/infrastructure/errors"
	"github.com/orcharddb/warden/infrastructure/logging"
	"github.com/orcharddb/warden/infrastructure/metrics"
	"github.com/orcharddb/warden/internal/locking"
	"github.com/orcharddb/warden/internal/store"
)

// newTestExecutor wires an executor against a permissive sqlmock journal:
// expectations are unordered and generously duplicated so tests assert on
// executor behavior, not on SQL traffic. Store-level SQL is covered by the
// store package's own tests.
func newTestExecutor(t *testing.T, registry *Registry, workers int) *Executor {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 200; i++ {
		mock.ExpectBegin()
		mock.ExpectCommit()
		mock.ExpectRollback()
		mock.ExpectQuery(`SELECT MAX\(sequence\) FROM checkpoints`).
			WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
		mock.ExpectExec("INSERT INTO checkpoints").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO procedures").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE procedures").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO statistics").WillReturnResult(sqlmock.NewResult(0, 1))
	}

	log := logging.New("test", "error", "text")
	st := store.NewWithDB(sqlx.NewDb(db, "mysql"), log)
	ex := New(st, locking.NewManager(), registry, nil, metrics.Nop(), log, workers)
	require.NoError(t, ex.Start())
	t.Cleanup(ex.Shutdown)
	return ex
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestEnqueueProcedureBasic(t *testing.T) {
	registry := NewRegistry()
	ran := false
	registry.Register(ActionSpec{Name: "test.noop", Func: func(ctx context.Context, run *Run) error {
		ran = true
		return nil
	}})
	ex := newTestExecutor(t, registry, 2)

	proc, err := ex.EnqueueProcedure(waitCtx(t), true, "test.noop", "Run noop.", []string{"lock"})
	require.NoError(t, err)
	require.True(t, proc.Terminal())
	assert.False(t, proc.Aborted())
	assert.True(t, ran)

	last := proc.LastStatus()
	assert.Equal(t, StateComplete, last.State)
	assert.True(t, last.Success)
	assert.Equal(t, "Executed action (test.noop).", last.Description)

	// The executor remembers the procedure by uuid.
	assert.Same(t, proc, ex.Procedure(proc.UUID))
}

func TestEnqueueUnknownActionIsNotCallable(t *testing.T) {
	ex := newTestExecutor(t, NewRegistry(), 1)

	_, err := ex.EnqueueProcedure(waitCtx(t), true, "test.ghost", "Run ghost.", nil)
	require.Error(t, err)
	assert.Equal(t, werrors.KindNotCallable, werrors.KindOf(err))
}

func TestFailingJobAbortsProcedure(t *testing.T) {
	registry := NewRegistry()
	registry.Register(ActionSpec{Name: "test.fail", Func: func(ctx context.Context, run *Run) error {
		return werrors.Group("group (g1) does not exist")
	}})
	ex := newTestExecutor(t, registry, 1)

	proc, err := ex.EnqueueProcedure(waitCtx(t), true, "test.fail", "Run failing action.", []string{"g1"})
	require.NoError(t, err)
	require.True(t, proc.Terminal())
	assert.True(t, proc.Aborted())

	last := proc.LastStatus()
	assert.Equal(t, StateComplete, last.State)
	assert.False(t, last.Success)
}

func TestPanickingActionAbortsButWorkerSurvives(t *testing.T) {
	registry := NewRegistry()
	registry.Register(ActionSpec{Name: "test.panic", Func: func(ctx context.Context, run *Run) error {
		panic("boom")
	}})
	registry.Register(ActionSpec{Name: "test.ok", Func: func(ctx context.Context, run *Run) error {
		return nil
	}})
	ex := newTestExecutor(t, registry, 1)

	proc, err := ex.EnqueueProcedure(waitCtx(t), true, "test.panic", "Run panicking action.", []string{"lock"})
	require.NoError(t, err)
	assert.True(t, proc.Aborted())

	// The single worker must still be alive to run the next procedure.
	next, err := ex.EnqueueProcedure(waitCtx(t), true, "test.ok", "Run after panic.", []string{"lock"})
	require.NoError(t, err)
	assert.False(t, next.Aborted())
}

func TestFollowUpJobsRunInOrder(t *testing.T) {
	registry := NewRegistry()
	var order []string
	var mu sync.Mutex
	note := func(step string) {
		mu.Lock()
		order = append(order, step)
		mu.Unlock()
	}
	registry.Register(ActionSpec{Name: "test.second", Func: func(ctx context.Context, run *Run) error {
		note("second")
		return nil
	}})
	registry.Register(ActionSpec{Name: "test.first", Func: func(ctx context.Context, run *Run) error {
		note("first")
		run.Queue("test.second", "", "Follow-up.")
		return nil
	}})
	ex := newTestExecutor(t, registry, 2)

	proc, err := ex.EnqueueProcedure(waitCtx(t), true, "test.first", "Run chain.", []string{"lock"})
	require.NoError(t, err)
	require.True(t, proc.Terminal())
	assert.False(t, proc.Aborted())
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestUndoRunsInReverseOrderOnFailure(t *testing.T) {
	registry := NewRegistry()
	var order []string
	var mu sync.Mutex
	note := func(step string) func(context.Context, *Run) error {
		return func(ctx context.Context, run *Run) error {
			mu.Lock()
			order = append(order, step)
			mu.Unlock()
			return nil
		}
	}
	registry.Register(ActionSpec{Name: "test.a", Undo: "test.a.undo", Func: func(ctx context.Context, run *Run) error {
		mu.Lock()
		order = append(order, "a")
		mu.Unlock()
		run.Queue("test.b", "test.b.undo", "Step b.")
		return nil
	}})
	registry.Register(ActionSpec{Name: "test.b", Undo: "test.b.undo", Func: func(ctx context.Context, run *Run) error {
		mu.Lock()
		order = append(order, "b")
		mu.Unlock()
		run.Queue("test.fail", "", "Failing step.")
		return nil
	}})
	registry.Register(ActionSpec{Name: "test.fail", Func: func(ctx context.Context, run *Run) error {
		return werrors.Procedure("deliberate failure")
	}})
	registry.Register(ActionSpec{Name: "test.a.undo", Func: note("undo-a")})
	registry.Register(ActionSpec{Name: "test.b.undo", Func: note("undo-b")})
	ex := newTestExecutor(t, registry, 1)

	proc, err := ex.EnqueueProcedure(waitCtx(t), true, "test.a", "Run saga.", []string{"lock"})
	require.NoError(t, err)
	require.True(t, proc.Aborted())
	assert.Equal(t, []string{"a", "b", "undo-b", "undo-a"}, order)
}

func TestOverlappingLocksSerialize(t *testing.T) {
	registry := NewRegistry()
	var mu sync.Mutex
	active := 0
	maxActive := 0
	registry.Register(ActionSpec{Name: "test.slow", Func: func(ctx context.Context, run *Run) error {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return nil
	}})
	ex := newTestExecutor(t, registry, 4)

	var procs []*Procedure
	for i := 0; i < 3; i++ {
		proc, err := ex.EnqueueProcedure(waitCtx(t), false, "test.slow", "Run slow.", []string{"shared"})
		require.NoError(t, err)
		procs = append(procs, proc)
	}
	for _, proc := range procs {
		require.NoError(t, proc.Wait(waitCtx(t)))
	}
	assert.Equal(t, 1, maxActive, "overlapping lock sets must never interleave")
}

func TestDisjointLocksRunInParallel(t *testing.T) {
	registry := NewRegistry()
	var mu sync.Mutex
	active := 0
	maxActive := 0
	registry.Register(ActionSpec{Name: "test.parallel", Func: func(ctx context.Context, run *Run) error {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return nil
	}})
	ex := newTestExecutor(t, registry, 4)

	locks := [][]string{{"gA"}, {"gB"}, {"gC"}}
	var procs []*Procedure
	for _, set := range locks {
		proc, err := ex.EnqueueProcedure(waitCtx(t), false, "test.parallel", "Run parallel.", set)
		require.NoError(t, err)
		procs = append(procs, proc)
	}
	for _, proc := range procs {
		require.NoError(t, proc.Wait(waitCtx(t)))
	}
	assert.Greater(t, maxActive, 1, "disjoint lock sets should overlap in time")
}

func TestAsynchronousEnqueueReturnsImmediately(t *testing.T) {
	registry := NewRegistry()
	release := make(chan struct{})
	registry.Register(ActionSpec{Name: "test.block", Func: func(ctx context.Context, run *Run) error {
		<-release
		return nil
	}})
	ex := newTestExecutor(t, registry, 1)

	proc, err := ex.EnqueueProcedure(waitCtx(t), false, "test.block", "Run blocked.", []string{"lock"})
	require.NoError(t, err)
	assert.False(t, proc.Terminal())

	// A bounded wait on a running procedure reports a timeout.
	shortCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = proc.Wait(shortCtx)
	require.Error(t, err)
	assert.Equal(t, werrors.KindTimeout, werrors.KindOf(err))

	close(release)
	require.NoError(t, proc.Wait(waitCtx(t)))
	assert.False(t, proc.Aborted())
}

func TestShutdownDrainsQueue(t *testing.T) {
	registry := NewRegistry()
	var mu sync.Mutex
	ran := 0
	registry.Register(ActionSpec{Name: "test.count", Func: func(ctx context.Context, run *Run) error {
		mu.Lock()
		ran++
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		return nil
	}})
	ex := newTestExecutor(t, registry, 2)

	var procs []*Procedure
	for i := 0; i < 5; i++ {
		proc, err := ex.EnqueueProcedure(waitCtx(t), false, "test.count", "Run counted.", nil)
		require.NoError(t, err)
		procs = append(procs, proc)
	}

	ex.Shutdown()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, ran, "shutdown must drain queued procedures")

	_, err := ex.EnqueueProcedure(waitCtx(t), false, "test.count", "Run after shutdown.", nil)
	require.Error(t, err)
}
