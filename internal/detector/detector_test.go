package detector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcharddb/warden/infrastructure/logging"
	"github.com/orcharddb/warden/infrastructure/metrics"
	"github.com/orcharddb/warden/internal/events"
	"github.com/orcharddb/warden/internal/executor"
	"github.com/orcharddb/warden/internal/fleet"
	"github.com/orcharddb/warden/internal/locking"
	"github.com/orcharddb/warden/internal/store"
)

// fakeControl fails probes for the addresses it is told to.
type fakeControl struct {
	mu   sync.Mutex
	dead map[string]bool
}

func (c *fakeControl) Probe(ctx context.Context, server *fleet.Server, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead[server.Address] {
		return context.DeadlineExceeded
	}
	return nil
}

func (c *fakeControl) SetReadOnly(ctx context.Context, server *fleet.Server, readOnly bool) error {
	return nil
}

func (c *fakeControl) setDead(address string, dead bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dead[address] = dead
}

type eventCounter struct {
	mu         sync.Mutex
	serverLost int
	failOver   int
}

type harness struct {
	detector *Detector
	control  *fakeControl
	counter  *eventCounter
	master   uuid.UUID
	replica  uuid.UUID
}

var serverCols = []string{"uuid", "group_id", "address", "user", "passwd", "mode", "status", "weight"}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	master := uuid.New()
	replica := uuid.New()

	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 300; i++ {
		mock.ExpectBegin()
		mock.ExpectCommit()
		mock.ExpectRollback()
		mock.ExpectQuery("SELECT group_id, description, master_uuid, status FROM groups").
			WillReturnRows(sqlmock.NewRows([]string{"group_id", "description", "master_uuid", "status"}).
				AddRow("g1", "", master.String(), "ACTIVE"))
		mock.ExpectQuery("SELECT uuid, group_id, address, user, passwd, mode, status, weight FROM servers WHERE group_id").
			WillReturnRows(sqlmock.NewRows(serverCols).
				AddRow(master.String(), "g1", "db0:3306", "root", "", "READ_WRITE", "PRIMARY", 1.0).
				AddRow(replica.String(), "g1", "db1:3306", "root", "", "READ_ONLY", "SECONDARY", 1.0))
		mock.ExpectQuery("SELECT uuid, group_id, address, user, passwd, mode, status, weight FROM servers WHERE uuid").
			WillReturnRows(sqlmock.NewRows(serverCols).
				AddRow(master.String(), "g1", "db0:3306", "root", "", "READ_WRITE", "PRIMARY", 1.0))
		mock.ExpectExec("UPDATE servers SET status").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`SELECT MAX\(sequence\) FROM checkpoints`).
			WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
		mock.ExpectExec("INSERT INTO checkpoints").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO procedures").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE procedures").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO statistics").WillReturnResult(sqlmock.NewResult(0, 1))
	}

	log := logging.New("test", "error", "text")
	st := store.NewWithDB(sqlx.NewDb(db, "mysql"), log)

	counter := &eventCounter{}
	actions := executor.NewRegistry()
	actions.Register(executor.ActionSpec{Name: "ha.server_lost", Func: func(ctx context.Context, run *executor.Run) error {
		counter.mu.Lock()
		counter.serverLost++
		counter.mu.Unlock()
		return nil
	}})
	actions.Register(executor.ActionSpec{Name: "ha.fail_over", Func: func(ctx context.Context, run *executor.Run) error {
		counter.mu.Lock()
		counter.failOver++
		counter.mu.Unlock()
		return nil
	}})

	ex := executor.New(st, locking.NewManager(), actions, nil, metrics.Nop(), log, 2)
	require.NoError(t, ex.Start())
	t.Cleanup(ex.Shutdown)

	reg := events.NewRegistry(ex, log)
	reg.Register(events.New(EventServerLost), events.Handler{Action: "ha.server_lost", Description: "Handle lost server."})
	reg.Register(events.New(EventFailOver), events.Handler{Action: "ha.fail_over", Description: "Handle lost master."})

	control := &fakeControl{dead: make(map[string]bool)}
	d := New(Config{
		Period:            time.Hour, // rounds are driven manually
		FailuresToSuspect: 1,
		FailuresToDown:    2,
		ProbeTimeout:      time.Second,
	}, st, reg, control, metrics.Nop(), log)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)

	return &harness{detector: d, control: control, counter: counter, master: master, replica: replica}
}

func (h *harness) counts(t *testing.T) (int, int) {
	t.Helper()
	// Give triggered procedures a moment to drain through the executor.
	time.Sleep(50 * time.Millisecond)
	h.counter.mu.Lock()
	defer h.counter.mu.Unlock()
	return h.counter.serverLost, h.counter.failOver
}

func TestStartMonitorsActiveGroups(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, []string{"g1"}, h.detector.Monitored())
}

func TestSecondaryDownEmitsExactlyOneServerLost(t *testing.T) {
	h := newHarness(t)
	h.control.setDead("db1:3306", true)

	h.detector.probeGroup("g1")
	lost, failover := h.counts(t)
	assert.Zero(t, lost, "one failure only reaches SUSPECT")
	assert.Zero(t, failover)

	h.detector.probeGroup("g1")
	lost, failover = h.counts(t)
	assert.Equal(t, 1, lost, "second failure reaches DOWN")
	assert.Zero(t, failover, "secondary loss must not trigger failover")

	h.detector.probeGroup("g1")
	lost, _ = h.counts(t)
	assert.Equal(t, 1, lost, "DOWN is edge-triggered")
}

func TestSuspectRecoversWithoutEvents(t *testing.T) {
	h := newHarness(t)
	h.control.setDead("db1:3306", true)

	h.detector.probeGroup("g1")
	h.control.setDead("db1:3306", false)
	h.detector.probeGroup("g1")

	// A fresh failure streak must count from zero again.
	h.control.setDead("db1:3306", true)
	h.detector.probeGroup("g1")

	lost, failover := h.counts(t)
	assert.Zero(t, lost)
	assert.Zero(t, failover)
}

func TestMasterDownEmitsFailOver(t *testing.T) {
	h := newHarness(t)
	h.control.setDead("db0:3306", true)

	h.detector.probeGroup("g1")
	h.detector.probeGroup("g1")

	lost, failover := h.counts(t)
	assert.Equal(t, 1, lost)
	assert.Equal(t, 1, failover)
}

func TestUnregisterGroupStopsProbing(t *testing.T) {
	h := newHarness(t)
	h.detector.UnregisterGroup("g1")
	assert.Empty(t, h.detector.Monitored())

	h.control.setDead("db1:3306", true)
	h.detector.probeGroup("g1")
	h.detector.probeGroup("g1")
	lost, _ := h.counts(t)
	assert.Zero(t, lost, "unregistered group has no probe state")
}
