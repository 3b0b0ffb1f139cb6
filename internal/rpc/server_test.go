package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcharddb/warden/infrastructure/config"
	"github.com/orcharddb/warden/infrastructure/logging"
	"github.com/orcharddb/warden/infrastructure/metrics"
	"github.com/orcharddb/warden/internal/detector"
	"github.com/orcharddb/warden/internal/events"
	"github.com/orcharddb/warden/internal/executor"
	"github.com/orcharddb/warden/internal/fleet"
	"github.com/orcharddb/warden/internal/ha"
	"github.com/orcharddb/warden/internal/locking"
	"github.com/orcharddb/warden/internal/store"
)

type okControl struct{}

func (okControl) Probe(ctx context.Context, server *fleet.Server, timeout time.Duration) error {
	return nil
}

func (okControl) SetReadOnly(ctx context.Context, server *fleet.Server, readOnly bool) error {
	return nil
}

type nopMonitor struct{}

func (nopMonitor) RegisterGroup(string)   {}
func (nopMonitor) UnregisterGroup(string) {}

// newTestServer wires a full facade over a permissive sqlmock store.
func newTestServer(t *testing.T, prepare func(sqlmock.Sqlmock)) *Server {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.MatchExpectationsInOrder(false)
	if prepare != nil {
		prepare(mock)
	}
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
		mock.ExpectQuery("SELECT group_id, description, master_uuid, status FROM groups WHERE group_id").
			WillReturnRows(sqlmock.NewRows([]string{"group_id", "description", "master_uuid", "status"}))
		mock.ExpectExec("INSERT INTO groups").WillReturnResult(sqlmock.NewResult(0, 1))
	}

	log := logging.New("test", "error", "text")
	st := store.NewWithDB(sqlx.NewDb(db, "mysql"), log)
	cfg := config.New()

	m := metrics.Nop()
	actions := executor.NewRegistry()
	control := okControl{}
	haActions := ha.NewActions(nopMonitor{}, m, log, time.Second)
	haActions.Register(actions)

	ex := executor.New(st, locking.NewManager(), actions, control, m, log, 2)
	require.NoError(t, ex.Start())
	t.Cleanup(ex.Shutdown)

	reg := events.NewRegistry(ex, log)
	ha.RegisterEvents(reg)

	rt := &Runtime{
		Config:   cfg,
		Store:    st,
		Executor: ex,
		Events:   reg,
		Locks:    locking.NewManager(),
		Detector: detector.New(detector.Config{}, st, reg, control, m, log),
		Control:  control,
		Node:     NewNode("test"),
		Metrics:  m,
		Log:      log,
	}
	return NewServer(rt, BuildRegistry())
}

func post(t *testing.T, s *Server, method string, params ...interface{}) (*Response, int) {
	t.Helper()
	body, err := json.Marshal(Request{Method: method, Params: params})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		return nil, rec.Code
	}
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return &resp, rec.Code
}

func TestManagePingWorksBeforeEnable(t *testing.T) {
	s := newTestServer(t, nil)

	resp, code := post(t, s, "manage.ping")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, resp.Error)
	require.Len(t, resp.Results, 1)
	require.Len(t, resp.Results[0].Rows, 1)
	assert.Equal(t, s.runtime.Node.UUID.String(), resp.Results[0].Rows[0][0])
}

func TestCommandsRejectedBeforeEnable(t *testing.T) {
	s := newTestServer(t, nil)

	resp, code := post(t, s, "group.lookup_groups")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, resp.Error, "controller is starting")
}

func TestUnknownCommand(t *testing.T) {
	s := newTestServer(t, nil)
	s.Enable()

	resp, _ := post(t, s, "group.vanish")
	assert.Contains(t, resp.Error, "unknown command")
	assert.Empty(t, resp.Results)
}

func TestMalformedRequestIsTransportError(t *testing.T) {
	s := newTestServer(t, nil)
	s.Enable()

	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGroupCreateSynchronous(t *testing.T) {
	s := newTestServer(t, nil)
	s.Enable()

	resp, _ := post(t, s, "group.create", "g1", "payments fleet")
	assert.Empty(t, resp.Error)
	require.Len(t, resp.Results, 1)
	require.Len(t, resp.Results[0].Rows, 1)

	row := resp.Results[0].Rows[0]
	assert.Equal(t, true, row[1], "synchronous create must be finished")
	assert.Equal(t, true, row[2], "create must succeed")

	assert.NotEmpty(t, resp.ControllerUUID)
	assert.NotZero(t, resp.VersionToken)
	assert.NotZero(t, resp.TTL)
}

func TestGroupCreateAsynchronousReturnsImmediately(t *testing.T) {
	s := newTestServer(t, nil)
	s.Enable()

	// The reserved trailing parameter turns the call asynchronous.
	resp, _ := post(t, s, "group.create", "g1", "payments fleet", false)
	assert.Empty(t, resp.Error)
	require.Len(t, resp.Results, 1)
	require.Len(t, resp.Results[0].Rows, 1)
	assert.NotEmpty(t, resp.Results[0].Rows[0][0], "uuid must be returned")
}

func TestMissingGroupIsCommandError(t *testing.T) {
	s := newTestServer(t, func(mock sqlmock.Sqlmock) {})
	s.Enable()

	resp, _ := post(t, s, "group.lookup_servers", "ghost")
	assert.Contains(t, resp.Error, "does not exist")
}

func TestListCommandsCoversContractualNamespaces(t *testing.T) {
	s := newTestServer(t, nil)
	s.Enable()

	resp, _ := post(t, s, "manage.list_commands")
	require.Empty(t, resp.Error)
	require.Len(t, resp.Results, 1)

	names := make(map[string]bool)
	for _, row := range resp.Results[0].Rows {
		names[row[0].(string)] = true
	}
	for _, want := range []string{
		"group.create", "group.destroy", "group.add", "group.remove",
		"group.promote", "group.demote", "group.activate", "group.deactivate",
		"group.lookup_servers", "group.lookup_groups", "group.health",
		"event.trigger", "event.wait_for_procedures",
		"statistics.node", "statistics.group", "statistics.procedure",
		"manage.start", "manage.stop", "manage.ping", "manage.logging_level",
		"manage.list_commands", "manage.help",
		"provider.register", "provider.unregister", "provider.list",
		"machine.create", "machine.destroy", "machine.list",
	} {
		assert.True(t, names[want], "missing contractual command %s", want)
	}
}

func TestLoggingLevelCommand(t *testing.T) {
	s := newTestServer(t, nil)
	s.Enable()

	resp, _ := post(t, s, "manage.logging_level", "debug")
	require.Empty(t, resp.Error)
	assert.Equal(t, "debug", resp.Results[0].Rows[0][0])

	resp, _ = post(t, s, "manage.logging_level", "shouty")
	assert.Contains(t, resp.Error, "unknown logging level")
}
