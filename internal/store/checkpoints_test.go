package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcharddb/warden/infrastructure/logging"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, "mysql"), logging.New("test", "error", "text")), mock
}

var checkpointCols = []string{
	"proc_uuid", "job_uuid", "sequence", "phase", "success",
	"do_action", "undo_action", "args_blob", "locks_blob", "logged_at",
}

func TestCheckpointStartAssignsMonotonicSequence(t *testing.T) {
	st, mock := newMockStore(t)
	procUUID := uuid.New()
	jobUUID := uuid.New()

	mock.ExpectQuery(`SELECT MAX\(sequence\) FROM checkpoints`).
		WithArgs(procUUID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(3))
	mock.ExpectExec("INSERT INTO checkpoints").
		WithArgs(procUUID.String(), jobUUID.String(), 4, "STARTED", nil,
			"group.promote", "group.promote.undo", sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	cp := &Checkpoint{
		ProcUUID:   procUUID,
		JobUUID:    jobUUID,
		DoAction:   "group.promote",
		UndoAction: "group.promote.undo",
		Args:       []interface{}{"g1"},
		Locks:      []string{"g1"},
	}
	require.NoError(t, st.Checkpoints().Start(context.Background(), st.DB(), cp))
	assert.Equal(t, 4, cp.Sequence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointFinishRecordsOutcome(t *testing.T) {
	st, mock := newMockStore(t)
	procUUID := uuid.New()
	jobUUID := uuid.New()

	mock.ExpectQuery(`SELECT MAX\(sequence\) FROM checkpoints`).
		WithArgs(procUUID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectExec("INSERT INTO checkpoints").
		WithArgs(procUUID.String(), jobUUID.String(), 1, "FINISHED", false,
			"server.add", "", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	cp := &Checkpoint{ProcUUID: procUUID, JobUUID: jobUUID, DoAction: "server.add"}
	require.NoError(t, st.Checkpoints().Finish(context.Background(), st.DB(), cp, false))
	assert.Equal(t, PhaseFinished, cp.Phase)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointUnfinished(t *testing.T) {
	st, mock := newMockStore(t)
	procUUID := uuid.New()
	jobUUID := uuid.New()

	mock.ExpectQuery(`WHERE c.phase = 'STARTED'`).
		WillReturnRows(sqlmock.NewRows(checkpointCols).AddRow(
			procUUID.String(), jobUUID.String(), 2, "STARTED", nil,
			"group.promote", "group.promote.undo",
			`["g1"]`, `["g1"]`, time.Now().UTC()))

	cps, err := st.Checkpoints().Unfinished(context.Background(), st.DB())
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, procUUID, cps[0].ProcUUID)
	assert.Equal(t, PhaseStarted, cps[0].Phase)
	assert.Equal(t, "group.promote.undo", cps[0].UndoAction)
	assert.Equal(t, []interface{}{"g1"}, cps[0].Args)
	assert.Equal(t, []string{"g1"}, cps[0].Locks)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointScheduled(t *testing.T) {
	st, mock := newMockStore(t)
	procUUID := uuid.New()

	rows := sqlmock.NewRows(checkpointCols)
	for seq, action := range []string{"server.add", "group.promote"} {
		rows.AddRow(procUUID.String(), uuid.New().String(), seq+1, "SCHEDULED",
			nil, action, "", `[]`, `[]`, time.Now().UTC())
	}
	mock.ExpectQuery(`phase <> 'SCHEDULED'`).WillReturnRows(rows)

	cps, err := st.Checkpoints().Scheduled(context.Background(), st.DB())
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, "server.add", cps[0].DoAction)
	assert.Equal(t, "group.promote", cps[1].DoAction)
	assert.True(t, cps[0].Sequence < cps[1].Sequence)
	assert.NoError(t, mock.ExpectationsWereMet())
}
