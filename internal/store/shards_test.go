package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	werrors "github.com/orcharddb/warden/infrastructure/errors"
)

func TestShardPutValidates(t *testing.T) {
	st, _ := newMockStore(t)

	err := st.Shards().Put(context.Background(), st.DB(), &ShardRange{
		MappingID: "", LowerBound: []byte{0x01}, GroupID: "g1",
	})
	require.Error(t, err)
	assert.Equal(t, werrors.KindSharding, werrors.KindOf(err))

	err = st.Shards().Put(context.Background(), st.DB(), &ShardRange{
		MappingID: "m1", GroupID: "g1",
	})
	require.Error(t, err)
	assert.Equal(t, werrors.KindSharding, werrors.KindOf(err))
}

func TestShardRoundTrip(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO shard_ranges").
		WithArgs("m1", []byte{0x00, 0x10}, "g1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT mapping_id, lower_bound, group_id FROM shard_ranges").
		WithArgs("m1").
		WillReturnRows(sqlmock.NewRows([]string{"mapping_id", "lower_bound", "group_id"}).
			AddRow("m1", []byte{0x00, 0x10}, "g1"))

	require.NoError(t, st.Shards().Put(context.Background(), st.DB(), &ShardRange{
		MappingID: "m1", LowerBound: []byte{0x00, 0x10}, GroupID: "g1",
	}))

	// The bounds come back byte for byte; the controller never interprets
	// them.
	ranges, err := st.Shards().ByMapping(context.Background(), st.DB(), "m1")
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, []byte{0x00, 0x10}, ranges[0].LowerBound)
	assert.Equal(t, "g1", ranges[0].GroupID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
