package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	werrors "github.com/orcharddb/warden/infrastructure/errors"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusSecondary, StatusPrimary, true},
		{StatusPrimary, StatusSecondary, true},
		{StatusSpare, StatusSecondary, true},
		{StatusFaulty, StatusSecondary, true},
		{StatusFaulty, StatusPrimary, false},
		{StatusOffline, StatusPrimary, false},
		{StatusConfiguring, StatusSecondary, true},
		{StatusFaulty, StatusFaulty, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestParseStatus(t *testing.T) {
	status, err := ParseStatus(" secondary ")
	require.NoError(t, err)
	assert.Equal(t, StatusSecondary, status)

	_, err = ParseStatus("zombie")
	require.Error(t, err)
	assert.Equal(t, werrors.KindServer, werrors.KindOf(err))
}

func TestMonitorable(t *testing.T) {
	assert.True(t, StatusPrimary.Monitorable())
	assert.True(t, StatusSecondary.Monitorable())
	assert.True(t, StatusSpare.Monitorable())
	assert.False(t, StatusFaulty.Monitorable())
	assert.False(t, StatusOffline.Monitorable())
	assert.False(t, StatusConfiguring.Monitorable())
}

func TestSplitHostPort(t *testing.T) {
	host, port, err := SplitHostPort("db0:3307")
	require.NoError(t, err)
	assert.Equal(t, "db0", host)
	assert.Equal(t, 3307, port)

	host, port, err = SplitHostPort("db1")
	require.NoError(t, err)
	assert.Equal(t, "db1", host)
	assert.Equal(t, DefaultPort, port)

	for _, bad := range []string{"", ":3306", "db0:notaport", "db0:70000"} {
		_, _, err := SplitHostPort(bad)
		assert.Error(t, err, "address %q", bad)
	}
}

func TestCombineHostPort(t *testing.T) {
	assert.Equal(t, "db0:3306", CombineHostPort("db0", 0))
	assert.Equal(t, "db0:3307", CombineHostPort("db0", 3307))
}
