package fleet

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	werrors "github.com/orcharddb/warden/infrastructure/errors"
)

// Control abstracts connectivity to managed servers. The production
// implementation speaks to real MySQL processes; tests substitute fakes.
type Control interface {
	// Probe opens a connection and runs a trivial query within timeout.
	Probe(ctx context.Context, server *Server, timeout time.Duration) error

	// SetReadOnly flips the server between read-only and read-write.
	SetReadOnly(ctx context.Context, server *Server, readOnly bool) error
}

// MySQLControl is the production Control backed by the MySQL driver. Each
// call opens a short-lived connection; the controller never pools
// connections to managed servers.
type MySQLControl struct{}

// NewMySQLControl returns the production Control.
func NewMySQLControl() *MySQLControl {
	return &MySQLControl{}
}

func dsn(server *Server, timeout time.Duration) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/?timeout=%s", server.User, server.Passwd,
		server.Address, timeout)
}

// Probe implements Control.
func (c *MySQLControl) Probe(ctx context.Context, server *Server, timeout time.Duration) error {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	db, err := sql.Open("mysql", dsn(server, timeout))
	if err != nil {
		return werrors.Wrap(werrors.KindServer, err, "open connection to (%s)", server.Address)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	var one int
	if err := db.QueryRowContext(probeCtx, "SELECT 1").Scan(&one); err != nil {
		if probeCtx.Err() != nil {
			return werrors.Timeout("probe of (%s) exceeded %s", server.Address, timeout)
		}
		return werrors.Wrap(werrors.KindServer, err, "probe of (%s)", server.Address)
	}
	return nil
}

// SetReadOnly implements Control.
func (c *MySQLControl) SetReadOnly(ctx context.Context, server *Server, readOnly bool) error {
	db, err := sql.Open("mysql", dsn(server, 10*time.Second))
	if err != nil {
		return werrors.Wrap(werrors.KindServer, err, "open connection to (%s)", server.Address)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	value := "OFF"
	if readOnly {
		value = "ON"
	}
	for _, stmt := range []string{
		"SET GLOBAL super_read_only = " + value,
		"SET GLOBAL read_only = " + value,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return werrors.Wrap(werrors.KindServer, err, "configure (%s) on (%s)", stmt, server.Address)
		}
	}
	return nil
}
