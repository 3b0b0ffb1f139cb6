// Package store implements the persistence layer of the controller.
//
// All durable state lives in a MySQL database of the same kind the
// controller manages. In-memory objects elsewhere in the process are caches;
// the rows owned by this package are canonical.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/orcharddb/warden/infrastructure/config"
	werrors "github.com/orcharddb/warden/infrastructure/errors"
	"github.com/orcharddb/warden/infrastructure/logging"
)

const (
	// Transient persistence failures are attempted this many times in total,
	// with exponential backoff between attempts, before being surfaced.
	maxAttempts  = 3
	retryBackoff = 100 * time.Millisecond
)

// MySQL server error numbers treated as transient.
const (
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
)

// Store wraps the controller database.
type Store struct {
	db  *sqlx.DB
	log *logging.Logger
}

// Open connects to the database described by the storage.* options and
// verifies the connection.
func Open(cfg *config.Config, log *logging.Logger) (*Store, error) {
	db, err := sqlx.Open("mysql", cfg.StorageDSN())
	if err != nil {
		return nil, werrors.Persistence(err, "open database")
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, werrors.Persistence(err, "ping database")
	}

	return &Store{db: db, log: log}, nil
}

// NewWithDB wraps an existing connection. Used by tests with sqlmock.
func NewWithDB(db *sqlx.DB, log *logging.Logger) *Store {
	return &Store{db: db, log: log}
}

// DB exposes the underlying connection pool.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on failure. Transient failures (deadlocks, lock wait timeouts,
// dropped connections) rerun the whole function, for at most maxAttempts
// attempts in total.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	var last error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return werrors.Persistence(ctx.Err(), "transaction canceled")
			case <-time.After(retryBackoff << (attempt - 1)):
			}
		}

		last = s.runTx(ctx, fn)
		if last == nil {
			return nil
		}
		if !IsTransient(last) {
			return last
		}
		s.log.WithError(last).WithField("attempt", attempt+1).Warn("retrying transaction")
	}
	return werrors.Persistence(last, "transaction failed after %d attempts", maxAttempts)
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return werrors.Persistence(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.WithError(rbErr).Warn("rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return werrors.Persistence(err, "commit transaction")
	}
	return nil
}

// IsTransient reports whether an error is worth retrying.
func IsTransient(err error) bool {
	if errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == errLockWaitTimeout || myErr.Number == errDeadlock
	}
	return false
}
