package leaderelection

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresLocker uses a session-scoped advisory lock.
type PostgresLocker struct {
	db  *sql.DB
	key int64
}

func NewPostgresLocker(db *sql.DB, key int64) *PostgresLocker {
	return &PostgresLocker{db: db, key: key}
}

func (l *PostgresLocker) Name() string {
	return fmt.Sprintf("pg_advisory:%d", l.key)
}

func (l *PostgresLocker) TryAcquire(ctx context.Context) (Lease, error) {
	// Advisory lock is session-scoped: must use a dedicated connection.
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("dedicated connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.key).Scan(&acquired); err != nil {
		conn.Close()
		return nil, fmt.Errorf("advisory lock query: %w", err)
	}
	if !acquired {
		conn.Close()
		return nil, nil
	}
	return &pgLease{conn: conn, key: l.key}, nil
}

type pgLease struct {
	conn *sql.Conn
	key  int64
}

func (l *pgLease) Ping(ctx context.Context) error {
	return l.conn.PingContext(ctx)
}

// Release unlocks explicitly so a healthy connection goes back to the pool
// without the lock. Closing a dead connection drops the lock server-side.
func (l *pgLease) Release(ctx context.Context) error {
	_, unlockErr := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.key)
	if err := l.conn.Close(); err != nil {
		return err
	}
	if unlockErr != nil {
		return fmt.Errorf("advisory unlock: %w", unlockErr)
	}
	return nil
}

// LocalLocker always grants the lease. It serves single-instance
// deployments without a shared database.
type LocalLocker struct{}

func (LocalLocker) Name() string { return "local" }

func (LocalLocker) TryAcquire(ctx context.Context) (Lease, error) {
	return localLease{}, nil
}

type localLease struct{}

func (localLease) Ping(ctx context.Context) error    { return nil }
func (localLease) Release(ctx context.Context) error { return nil }

var (
	_ Locker = (*PostgresLocker)(nil)
	_ Locker = LocalLocker{}
)
