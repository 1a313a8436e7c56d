package persistence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrPoolSaturated is returned when no connection could be acquired within
// the acquire timeout. Callers may retry.
var ErrPoolSaturated = errors.New("database connection pool saturated")

// DefaultAcquireTimeout bounds how long a request waits for a pooled connection.
const DefaultAcquireTimeout = 2 * time.Second

// GuardedPool wraps a pgxpool.Pool so that connection acquisition fails fast
// with ErrPoolSaturated instead of queueing behind a saturated pool.
type GuardedPool struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
}

// NewGuardedPool creates a GuardedPool. A non-positive timeout uses DefaultAcquireTimeout.
func NewGuardedPool(pool *pgxpool.Pool, acquireTimeout time.Duration) *GuardedPool {
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	return &GuardedPool{pool: pool, acquireTimeout: acquireTimeout}
}

// Unwrap returns the underlying pool.
func (p *GuardedPool) Unwrap() *pgxpool.Pool {
	return p.pool
}

// Saturated reports whether every connection in the pool is currently checked out.
func (p *GuardedPool) Saturated() bool {
	stat := p.pool.Stat()
	return stat.AcquiredConns() >= stat.MaxConns()
}

func (p *GuardedPool) acquire(ctx context.Context) (*pgxpool.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	conn, err := p.pool.Acquire(acquireCtx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(acquireCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrPoolSaturated
		}
		return nil, err
	}
	return conn, nil
}

// Exec acquires a connection, executes sql and releases the connection.
func (p *GuardedPool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	conn, err := p.acquire(ctx)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	defer conn.Release()
	return conn.Exec(ctx, sql, args...)
}

// QueryRow acquires a connection that is released once the row is scanned.
func (p *GuardedPool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	conn, err := p.acquire(ctx)
	if err != nil {
		return errRow{err: err}
	}
	return &guardedRow{row: conn.QueryRow(ctx, sql, args...), conn: conn}
}

// Query acquires a connection that is released when the rows are closed.
func (p *GuardedPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	conn, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		conn.Release()
		return nil, err
	}
	return &guardedRows{Rows: rows, conn: conn}, nil
}

// Begin starts a transaction on an acquired connection. The connection is
// released on Commit or Rollback.
func (p *GuardedPool) Begin(ctx context.Context) (pgx.Tx, error) {
	conn, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		conn.Release()
		return nil, err
	}
	return &guardedTx{Tx: tx, conn: conn}, nil
}

// Ping checks connectivity through the guard.
func (p *GuardedPool) Ping(ctx context.Context) error {
	conn, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return conn.Ping(ctx)
}

type errRow struct {
	err error
}

func (r errRow) Scan(_ ...any) error { return r.err }

type guardedRow struct {
	row  pgx.Row
	conn *pgxpool.Conn
}

func (r *guardedRow) Scan(dest ...any) error {
	defer r.conn.Release()
	return r.row.Scan(dest...)
}

type guardedRows struct {
	pgx.Rows
	conn *pgxpool.Conn
	once sync.Once
}

func (r *guardedRows) Close() {
	r.Rows.Close()
	r.once.Do(r.conn.Release)
}

type guardedTx struct {
	pgx.Tx
	conn *pgxpool.Conn
	once sync.Once
}

func (t *guardedTx) Commit(ctx context.Context) error {
	err := t.Tx.Commit(ctx)
	t.once.Do(t.conn.Release)
	return err
}

func (t *guardedTx) Rollback(ctx context.Context) error {
	err := t.Tx.Rollback(ctx)
	t.once.Do(t.conn.Release)
	return err
}

var _ Pool = (*GuardedPool)(nil)
