package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"k8s.io/apimachinery/pkg/util/wait"
)

// Pool wraps a pgxpool.Pool with a health-check-on-acquire discipline:
// up to three retry-replace cycles running
// "SELECT 1" against a freshly acquired connection before handing it to a
// caller.
type Pool struct {
	pg                *pgxpool.Pool
	healthCheckOnAcquire bool
	acquireTimeout    time.Duration
	log               logr.Logger
}

// Options configures pool construction; field names mirror the
// DB_POOL_* configuration knobs.
type Options struct {
	MinConns          int32
	MaxConns          int32
	HealthCheck       bool
	AcquireTimeout    time.Duration
}

// NewPool connects to databaseURL and returns a Pool configured per opts.
func NewPool(ctx context.Context, databaseURL string, opts Options, log logr.Logger) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	cfg.MinConns = opts.MinConns
	cfg.MaxConns = opts.MaxConns
	if opts.HealthCheck {
		cfg.HealthCheckPeriod = 30 * time.Second
	}

	pg, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pgx pool: %w", err)
	}

	p := &Pool{
		pg:                   pg,
		healthCheckOnAcquire: opts.HealthCheck,
		acquireTimeout:       opts.AcquireTimeout,
		log:                  log.WithName("store-pool"),
	}
	return p, nil
}

// Close releases all pooled connections.
func (p *Pool) Close() { p.pg.Close() }

// Ping reports whether the pool can reach the database, for the
// /readyz probe.
func (p *Pool) Ping(ctx context.Context) error { return p.pg.Ping(ctx) }

// acquire returns a healthy connection, replacing it up to two times if
// the health probe fails (three attempts total), bounded by
// DB_POOL_ACQUIRE_TIMEOUT_SECONDS.
func (p *Pool) acquire(ctx context.Context) (*pgxpool.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		conn, err := p.pg.Acquire(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if !p.healthCheckOnAcquire {
			return conn, nil
		}
		if _, err := conn.Exec(ctx, "SELECT 1"); err != nil {
			p.log.V(1).Info("discarding unhealthy connection", "attempt", attempt, "error", err.Error())
			conn.Release()
			lastErr = err
			continue
		}
		return conn, nil
	}
	return nil, fmt.Errorf("acquiring healthy connection after 3 attempts: %w", lastErr)
}

// Querier is satisfied by both *pgxpool.Conn and pgx.Tx, letting typed
// accessors (ReservationStore, VolumeStore, ...) run against either a bare
// cursor scope or a connection handed out by a transaction scope.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgx.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Cursor runs fn inside a short-lived transaction on its own pool
// connection: commit on normal return, rollback on error or panic. Two
// calls to Cursor always acquire different connections and therefore run
// in separate transactions; beware the nested-scope trap this implies.
func (p *Pool) Cursor(ctx context.Context, fn func(ctx context.Context, q Querier) error) (err error) {
	conn, err := p.acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// TxScope runs fn with a single connection's transaction handle, letting
// the caller run several cursors against it atomically. This is the ONLY
// way to get atomicity across multiple store operations: nested Cursor
// calls inside fn would each acquire their own connection
// and would NOT be part of this transaction.
func (p *Pool) TxScope(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) (err error) {
	conn, err := p.acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ReadonlyCursor is an optimisation hint only: it does not grant
// visibility into uncommitted data from another connection. It is
// implemented identically to Cursor except for setting the
// session to READ ONLY, which lets Postgres skip some bookkeeping.
func (p *Pool) ReadonlyCursor(ctx context.Context, fn func(ctx context.Context, q Querier) error) error {
	conn, err := p.acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("beginning readonly transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	return fn(ctx, tx)
}

// WithLockTimeout bounds how long a Cursor/TxScope may block waiting on a
// row lock, matching the admission lock timeout (default
// 2s). Callers set this via SQL ("SET LOCAL lock_timeout = ...") since
// pgx has no first-class statement timeout knob for lock waits.
func WithLockTimeout(ctx context.Context, q Querier, timeout time.Duration) error {
	_, err := q.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout.Milliseconds()))
	return err
}

// RetryOnContention retries fn up to attempts times with a jittered
// backoff shape, used for transient SDU failures such as pool exhaustion.
func RetryOnContention(ctx context.Context, attempts int, fn func() error) error {
	backoff := wait.Backoff{
		Steps:    attempts,
		Duration: 200 * time.Millisecond,
		Factor:   2.0,
		Jitter:   0.2,
		Cap:      30 * time.Second,
	}
	return wait.ExponentialBackoffWithContext(ctx, backoff, func(context.Context) (bool, error) {
		if err := fn(); err != nil {
			return false, nil
		}
		return true, nil
	})
}
