package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DefaultAdvisoryKey is the pg advisory lock id guarding job claims.
const DefaultAdvisoryKey int64 = 0x72756e6e6572 // "runner"

// PostgresConfig configures a Postgres Locker.
type PostgresConfig struct {
	Key          int64
	PollInterval time.Duration
}

// Postgres is a Locker backed by a session-level advisory lock. The lock is
// taken and released on the same pooled connection.
type Postgres struct {
	pool    *pgxpool.Pool
	cfg     PostgresConfig
	logger  *zap.Logger
	acquire func(ctx context.Context) (advisoryConn, error)
}

// advisoryConn is the slice of a pooled connection the lock uses.
type advisoryConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	// Release returns the connection to the pool.
	Release()
	// Discard closes the session, dropping any advisory lock it holds,
	// and removes it from the pool.
	Discard()
}

type pooledConn struct {
	*pgxpool.Conn
}

func (c pooledConn) Discard() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.Conn.Conn().Close(ctx)
	c.Conn.Release()
}

// NewPostgres connects a pool to url.
func NewPostgres(ctx context.Context, url string, cfg PostgresConfig, logger *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Key == 0 {
		cfg.Key = DefaultAdvisoryKey
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	p := &Postgres{pool: pool, cfg: cfg, logger: logger}
	p.acquire = func(ctx context.Context) (advisoryConn, error) {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return pooledConn{conn}, nil
	}
	return p, nil
}

// Close closes the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping checks that the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Lock polls pg_try_advisory_lock until it succeeds or ctx ends. When the
// lock query itself fails the session may or may not hold the lock, so the
// connection is closed rather than returned to the pool.
func (p *Postgres) Lock(ctx context.Context) (func(), error) {
	conn, err := p.acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, timeoutErr(ctx.Err())
		}
		return nil, fmt.Errorf("acquire postgres connection: %w", err)
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		var ok bool
		if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, p.cfg.Key).Scan(&ok); err != nil {
			conn.Discard()
			if ctx.Err() != nil {
				return nil, timeoutErr(ctx.Err())
			}
			return nil, fmt.Errorf("try advisory lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			conn.Release()
			return nil, timeoutErr(ctx.Err())
		case <-ticker.C:
		}
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var released bool
		if err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, p.cfg.Key).Scan(&released); err != nil || !released {
			p.logger.Warn("Failed to release postgres advisory lock",
				zap.Int64("key", p.cfg.Key),
				zap.Bool("released", released),
				zap.Error(err))
			conn.Discard()
			return
		}
		conn.Release()
	}, nil
}
