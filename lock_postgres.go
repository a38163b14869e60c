package circuitry

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

// PostgresLock is a LockStrategy backed by two postgres tables, for fleets
// that already run postgres and do not want a redis dependency.
type PostgresLock struct {
	db        *sql.DB
	ttl       time.Duration
	retention time.Duration
}

// NewPostgresLock creates a postgres lock strategy on an existing database
// handle. The handle stays owned by the caller. Zero durations fall back to
// DefaultSoftLockTTL and DefaultHardLockRetention.
func NewPostgresLock(db *sql.DB, ttl, retention time.Duration) *PostgresLock {
	if ttl <= 0 {
		ttl = DefaultSoftLockTTL
	}
	if retention <= 0 {
		retention = DefaultHardLockRetention
	}
	return &PostgresLock{db: db, ttl: ttl, retention: retention}
}

// OpenPostgres opens and pings a postgres database for use with
// NewPostgresLock.
func OpenPostgres(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return db, nil
}

// InitSchema creates the lock tables if they do not exist.
func (p *PostgresLock) InitSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS circuitry_soft_locks (
             message_id TEXT PRIMARY KEY,
             locked_at  TIMESTAMPTZ NOT NULL
         )`,
	)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS circuitry_hard_locks (
             message_id   TEXT PRIMARY KEY,
             completed_at TIMESTAMPTZ NOT NULL
         )`,
	)
	return err
}

func (p *PostgresLock) SoftLock(ctx context.Context, id string) (bool, error) {
	var done bool
	err := p.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM circuitry_hard_locks WHERE message_id = $1)",
		id,
	).Scan(&done)
	if err != nil {
		return false, err
	}
	if done {
		return false, nil
	}

	// the conditional upsert takes over locks whose ttl has lapsed, so a
	// message abandoned by a crashed consumer stays lockable
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO circuitry_soft_locks (message_id, locked_at)
         VALUES ($1, $2)
         ON CONFLICT (message_id) DO UPDATE SET locked_at = EXCLUDED.locked_at
         WHERE circuitry_soft_locks.locked_at < $3`,
		id, time.Now(), time.Now().Add(-p.ttl),
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresLock) HardLock(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO circuitry_hard_locks (message_id, completed_at)
         VALUES ($1, $2)
         ON CONFLICT (message_id) DO NOTHING`,
		id, time.Now(),
	)
	return err
}

func (p *PostgresLock) SoftUnlock(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx,
		"DELETE FROM circuitry_soft_locks WHERE message_id = $1",
		id,
	)
	return err
}

func (p *PostgresLock) Reap(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx,
		"DELETE FROM circuitry_soft_locks WHERE locked_at < $1",
		time.Now().Add(-p.ttl),
	)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx,
		"DELETE FROM circuitry_hard_locks WHERE completed_at < $1",
		time.Now().Add(-p.retention),
	)
	return err
}
