package cache

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/canopyhq/canopy/pkg/errors"
)

func init() {
	Register("postgres", func(ctx context.Context, params map[string]string) (Cache, error) {
		dsn := params["dsn"]
		if dsn == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "postgres cache requires a 'dsn' parameter")
		}

		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid postgres DSN")
		}

		table := params["table"]
		if table == "" {
			table = "canopy_cache"
		}

		pg := NewPostgres(pool, table)
		if err := pg.ensureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return pg, nil
	})
}

// Postgres stores checkpoints in a single table keyed by cache key.
// Conditional writes ride on single-statement UPDATE/INSERT guards,
// letting the database provide the per-key linearizability guarantee.
type Postgres struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgres creates a Postgres cache over the given table.
func NewPostgres(pool *pgxpool.Pool, table string) *Postgres {
	return &Postgres{pool: pool, table: table}
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+p.table+` (
		k TEXT PRIMARY KEY,
		v BYTEA NOT NULL,
		ver BIGINT NOT NULL
	)`)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeCache, "failed to create cache table")
	}
	return nil
}

// Get implements Cache.
func (p *Postgres) Get(ctx context.Context, key string) (Entry, error) {
	var entry Entry
	err := p.pool.QueryRow(ctx,
		`SELECT v, ver FROM `+p.table+` WHERE k = $1`, key,
	).Scan(&entry.Value, &entry.Version)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound(key)
	}
	if err != nil {
		return Entry{}, errors.Wrap(err, errors.ErrorTypeCache, "postgres get failed")
	}
	return entry, nil
}

// Put implements Cache.
func (p *Postgres) Put(ctx context.Context, key string, value []byte, expected int64) (int64, error) {
	next := expected + 1

	if expected == VersionNone {
		tag, err := p.pool.Exec(ctx,
			`INSERT INTO `+p.table+` (k, v, ver) VALUES ($1, $2, $3)
			 ON CONFLICT (k) DO NOTHING`,
			key, value, next)
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeCache, "postgres insert failed")
		}
		if tag.RowsAffected() == 0 {
			return 0, ErrVersionConflict(key, expected)
		}
		return next, nil
	}

	tag, err := p.pool.Exec(ctx,
		`UPDATE `+p.table+` SET v = $2, ver = $3 WHERE k = $1 AND ver = $4`,
		key, value, next, expected)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeCache, "postgres update failed")
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrVersionConflict(key, expected)
	}
	return next, nil
}

// Delete implements Cache.
func (p *Postgres) Delete(ctx context.Context, key string, expected int64) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM `+p.table+` WHERE k = $1 AND ver = $2`, key, expected)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeCache, "postgres delete failed")
	}
	if tag.RowsAffected() == 0 {
		// Distinguish "already gone" from a version mismatch.
		var exists bool
		if err := p.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM `+p.table+` WHERE k = $1)`, key,
		).Scan(&exists); err != nil {
			return errors.Wrap(err, errors.ErrorTypeCache, "postgres delete check failed")
		}
		if exists {
			return ErrVersionConflict(key, expected)
		}
	}
	return nil
}

// List implements Cache.
func (p *Postgres) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT k FROM `+p.table+` WHERE k LIKE $1 || '%'`, prefix)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCache, "postgres list failed")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeCache, "postgres list scan failed")
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCache, "postgres list iteration failed")
	}
	return keys, nil
}
