package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Postgres stores blobs in a single key/value table. Put is an upsert, so
// concurrent writers to the same key serialize on the row; PutIfAbsent maps
// to ON CONFLICT DO NOTHING with the row count deciding the winner.
type Postgres struct {
	db    *sql.DB
	table string
}

// NewPostgres opens a connection pool for the given DSN and ensures the
// store table exists.
func NewPostgres(dsn, table string) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("storage: postgres backend requires a DSN")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open postgres: %w", err)
	}
	p := &Postgres{db: db, table: pq.QuoteIdentifier(table)}
	if err := p.ensureTable(); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgresWithDB wraps an existing pool. The table must already exist;
// used by tests with a mock driver.
func NewPostgresWithDB(db *sql.DB, table string) *Postgres {
	return &Postgres{db: db, table: pq.QuoteIdentifier(table)}
}

func (p *Postgres) ensureTable() error {
	_, err := p.db.Exec(fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, p.table))
	if err != nil {
		return fmt.Errorf("storage: ensure table: %w", err)
	}
	return nil
}

// Get reads the blob for key.
func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	var blob []byte
	err := p.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, p.table), key,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return blob, nil
}

// Put upserts the blob for key.
func (p *Postgres) Put(ctx context.Context, key string, blob []byte) error {
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		p.table), key, blob)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// PutIfAbsent inserts the blob only when the key is free.
func (p *Postgres) PutIfAbsent(ctx context.Context, key string, blob []byte) error {
	res, err := p.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO NOTHING`,
		p.table), key, blob)
	if err != nil {
		return fmt.Errorf("put-if-absent %s: %w", key, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put-if-absent %s: %w", key, err)
	}
	if rows == 0 {
		return fmt.Errorf("put-if-absent %s: %w", key, ErrExists)
	}
	return nil
}

// Delete removes the blob for key.
func (p *Postgres) Delete(ctx context.Context, key string) error {
	res, err := p.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, p.table), key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if rows == 0 {
		return fmt.Errorf("delete %s: %w", key, ErrNotFound)
	}
	return nil
}

// List returns all keys under prefix, sorted.
func (p *Postgres) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT key FROM %s WHERE key LIKE $1 || '%%' ORDER BY key`, p.table), prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return keys, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}
