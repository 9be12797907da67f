package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// dialect holds the statements that differ between SQL backends.
type dialect struct {
	name        string
	placeholder func(n int) string
	upsert      string
}

var sqliteDialect = dialect{
	name:        "sqlite",
	placeholder: func(int) string { return "?" },
	upsert: `INSERT INTO session_kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
}

var postgresDialect = dialect{
	name:        "postgres",
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	upsert: `INSERT INTO session_kv (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT(key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
}

// sqlKV implements the Store operations shared by the database/sql backends.
type sqlKV struct {
	db *sql.DB
	d  dialect
}

func (s *sqlKV) in(keys []string) (string, []any) {
	ph := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		ph[i] = s.d.placeholder(i + 1)
		args[i] = k
	}
	return strings.Join(ph, ", "), args
}

func (s *sqlKV) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM session_kv WHERE key = "+s.d.placeholder(1), key,
	).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%s get %s: %w", s.d.name, key, err)
	}
	return v, true, nil
}

func (s *sqlKV) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	ph, args := s.in(keys)
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM session_kv WHERE key IN ("+ph+")", args...)
	if err != nil {
		return nil, fmt.Errorf("%s get many: %w", s.d.name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *sqlKV) Set(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx, s.d.upsert, key, value); err != nil {
		return fmt.Errorf("%s set %s: %w", s.d.name, key, err)
	}
	return nil
}

func (s *sqlKV) SetMany(ctx context.Context, kv map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s begin: %w", s.d.name, err)
	}
	defer func() { _ = tx.Rollback() }()

	for k, v := range kv {
		if _, err := tx.ExecContext(ctx, s.d.upsert, k, v); err != nil {
			return fmt.Errorf("%s set %s: %w", s.d.name, k, err)
		}
	}
	return tx.Commit()
}

func (s *sqlKV) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ph, args := s.in(keys)
	if _, err := s.db.ExecContext(ctx, "DELETE FROM session_kv WHERE key IN ("+ph+")", args...); err != nil {
		return fmt.Errorf("%s delete: %w", s.d.name, err)
	}
	return nil
}

func (s *sqlKV) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlKV) Close() error {
	return s.db.Close()
}
