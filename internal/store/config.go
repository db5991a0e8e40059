package store

import (
	"context"
	"database/sql"
	"errors"
)

// GetConfigValue reads one runtime config value. ok is false when the
// key has never been written.
func (s *Store) GetConfigValue(ctx context.Context, q Querier, key string) (value string, ok bool, err error) {
	row := q.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key)
	err = row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetConfigValue writes one runtime config value.
func (s *Store) SetConfigValue(ctx context.Context, q Querier, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// AllConfigValues returns the full runtime config map.
func (s *Store) AllConfigValues(ctx context.Context, q Querier) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT key, value FROM config`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
