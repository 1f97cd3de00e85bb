package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/lib/pq"
)

const postgresTableName = "statesync_kv"

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresEngine is the server-class shared backend. It is never selected by
// environment probing; callers opt in with an explicit postgres DSN.
type PostgresEngine struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresEngine(dsn string) (*PostgresEngine, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres engine dsn is required")
	}
	return &PostgresEngine{
		dsn:       dsn,
		tableName: postgresTableName,
		openDB:    sql.Open,
	}, nil
}

func (e *PostgresEngine) GetItem(ctx context.Context, key string) (string, bool, error) {
	if err := validateKey(key); err != nil {
		return "", false, err
	}
	if err := e.ensureReady(ctx); err != nil {
		return "", false, err
	}
	query := fmt.Sprintf("SELECT value FROM %s WHERE key = $1", postgresQuoteIdentifier(e.tableName))
	var value string
	err := e.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (e *PostgresEngine) SetItem(ctx context.Context, key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := e.ensureReady(ctx); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, postgresQuoteIdentifier(e.tableName))
	_, err := e.db.ExecContext(ctx, query, key, value)
	return err
}

func (e *PostgresEngine) RemoveItem(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := e.ensureReady(ctx); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE key = $1", postgresQuoteIdentifier(e.tableName))
	_, err := e.db.ExecContext(ctx, query, key)
	return err
}

func (e *PostgresEngine) ListKeys(ctx context.Context) ([]string, error) {
	if err := e.ensureReady(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT key FROM %s ORDER BY key", postgresQuoteIdentifier(e.tableName))
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (e *PostgresEngine) Close() error {
	if e == nil || e.db == nil {
		return nil
	}
	return e.db.Close()
}

func (e *PostgresEngine) ensureReady(ctx context.Context) error {
	e.initOnce.Do(func() {
		db, err := e.openDB("postgres", e.dsn)
		if err != nil {
			e.initErr = err
			return
		}
		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(e.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			e.initErr = err
			return
		}
		e.db = db
	})
	return e.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
