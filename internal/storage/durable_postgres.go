package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresBackupTableName  = "relaydraft_backup"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresDurable stores backups as rows keyed by backup key. The table is
// created on first use so construction never touches the network.
type PostgresDurable struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresDurable(dsn string) (*PostgresDurable, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresDurable{
		dsn:       dsn,
		tableName: postgresBackupTableName,
		openDB:    sql.Open,
	}, nil
}

func (d *PostgresDurable) Put(ctx context.Context, key, value string) error {
	if err := d.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (backup_key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (backup_key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, postgresQuoteIdentifier(d.tableName))
	_, err := d.db.ExecContext(ctx, query, key, value)
	return err
}

func (d *PostgresDurable) Get(ctx context.Context, key string) (string, bool, error) {
	if err := d.ensureReady(); err != nil {
		return "", false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT value FROM %s WHERE backup_key = $1", postgresQuoteIdentifier(d.tableName))
	var value string
	err := d.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (d *PostgresDurable) Delete(ctx context.Context, key string) error {
	if err := d.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE backup_key = $1", postgresQuoteIdentifier(d.tableName))
	_, err := d.db.ExecContext(ctx, query, key)
	return err
}

func (d *PostgresDurable) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *PostgresDurable) ensureReady() error {
	if d == nil {
		return ErrInvalidInput
	}
	d.initOnce.Do(func() {
		db, err := d.openDB("postgres", d.dsn)
		if err != nil {
			d.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				backup_key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(d.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			d.initErr = err
			return
		}
		d.db = db
	})
	return d.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
