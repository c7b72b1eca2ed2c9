package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteDurable struct {
	db *sql.DB
}

func NewSQLiteDurable(path string) (*SQLiteDurable, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS draft_backup (
			backup_key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create backup table: %w", err)
	}
	return &SQLiteDurable{db: db}, nil
}

func (d *SQLiteDurable) Put(ctx context.Context, key, value string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO draft_backup (backup_key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(backup_key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (d *SQLiteDurable) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := d.db.QueryRowContext(ctx, "SELECT value FROM draft_backup WHERE backup_key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (d *SQLiteDurable) Delete(ctx context.Context, key string) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM draft_backup WHERE backup_key = ?", key)
	return err
}

func (d *SQLiteDurable) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}
