package mutationqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresMutationTableName = "relaydraft_mutations"
	postgresQueueKey          = "default"
	postgresOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps one row per mutation. Several agents may share a table
// by using different queue keys; capacity checks take a transaction-scoped
// advisory lock per queue key.
type PostgresStore struct {
	dsn       string
	tableName string
	queueKey  string
	capacity  int
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu      sync.Mutex
	dropped int
}

func NewPostgresStore(dsn, queueKey string, capacity int) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(queueKey) == "" {
		queueKey = postgresQueueKey
	}
	if capacity <= 0 {
		capacity = defaultStoreCapacity
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresMutationTableName,
		queueKey:  strings.TrimSpace(queueKey),
		capacity:  capacity,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				seq BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				mutation_id TEXT NOT NULL,
				body TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (queue_key, mutation_id)
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Append(ctx context.Context, m Mutation) error {
	if err := m.validate(); err != nil {
		return err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresQueueLockKey(s.tableName, s.queueKey)); err != nil {
		return err
	}
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(s.tableName))
	var depth int
	if err := tx.QueryRowContext(ctx, countQuery, s.queueKey).Scan(&depth); err != nil {
		return err
	}
	if depth >= s.capacity {
		return ErrQueueFull
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (queue_key, mutation_id, body, created_at) VALUES ($1, $2, $3, NOW())", postgresQuoteIdentifier(s.tableName))
	if _, err := tx.ExecContext(ctx, insertQuery, s.queueKey, m.ID, string(body)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Mutation, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT mutation_id, body FROM %s WHERE queue_key = $1 ORDER BY seq ASC", postgresQuoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query, s.queueKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]Mutation, 0)
	var corrupt []string
	for rows.Next() {
		var id, body string
		if scanErr := rows.Scan(&id, &body); scanErr != nil {
			continue
		}
		m, decodeErr := decodeMutation([]byte(body))
		if decodeErr != nil {
			corrupt = append(corrupt, id)
			continue
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range corrupt {
		if err := s.Remove(ctx, id); err == nil {
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
		}
	}
	return items, nil
}

func (s *PostgresStore) Update(ctx context.Context, m Mutation) error {
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("UPDATE %s SET body = $3 WHERE queue_key = $1 AND mutation_id = $2", postgresQuoteIdentifier(s.tableName))
	res, err := s.db.ExecContext(ctx, query, s.queueKey, m.ID, string(body))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Remove(ctx context.Context, id string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE queue_key = $1 AND mutation_id = $2", postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, s.queueKey, id)
	return err
}

// Dropped reports how many unreadable rows List has deleted so far.
func (s *PostgresStore) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresQueueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
