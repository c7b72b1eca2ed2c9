package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationDurableRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	durable, err := NewPostgresDurable(dsn)
	if err != nil {
		t.Fatalf("new postgres durable: %v", err)
	}
	durable.tableName = postgresIntegrationTableName("relaydraft_backup_it")
	t.Cleanup(func() {
		_ = durable.Close()
		postgresIntegrationDropTable(t, dsn, durable.tableName)
	})

	ctx := context.Background()
	if _, ok, err := durable.Get(ctx, "draft:task-create"); err != nil || ok {
		t.Fatalf("expected empty table, ok=%v err=%v", ok, err)
	}
	if err := durable.Put(ctx, "draft:task-create", "v1"); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := durable.Put(ctx, "draft:task-create", "v2"); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	value, ok, err := durable.Get(ctx, "draft:task-create")
	if err != nil || !ok || value != "v2" {
		t.Fatalf("expected v2, got %q ok=%v err=%v", value, ok, err)
	}
	if err := durable.Delete(ctx, "draft:task-create"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, ok, err := durable.Get(ctx, "draft:task-create"); err != nil || ok {
		t.Fatalf("expected deleted row, ok=%v err=%v", ok, err)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("RELAYDRAFT_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set RELAYDRAFT_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
