package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

const boltBucketName = "relaydraft_backup"

type BoltDurable struct {
	db     *bolt.DB
	bucket []byte
}

func NewBoltDurable(path string) (*BoltDurable, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	bucket := []byte(boltBucketName)
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltDurable{db: db, bucket: bucket}, nil
}

func (d *BoltDurable) Put(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(d.bucket).Put([]byte(key), []byte(value))
	})
}

func (d *BoltDurable) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	var (
		value string
		found bool
	)
	err := d.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(d.bucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		// raw is only valid inside the transaction.
		value = string(raw)
		found = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return value, found, nil
}

func (d *BoltDurable) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(d.bucket).Delete([]byte(key))
	})
}

func (d *BoltDurable) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}
