package storage

import (
	"context"
	"errors"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("storage closed")
)

// Primary is the fast synchronous tier. Implementations signal rejection
// (quota, disabled storage) through the boolean result instead of an error
// so lifecycle handlers can call it without awaiting anything.
type Primary interface {
	Get(key string) (string, bool)
	Set(key, value string) bool
	Remove(key string)
}

// CapacityProber is implemented by primary tiers that can tell ahead of a
// write that they are close to rejecting it.
type CapacityProber interface {
	NearCapacity() bool
}

// Durable is the slower asynchronous backup tier.
type Durable interface {
	Put(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

type Logger interface {
	Printf(format string, args ...any)
}
