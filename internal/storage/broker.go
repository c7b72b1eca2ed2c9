package storage

import (
	"context"
	"strings"
	"sync"
)

type BrokerOptions struct {
	Primary Primary
	Durable Durable
	Logger  Logger
}

// Broker hides the two storage tiers behind one surface. None of its methods
// fail loudly: primary problems come back as false/absent and durable
// problems are logged and returned for the caller to degrade on.
type Broker struct {
	primary Primary
	durable Durable
	logger  Logger

	mu      sync.Mutex
	limited bool
}

func NewBroker(opts BrokerOptions) *Broker {
	primary := opts.Primary
	if primary == nil {
		primary = NewMemoryPrimary(0)
	}
	return &Broker{
		primary: primary,
		durable: opts.Durable,
		logger:  opts.Logger,
	}
}

func (b *Broker) Get(key string) (string, bool) {
	if strings.TrimSpace(key) == "" {
		return "", false
	}
	return b.primary.Get(key)
}

func (b *Broker) Set(key, value string) bool {
	if strings.TrimSpace(key) == "" {
		return false
	}
	if b.primary.Set(key, value) {
		return true
	}
	b.mu.Lock()
	first := !b.limited
	b.limited = true
	b.mu.Unlock()
	if first {
		b.logf("primary storage rejected write for %s; mirroring to durable tier from now on", key)
	}
	return false
}

func (b *Broker) Remove(key string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	b.primary.Remove(key)
}

// IsCapacityLimited reports whether writes should also be mirrored into the
// durable tier: either a primary write has already been rejected, or the
// primary tier itself reports that it is close to full.
func (b *Broker) IsCapacityLimited() bool {
	b.mu.Lock()
	limited := b.limited
	b.mu.Unlock()
	if limited {
		return true
	}
	if prober, ok := b.primary.(CapacityProber); ok {
		return prober.NearCapacity()
	}
	return false
}

func (b *Broker) HasDurable() bool {
	return b.durable != nil
}

func (b *Broker) EmergencyBackup(ctx context.Context, key, value string) error {
	if b.durable == nil {
		return nil
	}
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if err := b.durable.Put(ctx, key, value); err != nil {
		b.logf("durable backup write for %s failed: %v", key, err)
		return err
	}
	return nil
}

func (b *Broker) RestoreFromBackup(ctx context.Context, key string) (string, bool) {
	if b.durable == nil || strings.TrimSpace(key) == "" {
		return "", false
	}
	value, ok, err := b.durable.Get(ctx, key)
	if err != nil {
		b.logf("durable backup read for %s failed: %v", key, err)
		return "", false
	}
	return value, ok
}

func (b *Broker) ClearBackup(ctx context.Context, key string) error {
	if b.durable == nil {
		return nil
	}
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if err := b.durable.Delete(ctx, key); err != nil {
		b.logf("durable backup delete for %s failed: %v", key, err)
		return err
	}
	return nil
}

func (b *Broker) Close() error {
	if b.durable == nil {
		return nil
	}
	return b.durable.Close()
}

func (b *Broker) logf(format string, args ...any) {
	if b.logger == nil {
		return
	}
	b.logger.Printf(format, args...)
}
