// Package market supplies the reference prices the risk engine and the paper
// venue price orders with.
package market

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"oms/pkg/exception"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

// Provider returns the current reference price of a symbol.
type Provider interface {
	ReferencePrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Table is an in-memory price table.
type Table struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewTable creates a table seeded with prices.
func NewTable(prices map[string]decimal.Decimal) *Table {
	t := &Table{prices: make(map[string]decimal.Decimal, len(prices))}
	for s, p := range prices {
		t.prices[s] = p
	}
	return t
}

// Set updates the price of symbol.
func (t *Table) Set(symbol string, price decimal.Decimal) {
	t.mu.Lock()
	t.prices[symbol] = price
	t.mu.Unlock()
}

// ReferencePrice returns the last price set for symbol.
func (t *Table) ReferencePrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	t.mu.RLock()
	p, ok := t.prices[symbol]
	t.mu.RUnlock()
	if !ok || !p.IsPositive() {
		return decimal.Zero, errors.Wrapf(exception.ErrPriceUnavailable, "symbol: %s", symbol)
	}
	return p, nil
}

// Store is the subset of the redis client used by Redis.
type Store interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Redis reads prices stored as decimal strings under prefix+symbol.
type Redis struct {
	client Store
	prefix string
	ttl    time.Duration
}

// NewRedis creates a redis-backed provider. Prices written through Publish
// expire after ttl; zero keeps them forever.
func NewRedis(client Store, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

// ReferencePrice reads the price of symbol.
func (r *Redis) ReferencePrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	raw, err := r.client.Get(ctx, r.prefix+symbol).Result()
	if stderrors.Is(err, redis.Nil) {
		return decimal.Zero, errors.Wrapf(exception.ErrPriceUnavailable, "symbol: %s", symbol)
	}
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "get price %s", symbol)
	}
	p, err := decimal.NewFromString(raw)
	if err != nil || !p.IsPositive() {
		return decimal.Zero, errors.Wrapf(exception.ErrPriceUnavailable, "symbol: %s, bad price %q", symbol, raw)
	}
	return p, nil
}

// Publish stores the price of symbol.
func (r *Redis) Publish(ctx context.Context, symbol string, price decimal.Decimal) error {
	if err := r.client.Set(ctx, r.prefix+symbol, price.String(), r.ttl).Err(); err != nil {
		return errors.Wrapf(err, "set price %s", symbol)
	}
	return nil
}

// Chain asks each provider in turn and returns the first price found. Only
// ErrPriceUnavailable moves on to the next provider.
type Chain []Provider

func (c Chain) ReferencePrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var err error = errors.Wrapf(exception.ErrPriceUnavailable, "symbol: %s", symbol)
	for _, p := range c {
		var price decimal.Decimal
		price, err = p.ReferencePrice(ctx, symbol)
		if err == nil {
			return price, nil
		}
		if !stderrors.Is(err, exception.ErrPriceUnavailable) {
			return decimal.Zero, err
		}
	}
	return decimal.Zero, err
}
