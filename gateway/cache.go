package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/timour/order-saga/ledger"
)

// acceptanceCache keeps recently accepted orders in Redis so replays of the
// same Idempotency-Key skip the database. Misses and Redis outages fall
// through to the unique constraint, which owns correctness.
type acceptanceCache struct {
	client *redis.Client
	ttl    time.Duration
}

func newAcceptanceCache(addr string, ttl time.Duration) (*acceptanceCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &acceptanceCache{client: client, ttl: ttl}, nil
}

func (c *acceptanceCache) Close() error {
	return c.client.Close()
}

// Get returns the cached aggregate for the idempotency key, or nil on a
// miss.
func (c *acceptanceCache) Get(ctx context.Context, clientRequestID string) (*ledger.Ledger, error) {
	data, err := c.client.Get(ctx, cacheKey(clientRequestID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get error: %w", err)
	}

	var l ledger.Ledger
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached acceptance: %w", err)
	}

	return &l, nil
}

func (c *acceptanceCache) Set(ctx context.Context, clientRequestID string, l *ledger.Ledger) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("failed to marshal acceptance: %w", err)
	}

	if err := c.client.Set(ctx, cacheKey(clientRequestID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}

	return nil
}

func cacheKey(clientRequestID string) string {
	return "acceptance:" + clientRequestID
}
