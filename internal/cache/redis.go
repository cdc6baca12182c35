package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zombor/outreach-intake/internal/customer"
)

const defaultRedisPrefix = "outreach:extraction:"

// RedisTier is a shared persistent tier so several instances reuse each other's extractions
type RedisTier struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisTier connects to Redis; keys expire after ttl
func NewRedisTier(ctx context.Context, addr string, ttl time.Duration) (*RedisTier, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultWindow
	}
	return &RedisTier{client: client, prefix: defaultRedisPrefix, ttl: ttl}, nil
}

func (r *RedisTier) key(tenant, hash string) string {
	return r.prefix + tenant + ":" + hash
}

// GetExtraction returns a stored extraction created at or after notBefore
func (r *RedisTier) GetExtraction(ctx context.Context, tenant, hash string, notBefore time.Time) (*customer.Extraction, error) {
	val, err := r.client.Get(ctx, r.key(tenant, hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, customer.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var extraction customer.Extraction
	if err := json.Unmarshal(val, &extraction); err != nil {
		return nil, fmt.Errorf("unmarshaling extraction: %w", err)
	}
	if extraction.CreatedAt.Before(notBefore) {
		return nil, customer.ErrNotFound
	}
	return &extraction, nil
}

// PutExtraction stores an extraction
func (r *RedisTier) PutExtraction(ctx context.Context, extraction *customer.Extraction) error {
	data, err := json.Marshal(extraction)
	if err != nil {
		return fmt.Errorf("marshaling extraction: %w", err)
	}
	if err := r.client.Set(ctx, r.key(extraction.Tenant, extraction.Hash), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (r *RedisTier) Close() error {
	return r.client.Close()
}
