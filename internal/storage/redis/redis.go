// Package redis keeps transfer idempotency keys in Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Pending is stored under a key while the transfer it guards is running.
const Pending = "pending"

func NewClient(addr, password string, db int) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return rdb, nil
}

type Idempotency struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewIdempotency(client *goredis.Client, ttl time.Duration) *Idempotency {
	return &Idempotency{client: client, ttl: ttl}
}

func key(userID, idemKey string) string {
	return "idempotency:transfer:" + userID + ":" + idemKey
}

// Reserve claims the key for userID. When the key is already taken it
// returns false along with the stored value: Pending or a transfer id.
func (s *Idempotency) Reserve(ctx context.Context, userID, idemKey string) (bool, string, error) {
	const op = "storage.redis.Reserve"

	k := key(userID, idemKey)

	ok, err := s.client.SetNX(ctx, k, Pending, s.ttl).Result()
	if err != nil {
		return false, "", fmt.Errorf("%s: %w", op, err)
	}
	if ok {
		return true, "", nil
	}

	val, err := s.client.Get(ctx, k).Result()
	if err != nil {
		// Released between SETNX and GET.
		if errors.Is(err, goredis.Nil) {
			return s.Reserve(ctx, userID, idemKey)
		}
		return false, "", fmt.Errorf("%s: %w", op, err)
	}

	return false, val, nil
}

func (s *Idempotency) Complete(ctx context.Context, userID, idemKey, transferID string) error {
	const op = "storage.redis.Complete"

	if err := s.client.Set(ctx, key(userID, idemKey), transferID, s.ttl).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Idempotency) Release(ctx context.Context, userID, idemKey string) error {
	const op = "storage.redis.Release"

	if err := s.client.Del(ctx, key(userID, idemKey)).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
