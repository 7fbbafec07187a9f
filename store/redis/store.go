// Package redis implements store.Store on Redis with go-redis. Events and
// entries are JSON strings; ordering and retry state live in sorted sets.
// Every mutation runs in a WATCH/MULTI transaction so that it applies
// completely or not at all.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	beaconstore "github.com/xraph/beacon/store"
)

// compile-time interface check
var _ beaconstore.Store = (*Store)(nil)

// maxTxAttempts bounds optimistic transaction retries.
const maxTxAttempts = 16

// scanPage is how many zQueue members are read per round trip when
// scanning in queue order.
const scanPage = 256

// ErrTxConflict is returned when a transaction keeps losing WATCH races.
var ErrTxConflict = errors.New("beacon/redis: transaction conflict")

// Store implements store.Store using Redis.
type Store struct {
	rdb goredis.UniversalClient
}

// New creates a new Redis store over rdb.
func New(rdb goredis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// Client returns the underlying Redis client for direct access.
func (s *Store) Client() goredis.UniversalClient { return s.rdb }

// Migrate is a no-op for Redis (no schema migrations needed).
func (s *Store) Migrate(_ context.Context) error {
	return nil
}

// Ping checks Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// isRedisNil checks if an error is a Redis nil (key not found).
func isRedisNil(err error) bool {
	return errors.Is(err, goredis.Nil)
}

// watch runs fn in an optimistic transaction over the queue indexes,
// retrying when another client modified them first.
func (s *Store) watch(ctx context.Context, fn func(tx *goredis.Tx) error) error {
	for i := 0; i < maxTxAttempts; i++ {
		err := s.rdb.Watch(ctx, fn, zQueue, zRetry)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrTxConflict
}

// mgetJSON fetches keys and decodes every present value into a new T.
// Missing keys yield nil at their position.
func mgetJSON[T any](ctx context.Context, c goredis.Cmdable, keys []string) ([]*T, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*T, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("beacon/redis: unexpected %T at %s", v, keys[i])
		}
		dest := new(T)
		if err := json.Unmarshal([]byte(str), dest); err != nil {
			return nil, fmt.Errorf("beacon/redis: decode %s: %w", keys[i], err)
		}
		out[i] = dest
	}
	return out, nil
}

// msScore renders Unix milliseconds as a sorted set range bound.
func msScore(ms int64) string {
	return strconv.FormatInt(ms, 10)
}
