package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NoahCxrest/offline-cache-gateway/internal/cache"
)

const (
	defaultPrefix = "offlinecache:"
	// maxPutAttempts bounds retries when the index changes under a watched Put.
	maxPutAttempts = 5
)

// Store implements cache.Store backed by Redis. Each generation is a hash
// keyed by request identity; a set indexes the generation names.
type Store struct {
	client *redis.Client
	prefix string
}

// New constructs a Redis-backed cache store.
func New(rawURL, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewWithClient(client, prefix), nil
}

// NewWithClient wraps an existing client. An empty prefix selects the default.
func NewWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Client returns the underlying redis client.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close terminates the underlying Redis client connections.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) indexKey() string {
	return s.prefix + "generations"
}

func (s *Store) generationKey(generation string) string {
	return s.prefix + "gen:" + generation
}

func (s *Store) exists(ctx context.Context, generation string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.indexKey(), generation).Result()
	if err != nil {
		return false, fmt.Errorf("redis sismember %q: %w", generation, err)
	}
	return ok, nil
}

// Open registers the generation in the index set.
func (s *Store) Open(ctx context.Context, generation string) error {
	if err := s.client.SAdd(ctx, s.indexKey(), generation).Err(); err != nil {
		return fmt.Errorf("redis sadd %q: %w", generation, err)
	}
	return nil
}

// Get retrieves a cached entry if present. The index check and the read run
// in one transaction so a deleted generation is never served.
func (s *Store) Get(ctx context.Context, generation, key string) (cache.Entry, bool, error) {
	var (
		member *redis.BoolCmd
		data   *redis.StringCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		member = pipe.SIsMember(ctx, s.indexKey(), generation)
		data = pipe.HGet(ctx, s.generationKey(generation), key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return cache.Entry{}, false, fmt.Errorf("redis get %q: %w", key, err)
	}
	if !member.Val() {
		return cache.Entry{}, false, cache.ErrNoGeneration
	}

	payload, err := data.Bytes()
	if errors.Is(err, redis.Nil) {
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("redis hget %q: %w", key, err)
	}

	entry, err := cache.Decode(payload)
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("decode cached payload %q: %w", key, err)
	}
	return entry, true, nil
}

// Put writes every record in one MULTI/EXEC. The index set is watched so a
// generation deleted after the membership check aborts the write instead of
// leaving an unindexed hash behind.
func (s *Store) Put(ctx context.Context, generation string, records ...cache.Record) error {
	values := make([]any, 0, len(records)*2)
	for _, rec := range records {
		data, err := cache.Encode(rec.Entry)
		if err != nil {
			return err
		}
		values = append(values, rec.Key, data)
	}

	put := func(tx *redis.Tx) error {
		ok, err := tx.SIsMember(ctx, s.indexKey(), generation).Result()
		if err != nil {
			return fmt.Errorf("redis sismember %q: %w", generation, err)
		}
		if !ok {
			return cache.ErrNoGeneration
		}
		if len(values) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.generationKey(generation), values...)
			return nil
		})
		return err
	}

	for range maxPutAttempts {
		err := s.client.Watch(ctx, put, s.indexKey())
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, cache.ErrNoGeneration) {
			return fmt.Errorf("redis hset %q: %w", generation, err)
		}
		return err
	}
	return fmt.Errorf("redis hset %q: %w", generation, redis.TxFailedErr)
}

// Keys lists the request keys of a generation in lexical order.
func (s *Store) Keys(ctx context.Context, generation string) ([]string, error) {
	ok, err := s.exists(ctx, generation)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cache.ErrNoGeneration
	}

	keys, err := s.client.HKeys(ctx, s.generationKey(generation)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hkeys %q: %w", generation, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Generations lists generation names in lexical order.
func (s *Store) Generations(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the generation hash and its index entry atomically.
func (s *Store) Delete(ctx context.Context, generation string) (bool, error) {
	var removed *redis.IntCmd
	if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.generationKey(generation))
		removed = pipe.SRem(ctx, s.indexKey(), generation)
		return nil
	}); err != nil {
		return false, fmt.Errorf("redis delete %q: %w", generation, err)
	}
	return removed.Val() > 0, nil
}
