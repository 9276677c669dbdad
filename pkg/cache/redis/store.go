// Package redis provides a Redis-backed cache store.
//
// Each entry is one hash: the "meta" field holds the JSON header and
// "out:{i}" fields hold the encoded outputs. Writes replace the whole hash in
// a single MULTI/EXEC transaction.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/lazypipe/pkg/cache"
	"github.com/redis/go-redis/v9"
)

const (
	storeName     = "redis"
	metaField     = "meta"
	outputPrefix  = "out:"
	defaultPrefix = "lazypipe:cache:"
)

// Store implements cache.Store on Redis hashes.
type Store struct {
	client *redis.Client
	logger *slog.Logger
	prefix string
	ttl    time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithTTL expires entries after ttl. Zero keeps entries forever.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithPrefix namespaces the Redis keys.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// NewStore connects to the Redis server at redisURL (redis://[:password@]host:port/db).
func NewStore(ctx context.Context, logger *slog.Logger, redisURL string, opts ...Option) (*Store, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = client.Ping(pingCtx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewStoreWithClient(logger, client, opts...), nil
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(logger *slog.Logger, client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		logger: logger.With("module", "redis_cache"),
		prefix: defaultPrefix,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Store) Exists(ctx context.Context, key cache.Key) (bool, error) {
	n, err := s.client.Exists(ctx, s.redisKey(key)).Result()
	if err != nil {
		return false, cache.NewStoreError(storeName, "Exists", key, err)
	}

	return n > 0, nil
}

func (s *Store) Get(ctx context.Context, key cache.Key) (*cache.Entry, error) {
	fields, err := s.client.HGetAll(ctx, s.redisKey(key)).Result()
	if err != nil {
		return nil, cache.NewStoreError(storeName, "Get", key, err)
	}

	if len(fields) == 0 {
		return nil, cache.NewStoreError(storeName, "Get", key, cache.ErrEntryNotFound)
	}

	raw, ok := fields[metaField]
	if !ok {
		return nil, cache.NewStoreError(storeName, "Get", key, fmt.Errorf("%w: missing header", cache.ErrCorruptEntry))
	}

	var meta cache.Meta

	err = json.Unmarshal([]byte(raw), &meta)
	if err != nil {
		return nil, cache.NewStoreError(storeName, "Get", key, fmt.Errorf("%w: %w", cache.ErrCorruptEntry, err))
	}

	outputs := make([][]byte, 0, meta.Outputs)

	for i := range meta.Outputs {
		value, ok := fields[outputField(i)]
		if !ok {
			return nil, cache.NewStoreError(storeName, "Get", key, fmt.Errorf("%w: missing output %d", cache.ErrCorruptEntry, i))
		}

		outputs = append(outputs, []byte(value))
	}

	entry, err := meta.Entry(outputs)
	if err != nil {
		return nil, cache.NewStoreError(storeName, "Get", key, err)
	}

	return entry, nil
}

func (s *Store) Put(ctx context.Context, entry *cache.Entry) error {
	err := entry.Validate()
	if err != nil {
		return cache.NewStoreError(storeName, "Put", "", err)
	}

	header, err := json.Marshal(entry.Meta())
	if err != nil {
		return cache.NewStoreError(storeName, "Put", entry.Key, err)
	}

	values := make([]any, 0, 2*(len(entry.Outputs)+1))
	values = append(values, metaField, header)

	for i, out := range entry.Outputs {
		values = append(values, outputField(i), out)
	}

	redisKey := s.redisKey(entry.Key)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisKey)
		pipe.HSet(ctx, redisKey, values...)

		if s.ttl > 0 {
			pipe.Expire(ctx, redisKey, s.ttl)
		}

		return nil
	})
	if err != nil {
		return cache.NewStoreError(storeName, "Put", entry.Key, err)
	}

	s.logger.DebugContext(ctx, "Stored cache entry", "key", entry.Key.Short(), "outputs", len(entry.Outputs))

	return nil
}

// Close closes the Redis client.
func (s *Store) Close(_ context.Context) error {
	err := s.client.Close()
	if err != nil && !errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("failed to close redis client: %w", err)
	}

	return nil
}

// HealthCheck pings the server.
func (s *Store) HealthCheck(ctx context.Context) error {
	err := s.client.Ping(ctx).Err()
	if err != nil {
		return cache.NewStoreError(storeName, "HealthCheck", "", err)
	}

	return nil
}

func (s *Store) redisKey(key cache.Key) string {
	return s.prefix + string(key)
}

func outputField(i int) string {
	return outputPrefix + strconv.Itoa(i)
}
