package registry

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hivemesh-dev/hivemesh/protocol"
)

// RedisRegistry stores agent records in Redis, suitable for a mesh
// whose nodes share a registry. Records are JSON values keyed by agent
// id under a common prefix, with a set indexing the known ids.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for registry keys (default: "hivemesh:registry:").
	Prefix string
	// RecordTTL is the record expiry duration (0 = never expire).
	RecordTTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisRegistry connects to Redis and returns a registry backend.
func NewRedisRegistry(cfg RedisConfig) (*RedisRegistry, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisRegistryFromClient(client, cfg.Prefix, cfg.RecordTTL), nil
}

// NewRedisRegistryFromClient builds a registry from an existing client.
// This is useful for testing with miniredis.
func NewRedisRegistryFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisRegistry {
	if prefix == "" {
		prefix = "hivemesh:registry:"
	}
	return &RedisRegistry{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisRegistry) recordKey(id protocol.AgentID) string {
	return r.prefix + "agent:" + string(id)
}

func (r *RedisRegistry) indexKey() string {
	return r.prefix + "index"
}

// Register creates or replaces a record.
func (r *RedisRegistry) Register(ctx context.Context, record *Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.recordKey(record.ID), data, r.ttl)
	pipe.SAdd(ctx, r.indexKey(), string(record.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register %s: %w", record.ID, err)
	}
	return nil
}

// Get retrieves a record by agent id.
func (r *RedisRegistry) Get(ctx context.Context, id protocol.AgentID) (*Record, error) {
	data, err := r.client.Get(ctx, r.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("unmarshal record %s: %w", id, err)
	}
	return &record, nil
}

// GetPublicKey returns the decoded public key for an agent.
func (r *RedisRegistry) GetPublicKey(ctx context.Context, id protocol.AgentID) (ed25519.PublicKey, error) {
	record, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return recordPublicKey(record)
}

// List returns all records.
func (r *RedisRegistry) List(ctx context.Context) ([]*Record, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list index: %w", err)
	}

	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		record, err := r.Get(ctx, protocol.AgentID(id))
		if errors.Is(err, ErrNotFound) {
			// Record expired; drop the stale index entry.
			r.client.SRem(ctx, r.indexKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// Search returns records matching the free-text query.
func (r *RedisRegistry) Search(ctx context.Context, query string) ([]*Record, error) {
	records, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	matched := records[:0]
	for _, record := range records {
		if matchRecord(record, query) {
			matched = append(matched, record)
		}
	}
	return matched, nil
}

// Close releases the Redis connection pool.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
