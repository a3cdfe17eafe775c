package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisRegistry(t *testing.T, ttl time.Duration) (*RedisRegistry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	reg := NewRedisRegistryFromClient(client, "", ttl)
	t.Cleanup(func() { reg.Close() })
	return reg, mr
}

func TestRedisRegistry(t *testing.T) {
	reg, _ := newTestRedisRegistry(t, 0)
	exerciseRegistry(t, reg)
}

func TestRedisRegistryExpiry(t *testing.T) {
	ctx := context.Background()
	reg, mr := newTestRedisRegistry(t, time.Minute)

	record := testRecord(t, "hive:agentid:ephemeral")
	if err := reg.Register(ctx, record); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := reg.Get(ctx, record.ID); err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	if _, err := reg.Get(ctx, record.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after expiry error = %v, want ErrNotFound", err)
	}

	// The stale index entry gets pruned during List.
	records, err := reg.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("List returned %d records after expiry, want 0", len(records))
	}
}

func TestNewRedisRegistryRequiresAddr(t *testing.T) {
	if _, err := NewRedisRegistry(RedisConfig{}); err == nil {
		t.Error("NewRedisRegistry accepted an empty address")
	}
}
