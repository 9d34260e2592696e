package testutil

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// SetupTestRedis creates a Redis client for testing and flushes the selected
// database. Tests are skipped (or failed when TEST_REDIS_REQUIRED is set)
// if Redis is not reachable.
func SetupTestRedis(t TestingTB) *redis.Client {
	t.Helper()

	addr := getEnvOrDefault("TEST_REDIS_ADDR", "localhost:6379")
	db := 1
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			db = i
		} else {
			t.Logf("invalid TEST_REDIS_DB=%q, using %d", v, db)
		}
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		if cerr := client.Close(); cerr != nil {
			t.Logf("redis client close failed: %v", cerr)
		}
		if requireRedis() {
			t.Fatalf("Test Redis not available at %s: %v", addr, err)
		}
		t.Skipf("Test Redis not available at %s: %v", addr, err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test Redis DB: %v", err)
	}

	return client
}

// requireRedis reports whether tests must fail (not skip) when Redis is missing.
func requireRedis() bool {
	v, err := strconv.ParseBool(os.Getenv("TEST_REDIS_REQUIRED"))
	return err == nil && v
}
