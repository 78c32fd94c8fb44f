package redis

import (
	"flag"
	"os"
	"testing"
	"time"

	"github.com/stevedore/stevedore/registry/storage/cache/cachecheck"

	"github.com/gomodule/redigo/redis"
)

var redisAddr string

func init() {
	flag.StringVar(&redisAddr, "test.registry.storage.cache.redis.addr", "", "configure the address of a test instance of redis")
}

// TestRedisBlobInfoCache exercises a live redis instance using the cache
// implementation.
func TestRedisBlobInfoCache(t *testing.T) {
	if redisAddr == "" {
		if envAddr := os.Getenv("TEST_REGISTRY_STORAGE_CACHE_REDIS_ADDR"); envAddr != "" {
			redisAddr = envAddr
		} else {
			t.Skip("please set -test.registry.storage.cache.redis.addr to test layer info cache against redis")
		}
	}

	pool := &redis.Pool{
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", redisAddr)
		},
		MaxIdle:     1,
		MaxActive:   2,
		IdleTimeout: 240 * time.Second,
		Wait:        false, // if a connection is not available, proceed without cache.
	}

	// Clear the database
	conn := pool.Get()
	if _, err := conn.Do("FLUSHDB"); err != nil {
		t.Fatalf("unexpected error flushing redis db: %v", err)
	}
	conn.Close()

	cachecheck.CheckBlobDescriptorCache(t, NewRedisBlobDescriptorCacheProvider(pool))
}
