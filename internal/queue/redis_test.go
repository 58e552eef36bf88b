package queue

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisQueue(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())

	var prefixes []string
	t.Cleanup(func() {
		ctx := context.Background()
		for _, p := range prefixes {
			keys, err := rdb.Keys(ctx, p+"*").Result()
			if err == nil && len(keys) > 0 {
				rdb.Del(ctx, keys...)
			}
		}
	})

	runQueueSuite(t, func() Store {
		p := "test:" + uuid.NewString() + ":"
		prefixes = append(prefixes, p)
		return NewRedisStore(rdb, p)
	})
}
