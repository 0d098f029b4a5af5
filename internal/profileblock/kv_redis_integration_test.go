package profileblock

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisKVRejectsBadDSN(t *testing.T) {
	_, err := NewRedisKV("")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = NewRedisKV("http://localhost:6379")
	assert.Error(t, err)
}

func TestRedisKVUnreachableIsStoreFailure(t *testing.T) {
	kv := NewRedisKVFromClient(redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	}))
	t.Cleanup(func() { _ = kv.Close() })
	_, err := NewBlockStore(kv).GetSettings(context.Background())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestRedisIntegrationKVSharedBetweenInstances(t *testing.T) {
	url := redisIntegrationURL(t)
	hashKey := postgresIntegrationName("profileblock:it")
	channel := hashKey + ":changes"

	writer := newRedisIntegrationKV(t, url, hashKey, channel)
	reader := newRedisIntegrationKV(t, url, hashKey, channel)
	t.Cleanup(func() {
		_ = writer.client.Del(context.Background(), hashKey).Err()
	})

	var (
		mu      sync.Mutex
		remotes []StorageChange
	)
	reader.Subscribe(func(c StorageChange) {
		mu.Lock()
		defer mu.Unlock()
		if c.Remote {
			remotes = append(remotes, c)
		}
	})
	ctx := context.Background()
	require.NoError(t, writer.Set(ctx, map[string]json.RawMessage{
		KeyBlockedUsers: json.RawMessage(`{"alice":{"addedDate":1,"customDelay":null}}`),
	}))

	blocked, err := NewBlockStore(reader).IsBlocked(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, blocked)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range remotes {
			if c.Touches(KeyBlockedUsers) {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, writer.Clear(ctx))
	all, err := reader.Get(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func newRedisIntegrationKV(t *testing.T, url, hashKey, channel string) *RedisKV {
	t.Helper()
	kv, err := NewRedisKV(url)
	require.NoError(t, err)
	kv.hashKey = hashKey
	kv.channel = channel
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func redisIntegrationURL(t *testing.T) string {
	t.Helper()
	url := strings.TrimSpace(os.Getenv("PROFILEBLOCK_TEST_REDIS_URL"))
	if url == "" {
		t.Skip("set PROFILEBLOCK_TEST_REDIS_URL to run Redis integration tests")
	}
	return url
}
