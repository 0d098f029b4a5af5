package profileblock

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisKVHashKey        = "profileblock:sync"
	redisKVChannel        = "profileblock:sync:changes"
	redisOperationTimeout = 5 * time.Second
)

// RedisKV keeps every key as a field of one hash and announces writes on a
// pub/sub channel.
type RedisKV struct {
	client     *redis.Client
	hashKey    string
	channel    string
	instanceID string
	logger     *zap.Logger

	initOnce sync.Once
	initErr  error

	feed       changeFeed
	listenOnce sync.Once
	pubsub     *redis.PubSub
	closeOnce  sync.Once
}

type redisChangePayload struct {
	Instance string   `json:"instance"`
	Keys     []string `json:"keys"`
}

func NewRedisKV(dsn string) (*RedisKV, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}
	return NewRedisKVFromClient(redis.NewClient(opts)), nil
}

func NewRedisKVFromClient(client *redis.Client) *RedisKV {
	return &RedisKV{
		client:     client,
		hashKey:    redisKVHashKey,
		channel:    redisKVChannel,
		instanceID: uuid.NewString(),
		logger:     zap.NewNop(),
	}
}

func (r *RedisKV) WithLogger(logger *zap.Logger) *RedisKV {
	if logger != nil {
		r.logger = logger
	}
	return r
}

func (r *RedisKV) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	if err := r.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
	defer cancel()

	out := map[string]json.RawMessage{}
	if len(keys) == 0 {
		all, err := r.client.HGetAll(ctx, r.hashKey).Result()
		if err != nil {
			return nil, err
		}
		for k, v := range all {
			out[k] = json.RawMessage(v)
		}
		return out, nil
	}
	values, err := r.client.HMGet(ctx, r.hashKey, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		if s, ok := v.(string); ok {
			out[keys[i]] = json.RawMessage(s)
		}
	}
	return out, nil
}

func (r *RedisKV) Set(ctx context.Context, items map[string]json.RawMessage) error {
	if len(items) == 0 {
		return nil
	}
	if err := r.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
	defer cancel()

	keys := sortedKeys(items)
	fields := make(map[string]interface{}, len(items))
	for _, k := range keys {
		fields[k] = string(items[k])
	}
	payload, err := json.Marshal(redisChangePayload{Instance: r.instanceID, Keys: keys})
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.hashKey, fields)
		pipe.Publish(ctx, r.channel, string(payload))
		return nil
	})
	if err != nil {
		return err
	}
	r.feed.publish(StorageChange{Keys: keys})
	return nil
}

func (r *RedisKV) Clear(ctx context.Context) error {
	if err := r.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
	defer cancel()

	keys, err := r.client.HKeys(ctx, r.hashKey).Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	payload, err := json.Marshal(redisChangePayload{Instance: r.instanceID, Keys: keys})
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.hashKey)
		pipe.Publish(ctx, r.channel, string(payload))
		return nil
	})
	if err != nil {
		return err
	}
	r.feed.publish(StorageChange{Keys: keys})
	return nil
}

func (r *RedisKV) Subscribe(fn func(StorageChange)) func() {
	unsubscribe := r.feed.subscribe(fn)
	r.listenOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
		defer cancel()
		r.pubsub = r.client.Subscribe(ctx, r.channel)
		// Wait for the subscription to be confirmed so writes made right
		// after Subscribe returns are not missed.
		if _, err := r.pubsub.Receive(ctx); err != nil {
			r.logger.Warn("redis subscribe failed", zap.String("channel", r.channel), zap.Error(err))
		}
		go r.listenLoop(r.pubsub.Channel())
	})
	return unsubscribe
}

func (r *RedisKV) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisKV) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.pubsub != nil {
			err = r.pubsub.Close()
		}
		if closeErr := r.client.Close(); err == nil {
			err = closeErr
		}
	})
	return err
}

func (r *RedisKV) listenLoop(messages <-chan *redis.Message) {
	for msg := range messages {
		var payload redisChangePayload
		if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
			r.logger.Debug("ignoring malformed change notification", zap.Error(err))
			continue
		}
		if payload.Instance == r.instanceID {
			continue
		}
		r.feed.publish(StorageChange{Keys: payload.Keys, Remote: true})
	}
}

func (r *RedisKV) ensureReady(ctx context.Context) error {
	r.initOnce.Do(func() {
		pingCtx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
		defer cancel()
		r.initErr = r.Ping(pingCtx)
	})
	return r.initErr
}
