package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func NewRedisClient(ctx context.Context, url string, log *zap.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	log.Info("redis connected", zap.String("addr", opts.Addr))
	return client, nil
}

// TryLock takes a best-effort lease on key for ttl. It returns a release func
// that only deletes the key while this holder still owns it.
func TryLock(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (bool, func(), error) {
	token := uuid.NewString()
	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return false, func() {}, err
	}
	release := func() {
		_ = unlockScript.Run(context.Background(), client, []string{key}, token).Err()
	}
	return true, release, nil
}

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
