package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another run holds the category lock.
var ErrLocked = errors.New("run already in progress")

// Only the holder's token may delete the key.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RunLock struct {
	rdb *goredis.Client
	ttl time.Duration
}

func NewRunLock(rdb *goredis.Client, ttl time.Duration) *RunLock {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RunLock{rdb: rdb, ttl: ttl}
}

func RunLockKey(category string) string { return runLockPrefix + category }

// Acquire takes gazette:run:{category} with SET NX. The returned release
// is safe to call more than once.
func (l *RunLock) Acquire(ctx context.Context, category string) (func(), error) {
	if l == nil || l.rdb == nil {
		return nil, fmt.Errorf("redis run lock not initialized")
	}
	key := RunLockKey(category)
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.rdb, []string{key}, token).Err()
	}, nil
}
