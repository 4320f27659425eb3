package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/supportsync/internal/logger"
	redisstorage "github.com/supportsync/internal/storage/redis"
)

// ConnectRedisWithRetry подключается к Redis с повторами и экспоненциальной паузой.
// В отличие от серверных сервисов агент не падает: по истечении maxWait возвращается ошибка,
// и main откатывается на локальное хранилище.
func ConnectRedisWithRetry(ctx context.Context, redisURL, namespace string, ttl, maxWait time.Duration) (*redisstorage.Client, error) {
	deadline := time.Now().Add(maxWait)
	backoff := time.Second
	for {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		client, err := redisstorage.New(dialCtx, redisURL, namespace, ttl)
		cancel()
		if err == nil {
			return client, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("redis (gave up after %v): %w", maxWait, err)
		}
		logger.Errorf("redis connect failed, retry in %v: %v", backoff, err)
		if !sleepCtx(ctx, backoff) {
			return nil, ctx.Err()
		}
		if backoff < 15*time.Second {
			backoff *= 2
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
