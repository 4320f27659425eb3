package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix — общий префикс ключей агента; далее идёт namespace профиля.
const KeyPrefix = "supportsync:"

// Client хранит состояние профиля в Redis под ключами supportsync:{namespace}:{key}.
// ttl > 0 ограничивает срок жизни ключей (страховка от мусора брошенных профилей).
type Client struct {
	cli       *redis.Client
	namespace string
	ttl       time.Duration
}

func New(ctx context.Context, url, namespace string, ttl time.Duration) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli, namespace: namespace, ttl: ttl}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) key(k string) string {
	return KeyPrefix + c.namespace + ":" + k
}

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.cli.Get(ctx, c.key(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

func (c *Client) Set(ctx context.Context, key, value string) error {
	if err := c.cli.Set(ctx, c.key(key), value, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete удаляет ключи одной командой DEL (logout сбрасывает все ключи сессии атомарно).
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	return c.cli.Del(ctx, full...).Err()
}

// FlushNamespace удаляет все ключи профиля (для сброса состояния при тестах/переустановке).
func (c *Client) FlushNamespace(ctx context.Context) error {
	iter := c.cli.Scan(ctx, 0, KeyPrefix+c.namespace+":*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.cli.Del(ctx, keys...).Err()
}
