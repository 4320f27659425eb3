// Package pebble — встроенное долговременное хранилище состояния агента на cockroachdb/pebble.
// Используется по умолчанию: один каталог на машину, ключи разделены namespace профиля.
package pebble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/supportsync/internal/logger"
	"github.com/supportsync/internal/storage"
)

type Client struct {
	mu        sync.RWMutex
	db        *pebble.DB
	namespace string
}

// Open открывает (или создаёт) базу в каталоге path.
func Open(path, namespace string) (*Client, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebble open %s: %w", path, err)
	}
	logger.Infof("pebble store opened path=%s namespace=%s", path, namespace)
	return &Client{db: db, namespace: namespace}, nil
}

func (c *Client) key(k string) []byte {
	return []byte("state:" + c.namespace + ":" + k)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return "", false, storage.ErrClosed
	}
	val, closer, err := c.db.Get(c.key(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("pebble get %s: %w", key, err)
	}
	// val валиден только до closer.Close — копируем.
	out := string(val)
	if err := closer.Close(); err != nil {
		return "", false, fmt.Errorf("pebble get %s close: %w", key, err)
	}
	return out, true, nil
}

func (c *Client) Set(ctx context.Context, key, value string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return storage.ErrClosed
	}
	if err := c.db.Set(c.key(key), []byte(value), pebble.Sync); err != nil {
		return fmt.Errorf("pebble set %s: %w", key, err)
	}
	return nil
}

// Delete удаляет ключи одним батчем.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return storage.ErrClosed
	}
	b := c.db.NewBatch()
	defer b.Close()
	for _, k := range keys {
		if err := b.Delete(c.key(k), nil); err != nil {
			return fmt.Errorf("pebble delete %s: %w", k, err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble delete commit: %w", err)
	}
	return nil
}
