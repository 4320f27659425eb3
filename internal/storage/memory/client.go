package memory

import (
	"context"
	"sync"

	"github.com/supportsync/internal/storage"
)

// Client — хранилище в памяти процесса. Не переживает перезапуск; для тестов и режима -dev.
type Client struct {
	mu     sync.RWMutex
	vals   map[string]string
	closed bool
}

func New() *Client {
	return &Client{vals: make(map[string]string)}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return "", false, storage.ErrClosed
	}
	v, ok := c.vals[key]
	return v, ok, nil
}

func (c *Client) Set(ctx context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return storage.ErrClosed
	}
	c.vals[key] = value
	return nil
}

func (c *Client) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return storage.ErrClosed
	}
	for _, k := range keys {
		delete(c.vals, k)
	}
	return nil
}

// Len — число ключей (для тестов).
func (c *Client) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.vals)
}
