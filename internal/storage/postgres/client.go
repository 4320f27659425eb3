// Package postgres хранит состояние агента в таблице client_state (общий сервер для нескольких профилей).
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/supportsync/internal/logger"
	"github.com/supportsync/migrations"
)

type Client struct {
	pool      *pgxpool.Pool
	namespace string
}

// New оборачивает готовый пул; Close закрывает пул.
func New(pool *pgxpool.Pool, namespace string) *Client {
	return &Client{pool: pool, namespace: namespace}
}

func (c *Client) Close() error {
	c.pool.Close()
	return nil
}

// Migrate применяет встроенные миграции по порядку имён файлов.
func (c *Client) Migrate(ctx context.Context) error {
	defer logger.DeferLogDuration("state.Migrate", time.Now())()
	names, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		return fmt.Errorf("stateRepo.Migrate glob: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("stateRepo.Migrate read %s: %w", name, err)
		}
		if _, err := c.pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("stateRepo.Migrate exec %s: %w", name, err)
		}
	}
	logger.Infof("migrations applied: %d", len(names))
	return nil
}

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	defer logger.DeferLogDuration("state.Get", time.Now())()
	var v string
	err := c.pool.QueryRow(ctx,
		`SELECT value FROM client_state WHERE namespace = $1 AND key = $2`, c.namespace, key,
	).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("stateRepo.Get: %w", err)
	}
	return v, true, nil
}

// Set вставляет или обновляет значение по (namespace, key).
func (c *Client) Set(ctx context.Context, key, value string) error {
	defer logger.DeferLogDuration("state.Set", time.Now())()
	_, err := c.pool.Exec(ctx,
		`INSERT INTO client_state (namespace, key, value, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (namespace, key) DO UPDATE SET
		   value = EXCLUDED.value,
		   updated_at = EXCLUDED.updated_at`,
		c.namespace, key, value,
	)
	if err != nil {
		return fmt.Errorf("stateRepo.Set: %w", err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, keys ...string) error {
	defer logger.DeferLogDuration("state.Delete", time.Now())()
	if len(keys) == 0 {
		return nil
	}
	_, err := c.pool.Exec(ctx,
		`DELETE FROM client_state WHERE namespace = $1 AND key = ANY($2)`, c.namespace, keys)
	if err != nil {
		return fmt.Errorf("stateRepo.Delete: %w", err)
	}
	return nil
}

// PurgeStale удаляет записи, не обновлявшиеся дольше olderThan (брошенные профили). Возвращает число строк.
func (c *Client) PurgeStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	defer logger.DeferLogDuration("state.PurgeStale", time.Now())()
	tag, err := c.pool.Exec(ctx,
		`DELETE FROM client_state WHERE updated_at < $1`, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("stateRepo.PurgeStale: %w", err)
	}
	return tag.RowsAffected(), nil
}
