package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/cache"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/logging"
)

// CachedBlobs ставит горячий кеш перед постоянным хранилищем.
// Чтение идёт через кеш (Read-Through), запись сначала в хранилище,
// после чего ключ сбрасывается из кеша.
type CachedBlobs struct {
	BlobStore
	hot cache.CacheRepo
}

// NewCachedBlobs оборачивает cold. hot должен читать из того же cold при промахе.
func NewCachedBlobs(cold BlobStore, hot cache.CacheRepo) *CachedBlobs {
	return &CachedBlobs{BlobStore: cold, hot: hot}
}

// Load читает ключ через кеш. Промах кеша означает, что ключа нет и в хранилище.
// При любой другой ошибке ключ читается из хранилища напрямую, и его ошибка
// (включая сбой диска) возвращается вызывающему.
func (c *CachedBlobs) Load(ctx context.Context, key string) ([]byte, error) {
	val, err := c.hot.Get(ctx, key)
	switch {
	case err == nil:
		return val, nil
	case cache.IsCacheMiss(err):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	default:
		logging.Warn("Чтение %s через кеш не удалось, читаем хранилище: %v", key, err)
		return c.BlobStore.Load(ctx, key)
	}
}

// BatchLoad читает ключи через кеш
func (c *CachedBlobs) BatchLoad(ctx context.Context, keys []string) (map[string][]byte, error) {
	values, err := c.hot.BatchGet(ctx, keys)
	if err != nil {
		logging.Warn("Кеш недоступен для пакетного чтения: %v", err)
		return c.BlobStore.BatchLoad(ctx, keys)
	}
	return values, nil
}

// Store пишет в хранилище и сбрасывает ключ из кеша
func (c *CachedBlobs) Store(ctx context.Context, key string, value []byte) error {
	if err := c.BlobStore.Store(ctx, key, value); err != nil {
		return err
	}
	return c.forget(ctx, key)
}

// BatchStore пишет пакет в хранилище и сбрасывает ключи из кеша
func (c *CachedBlobs) BatchStore(ctx context.Context, items map[string][]byte) error {
	if err := c.BlobStore.BatchStore(ctx, items); err != nil {
		return err
	}
	var errs []error
	for key := range items {
		errs = append(errs, c.forget(ctx, key))
	}
	return errors.Join(errs...)
}

// Delete удаляет ключ из хранилища и кеша
func (c *CachedBlobs) Delete(ctx context.Context, key string) error {
	if err := c.BlobStore.Delete(ctx, key); err != nil {
		return err
	}
	return c.forget(ctx, key)
}

// Forget сбрасывает ключ из локального кеша. Вызывается при уведомлении
// другого узла о сохранении документа.
func (c *CachedBlobs) Forget(ctx context.Context, key string) error {
	return c.forget(ctx, key)
}

// Close закрывает кеш и хранилище
func (c *CachedBlobs) Close() error {
	return errors.Join(c.hot.Close(), c.BlobStore.Close())
}

func (c *CachedBlobs) forget(ctx context.Context, key string) error {
	if err := c.hot.Delete(ctx, key); err != nil {
		logging.Warn("Не удалось сбросить %s из кеша: %v", key, err)
		return err
	}
	return nil
}
