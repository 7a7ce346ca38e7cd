package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/logging"
)

type memoryItem struct {
	value   []byte
	expires time.Time
}

// MemoryCache: процессный кеш с тем же контрактом, что RedisCache.
// Используется, когда Redis не настроен, и в тестах.
type MemoryCache struct {
	mu          sync.RWMutex
	items       map[string]memoryItem
	coldStorage ColdStorage
	invalidator CacheInvalidator
	defaultTTL  time.Duration
	now         func() time.Time

	requests  int64
	hits      int64
	misses    int64
	coldLoads int64
}

// NewMemoryCache создаёт кеш. coldStorage и invalidator могут быть nil.
func NewMemoryCache(coldStorage ColdStorage, invalidator CacheInvalidator, defaultTTL time.Duration) *MemoryCache {
	if defaultTTL == 0 {
		defaultTTL = 30 * time.Second
	}
	return &MemoryCache{
		items:       make(map[string]memoryItem),
		coldStorage: coldStorage,
		invalidator: invalidator,
		defaultTTL:  defaultTTL,
		now:         time.Now,
	}
}

// Get получает значение; при промахе читает Cold Storage и кладёт результат в кеш.
func (m *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	atomic.AddInt64(&m.requests, 1)

	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()

	if ok && m.now().Before(item.expires) {
		atomic.AddInt64(&m.hits, 1)
		return item.value, nil
	}
	atomic.AddInt64(&m.misses, 1)

	if m.coldStorage == nil {
		return nil, ErrCacheMiss
	}
	val, err := m.coldStorage.Load(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		logging.Warn("Cold storage error for key %s: %v", key, err)
		return nil, fmt.Errorf("cold storage load %s: %w", key, err)
	}
	atomic.AddInt64(&m.coldLoads, 1)
	_ = m.Set(ctx, key, val, 0)
	return val, nil
}

// Set сохраняет значение
func (m *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	if ttl == 0 {
		ttl = m.defaultTTL
	}
	m.mu.Lock()
	m.items[key] = memoryItem{value: value, expires: m.now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

// Delete удаляет ключ
func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// Invalidate удаляет ключ и уведомляет другие узлы
func (m *MemoryCache) Invalidate(ctx context.Context, key string) error {
	_ = m.Delete(ctx, key)
	if m.invalidator != nil {
		return m.invalidator.PublishInvalidation(ctx, key)
	}
	return nil
}

// BatchGet получает несколько значений, промахи добираются из Cold Storage одним запросом.
func (m *MemoryCache) BatchGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	var missing []string

	now := m.now()
	m.mu.RLock()
	for _, key := range keys {
		if item, ok := m.items[key]; ok && now.Before(item.expires) {
			result[key] = item.value
		} else {
			missing = append(missing, key)
		}
	}
	m.mu.RUnlock()

	atomic.AddInt64(&m.requests, int64(len(keys)))
	atomic.AddInt64(&m.hits, int64(len(keys)-len(missing)))
	atomic.AddInt64(&m.misses, int64(len(missing)))

	if len(missing) == 0 || m.coldStorage == nil {
		return result, nil
	}

	loaded, err := m.coldStorage.BatchLoad(ctx, missing)
	if err != nil {
		return nil, err
	}
	for key, val := range loaded {
		result[key] = val
		_ = m.Set(ctx, key, val, 0)
	}
	atomic.AddInt64(&m.coldLoads, int64(len(loaded)))
	return result, nil
}

// Close очищает кеш
func (m *MemoryCache) Close() error {
	m.mu.Lock()
	m.items = make(map[string]memoryItem)
	m.mu.Unlock()
	return nil
}

// GetMetrics возвращает метрики кеша
func (m *MemoryCache) GetMetrics() *CacheMetrics {
	m.mu.RLock()
	keys := len(m.items)
	m.mu.RUnlock()

	metrics := &CacheMetrics{
		TotalRequests: atomic.LoadInt64(&m.requests),
		CacheHits:     atomic.LoadInt64(&m.hits),
		CacheMisses:   atomic.LoadInt64(&m.misses),
		ColdLoads:     atomic.LoadInt64(&m.coldLoads),
		TotalKeys:     int64(keys),
		LastUpdate:    m.now(),
	}
	if total := metrics.CacheHits + metrics.CacheMisses; total > 0 {
		metrics.HitRatio = float64(metrics.CacheHits) / float64(total)
	}
	return metrics
}
