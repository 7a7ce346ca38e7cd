package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/logging"
)

// RedisCache реализует CacheRepo поверх Redis.
//
// Ключи хранятся с префиксом KeyPrefix, поэтому несколько проектов
// могут делить один Redis. Запись всегда идёт в Cold Storage владельцем
// кеша; RedisCache только читает его при промахе.
type RedisCache struct {
	client      *redis.Client
	config      CacheConfig
	coldStorage ColdStorage
	invalidator CacheInvalidator

	fillWg sync.WaitGroup

	requests  int64
	hits      int64
	misses    int64
	coldLoads int64

	latencySum   int64 // нс
	latencyCount int64
	maxLatency   int64
}

// NewRedisCache подключается к Redis. coldStorage и invalidator могут быть nil.
func NewRedisCache(config CacheConfig, coldStorage ColdStorage, invalidator CacheInvalidator) (*RedisCache, error) {
	if config.DefaultTTL == 0 {
		config.DefaultTTL = 5 * time.Minute
	}
	if config.MaxTTL == 0 {
		config.MaxTTL = time.Hour
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 10
	}
	if config.PoolTimeout == 0 {
		config.PoolTimeout = 30 * time.Second
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "terrain:"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         config.RedisURL,
		Password:     config.RedisPassword,
		DB:           config.RedisDB,
		PoolSize:     config.MaxConnections,
		PoolTimeout:  config.PoolTimeout,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.Info("Redis cache initialized: %s (prefix %q)", config.RedisURL, config.KeyPrefix)
	return &RedisCache{
		client:      rdb,
		config:      config,
		coldStorage: coldStorage,
		invalidator: invalidator,
	}, nil
}

func (r *RedisCache) redisKey(key string) string {
	return r.config.KeyPrefix + key
}

// Get получает значение из Redis, при промахе читает Cold Storage (Read-Through)
// и в фоне прогревает кеш.
func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	defer r.recordLatency(start)

	atomic.AddInt64(&r.requests, 1)

	val, err := r.client.Get(ctx, r.redisKey(key)).Bytes()
	if err == nil {
		atomic.AddInt64(&r.hits, 1)
		return val, nil
	}
	atomic.AddInt64(&r.misses, 1)

	if !errors.Is(err, redis.Nil) {
		logging.Error("Redis Get error for key %s: %v", key, err)
		return nil, fmt.Errorf("redis get error: %w", err)
	}

	if r.coldStorage == nil {
		return nil, ErrCacheMiss
	}
	val, err = r.coldStorage.Load(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		logging.Error("Cold storage error for key %s: %v", key, err)
		return nil, fmt.Errorf("cold storage load %s: %w", key, err)
	}
	atomic.AddInt64(&r.coldLoads, 1)
	r.fillAsync(map[string][]byte{key: val})
	return val, nil
}

// Set сохраняет значение в Redis. TTL ограничен MaxTTL.
func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	start := time.Now()
	defer r.recordLatency(start)

	if err := r.client.Set(ctx, r.redisKey(key), value, r.clampTTL(ttl)).Err(); err != nil {
		logging.Error("Redis Set error for key %s: %v", key, err)
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

// Delete удаляет ключ из Redis
func (r *RedisCache) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("redis delete error: %w", err)
	}
	return nil
}

// Invalidate удаляет ключ и публикует уведомление для других узлов.
func (r *RedisCache) Invalidate(ctx context.Context, key string) error {
	if err := r.Delete(ctx, key); err != nil {
		return err
	}
	if r.invalidator != nil {
		return r.invalidator.PublishInvalidation(ctx, key)
	}
	return nil
}

// BatchGet читает ключи одним pipeline; промахи добираются из Cold Storage.
func (r *RedisCache) BatchGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	start := time.Now()
	defer r.recordLatency(start)

	result := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return result, nil
	}
	atomic.AddInt64(&r.requests, int64(len(keys)))

	pipe := r.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(keys))
	for _, key := range keys {
		cmds[key] = pipe.Get(ctx, r.redisKey(key))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		logging.Error("Redis BatchGet pipeline error: %v", err)
		return nil, fmt.Errorf("redis batch get error: %w", err)
	}

	var missing []string
	for key, cmd := range cmds {
		val, err := cmd.Bytes()
		if err == nil {
			result[key] = val
			continue
		}
		if !errors.Is(err, redis.Nil) {
			logging.Error("Redis BatchGet error for key %s: %v", key, err)
		}
		missing = append(missing, key)
	}
	atomic.AddInt64(&r.hits, int64(len(result)))
	atomic.AddInt64(&r.misses, int64(len(missing)))

	if len(missing) == 0 || r.coldStorage == nil {
		return result, nil
	}
	loaded, err := r.coldStorage.BatchLoad(ctx, missing)
	if err != nil {
		return nil, err
	}
	for key, val := range loaded {
		result[key] = val
	}
	atomic.AddInt64(&r.coldLoads, int64(len(loaded)))
	r.fillAsync(loaded)
	return result, nil
}

// Close дожидается фонового прогрева и закрывает клиент.
func (r *RedisCache) Close() error {
	r.fillWg.Wait()
	return r.client.Close()
}

// GetMetrics возвращает метрики кеша
func (r *RedisCache) GetMetrics() *CacheMetrics {
	hits := atomic.LoadInt64(&r.hits)
	misses := atomic.LoadInt64(&r.misses)
	count := atomic.LoadInt64(&r.latencyCount)

	m := &CacheMetrics{
		TotalRequests: atomic.LoadInt64(&r.requests),
		CacheHits:     hits,
		CacheMisses:   misses,
		ColdLoads:     atomic.LoadInt64(&r.coldLoads),
		MaxLatencyMs:  float64(atomic.LoadInt64(&r.maxLatency)) / 1e6,
		LastUpdate:    time.Now(),
	}
	if total := hits + misses; total > 0 {
		m.HitRatio = float64(hits) / float64(total)
	}
	if count > 0 {
		m.AvgLatencyMs = float64(atomic.LoadInt64(&r.latencySum)) / float64(count) / 1e6
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if n, err := r.client.DBSize(ctx).Result(); err == nil {
		m.TotalKeys = n
	}
	return m
}

func (r *RedisCache) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = r.config.DefaultTTL
	}
	if ttl > r.config.MaxTTL {
		ttl = r.config.MaxTTL
	}
	return ttl
}

// fillAsync кладёт прочитанные из Cold Storage значения в Redis.
func (r *RedisCache) fillAsync(items map[string][]byte) {
	if len(items) == 0 {
		return
	}
	r.fillWg.Add(1)
	go func() {
		defer r.fillWg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		pipe := r.client.Pipeline()
		ttl := r.clampTTL(0)
		for key, val := range items {
			pipe.Set(ctx, r.redisKey(key), val, ttl)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			logging.Warn("Redis fill failed (%d keys): %v", len(items), err)
		}
	}()
}

func (r *RedisCache) recordLatency(start time.Time) {
	latency := time.Since(start).Nanoseconds()

	atomic.AddInt64(&r.latencySum, latency)
	atomic.AddInt64(&r.latencyCount, 1)

	for {
		current := atomic.LoadInt64(&r.maxLatency)
		if latency <= current || atomic.CompareAndSwapInt64(&r.maxLatency, current, latency) {
			break
		}
	}
}
