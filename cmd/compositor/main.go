package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/api"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/cache"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/compositor"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/config"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/document"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/eventbus"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/layers"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/logging"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/metrics"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/observability"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/storage"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/storage_adapter"
	tsync "github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/sync"
)

func main() {
	configPath := flag.String("config", "", "путь к YAML конфигурации (по умолчанию $TERRAIN_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}

	logging.Configure(cfg.Logging.LoggingOptions())
	cfg.Logging.ApplyLevels(logging.Components())
	if err := logging.InitDefaultLogger("compositor"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()
	defer func() { _ = logging.Components().Close() }()

	logging.Info("🗺️  Запуск компоновщика ландшафта, узел %s", cfg.NodeID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Error("❌ %v", err)
		os.Exit(1)
	}
	logging.Info("👋 Компоновщик остановлен")
}

func run(ctx context.Context, cfg *config.Config) error {
	// === ТРАССИРОВКА ===
	if cfg.Telemetry.Enabled {
		shutdown, err := observability.InitTelemetry(ctx, observability.Options{
			ServiceName: cfg.Telemetry.ServiceName,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			logging.Warn("Трассировка отключена: %v", err)
		} else {
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdown(sctx)
			}()
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	// === ХРАНИЛИЩЕ ===
	cold, err := storage_adapter.NewBlobStore(storage_adapter.Options{
		Backend:  cfg.Storage.Driver,
		DataPath: cfg.Storage.Path,
		AutoSave: cfg.Storage.AutoSave,
		Compress: cfg.Storage.Compress,
	})
	if err != nil {
		return fmt.Errorf("хранилище: %w", err)
	}

	var blobs storage.BlobStore = cold
	var hot cache.CacheRepo
	var cached *storage.CachedBlobs
	if cfg.Cache.Enabled {
		hot = newHotCache(cfg, cold)
		cached = storage.NewCachedBlobs(cold, hot)
		blobs = cached
	}
	defer func() {
		if err := blobs.Close(); err != nil {
			logging.Error("Ошибка закрытия хранилища: %v", err)
		}
	}()

	codec, err := storage.NewCodec(cfg.Storage.Compress)
	if err != nil {
		return err
	}
	defer codec.Close()
	store := storage.NewDocumentStore(blobs, codec)

	base, err := store.LoadBase(ctx)
	if err != nil {
		return fmt.Errorf("загрузка базы: %w", err)
	}
	tree, err := loadTree(ctx, store)
	if err != nil {
		return err
	}
	logging.Info("📦 Проект загружен: %d лендблоков базы, %d узлов дерева", base.Len(), tree.Len())

	// === ШИНА СОБЫТИЙ ===
	bus, err := newEventBus(cfg)
	if err != nil {
		return fmt.Errorf("шина событий: %w", err)
	}
	defer bus.Close()

	busMetrics := eventbus.NewMetricsExporter(bus, registry, 5*time.Second)
	busMetrics.Start()
	defer busMetrics.Stop()

	if cfg.EventBus.LogEvents {
		sub, err := eventbus.StartLoggingListener(ctx, bus)
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
	}

	// === СЕССИЯ ===
	var mu sync.Mutex
	manager := document.NewManager(store, base)
	defer manager.Close()

	// сессия создаётся после подписок; до этого инвалидации некому применять
	var session *compositor.Session
	// база перечитывается мимо горячего кеша: ключи лендблоков заранее неизвестны
	coldStore := storage.NewDocumentStore(cold, codec)

	reload := func(id string) {
		if id == layers.BaseLayerID {
			fresh, err := coldStore.LoadBase(ctx)
			if err != nil {
				logging.Error("Не удалось перечитать базу: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if session != nil && session.ReplaceBase(fresh) {
				session.MarkLoaded(fresh.Keys()...)
			}
			return
		}

		if cached != nil {
			_ = cached.Forget(ctx, storage.LayerKey(id))
		}
		mu.Lock()
		defer mu.Unlock()
		if session == nil {
			return
		}
		// документ с несохранёнными правками менеджер не перезагружает
		manager.Invalidate(ctx, id)
	}

	syncManager, err := tsync.NewSyncManager(ctx, tsync.SyncConfig{
		NodeID:       cfg.NodeID,
		Bus:          bus,
		BatchSize:    cfg.Sync.BatchSize,
		FlushEvery:   cfg.Sync.FlushEvery(),
		UseGzipCompr: cfg.Sync.UseGzipCompr,
		Handlers: tsync.Handlers{
			OnChanges: func(_ context.Context, source string, res compositor.TickResult) {
				logging.Debug("Узел %s изменил %d лендблоков (refreshAll=%v)", source, len(res.Landblocks), res.RefreshAll)
			},
			OnDocumentSaved: func(_ context.Context, source, documentID string) {
				logging.Debug("Узел %s сохранил документ %s", source, documentID)
				reload(documentID)
			},
		},
	})
	if err != nil {
		return fmt.Errorf("синхронизация: %w", err)
	}
	defer syncManager.Stop()

	invalidators := fanout{syncManager.Producer}
	if cfg.Invalidation.Enabled {
		nats, err := cache.NewNATSInvalidator(cache.InvalidatorConfig{
			NATSURL: cfg.Invalidation.NATSURL,
			Subject: cfg.Invalidation.Subject,
		}, cfg.NodeID)
		if err != nil {
			return fmt.Errorf("инвалидация: %w", err)
		}
		defer nats.Close()
		if err := nats.SubscribeInvalidations(ctx, func(id string) error {
			reload(id)
			return nil
		}); err != nil {
			return fmt.Errorf("подписка на инвалидацию: %w", err)
		}
		invalidators = append(invalidators, nats)
	}

	compOpts := []compositor.Option{compositor.WithMetrics(collector)}
	if cfg.Session.BlockingLoads {
		compOpts = append(compOpts, compositor.WithBlockingLoads())
	}
	mu.Lock()
	session = compositor.NewSession(tree, manager,
		compositor.WithSaver(store),
		compositor.WithInvalidator(invalidators),
		compositor.WithTickSink(syncManager.Batcher),
		compositor.WithSessionMetrics(collector),
		compositor.WithCompositorOptions(compOpts...),
	)
	manager.SetOnLoaded(session.OnDocumentLoaded)
	session.MarkLoaded(base.Keys()...)

	if id := cfg.Session.ActiveLayer; id != "" {
		if err := session.SetActiveLayer(ctx, id); err != nil {
			logging.Warn("Активный слой %s не выбран: %v", id, err)
		}
	}
	mu.Unlock()

	// === API ===
	restPort := cfg.Server.GetRESTPort()
	metricsPort := cfg.Server.GetMetricsPort()
	rest := api.NewRestServer(api.Config{
		Addr:         fmt.Sprintf(":%d", restPort),
		Session:      session,
		Lock:         &mu,
		Cache:        hot,
		Registerer:   registry,
		Gatherer:     registry,
		ServeMetrics: metricsPort == 0,
	})
	errCh := make(chan error, 1)
	go func() { errCh <- rest.Start() }()

	if metricsPort != 0 {
		srv := metrics.StartHTTP(fmt.Sprintf(":%d", metricsPort), registry)
		defer srv.Close()
	}

	logging.Info("✅ Компоновщик готов: REST http://localhost:%d, тик %v", restPort, cfg.Session.TickInterval())

	// === ЦИКЛ ТИКОВ ===
	err = loop(ctx, cfg, &mu, session, errCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := rest.Stop(shutdownCtx); serr != nil {
		logging.Error("Ошибка остановки REST API: %v", serr)
	}

	mu.Lock()
	if serr := session.Save(shutdownCtx); serr != nil {
		logging.Error("Ошибка сохранения при остановке: %v", serr)
	}
	mu.Unlock()
	if ferr := syncManager.Batcher.Flush(shutdownCtx); ferr != nil {
		logging.Warn("Не удалось отправить последние изменения: %v", ferr)
	}
	return err
}

// loop крутит тики и автосохранение до отмены ctx или падения REST сервера.
func loop(ctx context.Context, cfg *config.Config, mu *sync.Mutex, session *compositor.Session, errCh <-chan error) error {
	ticker := time.NewTicker(cfg.Session.TickInterval())
	defer ticker.Stop()

	var saveC <-chan time.Time
	if every := cfg.Session.SaveInterval(); every > 0 {
		saveTicker := time.NewTicker(every)
		defer saveTicker.Stop()
		saveC = saveTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			logging.Info("📡 Получен сигнал завершения")
			return nil
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("REST API: %w", err)
			}
			return nil
		case <-ticker.C:
			mu.Lock()
			session.Tick(ctx)
			mu.Unlock()
		case <-saveC:
			mu.Lock()
			if err := session.Save(ctx); err != nil {
				logging.Warn("Автосохранение с ошибками: %v", err)
			}
			mu.Unlock()
		}
	}
}

func newHotCache(cfg *config.Config, cold storage.BlobStore) cache.CacheRepo {
	if cfg.Cache.RedisURL != "" {
		redisCache, err := cache.NewRedisCache(cache.CacheConfig{
			RedisURL:      cfg.Cache.RedisURL,
			RedisPassword: cfg.Cache.Password,
			RedisDB:       cfg.Cache.DB,
			KeyPrefix:     cfg.Cache.KeyPrefix,
			DefaultTTL:    cfg.Cache.TTL,
		}, cold, nil)
		if err == nil {
			return redisCache
		}
		logging.Warn("Redis недоступен, используется кеш в памяти: %v", err)
	}
	return cache.NewMemoryCache(cold, nil, cfg.Cache.TTL)
}

func newEventBus(cfg *config.Config) (eventbus.EventBus, error) {
	if cfg.EventBus.Driver == "jetstream" {
		return eventbus.NewJetStreamBus(cfg.EventBus.URL, cfg.EventBus.Stream, cfg.EventBus.RetentionPeriod())
	}
	return eventbus.NewMemoryBus(cfg.EventBus.Capacity), nil
}

func loadTree(ctx context.Context, store *storage.DocumentStore) (*layers.Tree, error) {
	snap, ok, err := store.LoadTree(ctx)
	if err != nil {
		return nil, fmt.Errorf("загрузка дерева слоёв: %w", err)
	}
	if !ok {
		return layers.NewTree(nil), nil
	}
	tree, err := layers.Restore(snap, nil)
	if err != nil {
		return nil, fmt.Errorf("восстановление дерева слоёв: %w", err)
	}
	return tree, nil
}

// fanout рассылает уведомление о сохранении документа всем получателям.
type fanout []compositor.Invalidator

func (f fanout) PublishInvalidation(ctx context.Context, documentID string) error {
	var firstErr error
	for _, inv := range f {
		if err := inv.PublishInvalidation(ctx, documentID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
