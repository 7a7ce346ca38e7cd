package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/cache"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/compositor"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/logging"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/middleware"
)

// RestServer: HTTP API для просмотра и правки сессии компоновщика.
type RestServer struct {
	router  *gin.Engine
	server  *http.Server
	session *compositor.Session
	lock    sync.Locker
	cache   cache.CacheRepo
	metrics *ServerMetrics
	logger  *logging.Logger
}

// Config содержит конфигурацию REST сервера
type Config struct {
	Addr    string              // адрес, например ":8088"
	Session *compositor.Session // обязательна
	// Lock сериализует доступ к сессии вместе с циклом тиков. nil: собственный мьютекс.
	Lock       sync.Locker
	Cache      cache.CacheRepo // для /api/stats, может быть nil
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	// ServeMetrics добавляет /metrics на этот же сервер.
	ServeMetrics bool
}

// NewRestServer создаёт сервер и настраивает маршруты
func NewRestServer(cfg Config) *RestServer {
	if cfg.Addr == "" {
		cfg.Addr = ":8088"
	}
	if cfg.Lock == nil {
		cfg.Lock = &sync.Mutex{}
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(otelgin.Middleware("terrain_api"))
	router.Use(middleware.NewRequestLogger(nil).Handler())
	router.Use(middleware.NewPrometheusMiddleware("terrain_api", cfg.Registerer).Handler())
	if cfg.ServeMetrics {
		middleware.RegisterMetricsEndpoint(router, cfg.Gatherer)
	}

	rs := &RestServer{
		router:  router,
		session: cfg.Session,
		lock:    cfg.Lock,
		cache:   cfg.Cache,
		metrics: NewServerMetrics(),
		logger:  logging.GetAPILogger(),
	}
	rs.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	rs.setupRoutes()
	return rs
}

func (rs *RestServer) setupRoutes() {
	rs.router.GET("/health", rs.handleHealth)

	api := rs.router.Group("/api")
	{
		api.GET("/stats", rs.handleStats)

		api.GET("/landblocks/:key", rs.handleResolve)
		api.POST("/landblocks/:key/cells", rs.handleWriteCells)

		api.GET("/layers", rs.handleListLayers)
		api.POST("/layers", rs.handleAddLayer)
		api.DELETE("/layers/:id", rs.handleRemoveLayer)
		api.PUT("/layers/:id/visibility", rs.handleSetVisibility)
		api.PUT("/layers/:id/position", rs.handleMoveLayer)
		api.DELETE("/layers/:id/landblocks/:key", rs.handleClearLayerLandblock)

		api.GET("/active-layer", rs.handleGetActiveLayer)
		api.PUT("/active-layer", rs.handleSetActiveLayer)

		api.POST("/refresh", rs.handleRefresh)
		api.POST("/save", rs.handleSave)
	}
}

// Handler возвращает http.Handler сервера (для тестов).
func (rs *RestServer) Handler() http.Handler { return rs.router }

// Start блокирует до остановки сервера
func (rs *RestServer) Start() error {
	rs.logger.Info("REST API слушает %s", rs.server.Addr)
	if err := rs.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop завершает сервер, дожидаясь активных запросов
func (rs *RestServer) Stop(ctx context.Context) error {
	return rs.server.Shutdown(ctx)
}

// withSession выполняет fn под блокировкой сессии
func (rs *RestServer) withSession(fn func(s *compositor.Session)) {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	fn(rs.session)
}
