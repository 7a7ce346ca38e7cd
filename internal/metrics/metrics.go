package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/logging"
)

// Цели записи для счётчика writes_total
const (
	TargetBase  = "base"
	TargetLayer = "layer"
)

// Collector инкапсулирует Prometheus-метрики композитора.
// Все методы безопасны для nil-получателя: композитор без метрик просто ничего не считает.
type Collector struct {
	resolves        *prometheus.CounterVec
	resolveDuration prometheus.Histogram
	loadFailures    *prometheus.CounterVec
	writes          *prometheus.CounterVec
	refreshes       prometheus.Counter
	changed         prometheus.Counter
	loadedDocs      prometheus.Gauge
}

// NewCollector создаёт метрики и регистрирует их в reg (nil: глобальный регистр).
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		resolves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "terrain",
			Name:      "resolves_total",
			Help:      "Число разрешений лендблоков по результату (content/empty).",
		}, []string{"result"}),
		resolveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "terrain",
			Name:      "resolve_duration_seconds",
			Help:      "Время композиции одного лендблока.",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		}),
		loadFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "terrain",
			Name:      "layer_load_failures_total",
			Help:      "Слои, пропущенные при композиции из-за ошибки загрузки документа.",
		}, []string{"document"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "terrain",
			Name:      "cell_writes_total",
			Help:      "Записанные ячейки по цели (base/layer).",
		}, []string{"target"}),
		refreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "terrain",
			Name:      "full_refreshes_total",
			Help:      "Тики, в которых была запрошена полная перекомпозиция.",
		}),
		changed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "terrain",
			Name:      "changed_landblocks_total",
			Help:      "Лендблоки, отданные потребителям на перерисовку.",
		}),
		loadedDocs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "terrain",
			Name:      "loaded_documents",
			Help:      "Загруженные документы слоёв.",
		}),
	}

	reg.MustRegister(c.resolves, c.resolveDuration, c.loadFailures, c.writes,
		c.refreshes, c.changed, c.loadedDocs)
	return c
}

// ObserveResolve учитывает одно разрешение лендблока
func (c *Collector) ObserveResolve(hasContent bool, d time.Duration) {
	if c == nil {
		return
	}
	result := "empty"
	if hasContent {
		result = "content"
	}
	c.resolves.WithLabelValues(result).Inc()
	c.resolveDuration.Observe(d.Seconds())
}

// LayerLoadFailed учитывает пропущенный из-за ошибки слой
func (c *Collector) LayerLoadFailed(documentID string) {
	if c == nil {
		return
	}
	c.loadFailures.WithLabelValues(documentID).Inc()
}

// CellsWritten учитывает записанные ячейки
func (c *Collector) CellsWritten(target string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.writes.WithLabelValues(target).Add(float64(n))
}

// Tick учитывает результат тика
func (c *Collector) Tick(refreshAll bool, landblocks int) {
	if c == nil {
		return
	}
	if refreshAll {
		c.refreshes.Inc()
	}
	c.changed.Add(float64(landblocks))
}

// SetLoadedDocuments обновляет число загруженных документов
func (c *Collector) SetLoadedDocuments(n int) {
	if c == nil {
		return
	}
	c.loadedDocs.Set(float64(n))
}

// StartHTTP поднимает отдельный /metrics эндпоинт (например, ":2112"). Неблокирующий.
func StartHTTP(addr string, gatherer prometheus.Gatherer) *http.Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logging.Info("📈 Prometheus /metrics доступен по адресу %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("Ошибка Prometheus HTTP сервера: %v", err)
		}
	}()
	return srv
}
