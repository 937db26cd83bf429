package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMiddleware собирает HTTP-метрики REST-слоя синхронизации.
// Подключение:
//
//	mw := middleware.NewPrometheusMiddleware("sync_api")
//	r.Use(mw.Handler())
//	mw.RegisterMetricsEndpoint(r)
//
// Экспортируется:
// * <ns>_http_request_duration_seconds{method,route,code} — histogram
// * <ns>_http_requests_total{method,route,code} — counter
// * <ns>_http_requests_inflight — gauge
// * <ns>_http_response_bytes_total{route} — counter
type PrometheusMiddleware struct {
	duration *prometheus.HistogramVec
	requests *prometheus.CounterVec
	inflight prometheus.Gauge
	respSize *prometheus.CounterVec
}

// NewPrometheusMiddleware регистрирует метрики в дефолтном регистре под
// пространством имён namespace
func NewPrometheusMiddleware(namespace string) *PrometheusMiddleware {
	pm := &PrometheusMiddleware{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Длительность обработки HTTP-запроса.",
			// REST-слой обслуживает опросы состояния и риска: запросы
			// локальные и короткие, хвост гистограммы узкий
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "route", "code"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Число обработанных HTTP-запросов.",
		}, []string{"method", "route", "code"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_inflight",
			Help:      "Запросы, находящиеся в обработке прямо сейчас.",
		}),
		respSize: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_response_bytes_total",
			Help:      "Суммарный объём ответов по маршрутам.",
		}, []string{"route"}),
	}

	prometheus.MustRegister(pm.duration, pm.requests, pm.inflight, pm.respSize)
	return pm
}

// Handler возвращает gin.HandlerFunc для router.Use()
func (pm *PrometheusMiddleware) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		pm.inflight.Inc()
		c.Next()
		pm.inflight.Dec()

		// Шаблон маршрута вместо сырого пути: кардинальность метрик
		// не растёт с числом сущностей в URL
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		code := strconv.Itoa(c.Writer.Status())

		pm.duration.WithLabelValues(method, route, code).Observe(time.Since(start).Seconds())
		pm.requests.WithLabelValues(method, route, code).Inc()
		if size := c.Writer.Size(); size > 0 {
			pm.respSize.WithLabelValues(route).Add(float64(size))
		}
	}
}

// RegisterMetricsEndpoint добавляет GET /metrics в router
func (pm *PrometheusMiddleware) RegisterMetricsEndpoint(r *gin.Engine) {
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
