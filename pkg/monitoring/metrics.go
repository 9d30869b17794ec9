package monitoring

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector manages Prometheus metrics for a service. Each collector
// owns its registry so several can coexist in one test binary.
type MetricsCollector struct {
	serviceName string
	registry    *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	activeConnections   prometheus.Gauge
	serviceInfo         *prometheus.GaugeVec
}

// NewMetricsCollector creates a new metrics collector for a service
func NewMetricsCollector(serviceName, version, commit string) *MetricsCollector {
	mc := &MetricsCollector{
		serviceName: strings.ReplaceAll(serviceName, "-", "_"),
		registry:    prometheus.NewRegistry(),
	}

	mc.httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: mc.metricName("http_requests_total"),
		Help: "HTTP requests by method, route and status",
	}, []string{"method", "endpoint", "status"})
	mc.httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    mc.metricName("http_request_duration_seconds"),
		Help:    "HTTP request latency by method and route",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "endpoint"})
	mc.activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: mc.metricName("active_connections"),
		Help: "In-flight HTTP requests",
	})
	mc.serviceInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: mc.metricName("service_info"),
		Help: "Build information",
	}, []string{"version", "commit"})

	mc.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		mc.httpRequestsTotal,
		mc.httpRequestDuration,
		mc.activeConnections,
		mc.serviceInfo,
	)
	mc.serviceInfo.WithLabelValues(version, commit).Set(1)

	return mc
}

// Registry exposes the underlying registry for collectors defined elsewhere.
func (mc *MetricsCollector) Registry() *prometheus.Registry {
	return mc.registry
}

// MetricsMiddleware counts requests by matched route, so path parameters
// such as payment ids never become label values.
func (mc *MetricsCollector) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		mc.activeConnections.Inc()
		start := time.Now()
		c.Next()
		mc.activeConnections.Dec()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		mc.httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		mc.httpRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (mc *MetricsCollector) Handler() gin.HandlerFunc {
	handler := promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	}
}

func (mc *MetricsCollector) metricName(name string) string {
	return mc.serviceName + "_" + name
}

// NewCounter registers a counter named <service>_<name>.
func (mc *MetricsCollector) NewCounter(name, help string, labels []string) *prometheus.CounterVec {
	v := prometheus.NewCounterVec(prometheus.CounterOpts{Name: mc.metricName(name), Help: help}, labels)
	mc.registry.MustRegister(v)
	return v
}

// NewGauge registers a gauge named <service>_<name>.
func (mc *MetricsCollector) NewGauge(name, help string, labels []string) *prometheus.GaugeVec {
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: mc.metricName(name), Help: help}, labels)
	mc.registry.MustRegister(v)
	return v
}

// NewHistogram registers a histogram named <service>_<name>. nil buckets
// means prometheus.DefBuckets.
func (mc *MetricsCollector) NewHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: mc.metricName(name), Help: help, Buckets: buckets}, labels)
	mc.registry.MustRegister(v)
	return v
}

// KafkaMetrics groups the counters shared by the producer and consumer.
type KafkaMetrics struct {
	Messages *prometheus.CounterVec   // topic, operation, status
	Duration *prometheus.HistogramVec // operation
}

// CreateKafkaMetrics creates standard Kafka metrics
func (mc *MetricsCollector) CreateKafkaMetrics() KafkaMetrics {
	return KafkaMetrics{
		Messages: mc.NewCounter("kafka_messages_total", "Total Kafka messages", []string{"topic", "operation", "status"}),
		Duration: mc.NewHistogram("kafka_operation_duration_seconds", "Kafka operation duration", []string{"operation"}, nil),
	}
}
