// Package metrics registers the broker's Prometheus collectors, adapted
// from ws/metrics.go in the teacher repo: connection/message counters,
// storage and dispatch histograms, and system gauges sampled on an
// interval by a collector goroutine.
//
// Unlike the teacher's package-level var block (one shared global
// registry per process), collectors here live on a Registry value so
// tests can construct an isolated prometheus.Registry per case.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector the broker exposes.
type Registry struct {
	reg *prometheus.Registry

	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	ConnectionsMax    prometheus.Gauge

	DisconnectsTotal   *prometheus.CounterVec
	ConnectionDuration *prometheus.HistogramVec

	MessagesPublished prometheus.Counter
	MessagesDelivered prometheus.Counter
	BytesPublished    prometheus.Counter
	BytesDelivered    prometheus.Counter

	SlowSubscribersDisconnected prometheus.Counter
	RateLimitedRequests         prometheus.Counter
	MissedMessages              prometheus.Counter

	DroppedBroadcasts *prometheus.CounterVec

	StoragePublishDuration *prometheus.HistogramVec

	MemoryUsageBytes prometheus.Gauge
	CPUUsagePercent  prometheus.Gauge
	GoroutinesActive prometheus.Gauge

	CapacityRejectionsTotal *prometheus.CounterVec
	CapacityHeadroomPercent *prometheus.GaugeVec

	ErrorsTotal *prometheus.CounterVec
}

// New builds and registers every collector against a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,

		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_connections_total",
			Help: "Total number of subscriber connections established",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_connections_active",
			Help: "Current number of active subscriber connections",
		}),
		ConnectionsMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_connections_max",
			Help: "Maximum allowed subscriber connections",
		}),

		DisconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_disconnects_total",
			Help: "Total disconnections by reason",
		}, []string{"reason"}),
		ConnectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "broker_connection_duration_seconds",
			Help:    "Subscriber connection duration before disconnect",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		}, []string{"reason"}),

		MessagesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_messages_published_total",
			Help: "Total number of messages published to channels",
		}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_messages_delivered_total",
			Help: "Total number of messages delivered to subscribers",
		}),
		BytesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_bytes_published_total",
			Help: "Total payload bytes accepted from publishers",
		}),
		BytesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_bytes_delivered_total",
			Help: "Total payload bytes delivered to subscribers",
		}),

		SlowSubscribersDisconnected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_slow_subscribers_disconnected_total",
			Help: "Total number of subscribers disconnected for falling behind",
		}),
		RateLimitedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_rate_limited_requests_total",
			Help: "Total number of requests rejected by rate limiting",
		}),
		MissedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_missed_messages_total",
			Help: "Total number of miss-detector flags raised",
		}),

		DroppedBroadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_dropped_broadcasts_total",
			Help: "Total broadcasts dropped by channel and reason",
		}, []string{"channel", "reason"}),

		StoragePublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "broker_storage_publish_duration_seconds",
			Help:    "Storage engine publish() latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"engine"}),

		MemoryUsageBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_memory_bytes",
			Help: "Current memory usage in bytes",
		}),
		CPUUsagePercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_cpu_usage_percent",
			Help: "Current CPU usage percentage, container-aware when cgroup limits are present",
		}),
		GoroutinesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_goroutines_active",
			Help: "Current number of live goroutines",
		}),

		CapacityRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_capacity_rejections_total",
			Help: "Total connection/publish rejections by reason",
		}, []string{"reason"}),
		CapacityHeadroomPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "broker_capacity_headroom_percent",
			Help: "Available resource headroom",
		}, []string{"resource"}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_errors_total",
			Help: "Total errors by kind",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		r.ConnectionsTotal, r.ConnectionsActive, r.ConnectionsMax,
		r.DisconnectsTotal, r.ConnectionDuration,
		r.MessagesPublished, r.MessagesDelivered, r.BytesPublished, r.BytesDelivered,
		r.SlowSubscribersDisconnected, r.RateLimitedRequests, r.MissedMessages,
		r.DroppedBroadcasts, r.StoragePublishDuration,
		r.MemoryUsageBytes, r.CPUUsagePercent, r.GoroutinesActive,
		r.CapacityRejectionsTotal, r.CapacityHeadroomPercent,
		r.ErrorsTotal,
	)
	return r
}

// Handler returns the http.Handler that serves this registry's metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// SampleRuntime records Go-runtime gauges (memory, goroutines). Callers
// combine this with admission-package CPU sampling on the same ticker.
func (r *Registry) SampleRuntime() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	r.MemoryUsageBytes.Set(float64(mem.Alloc))
	r.GoroutinesActive.Set(float64(runtime.NumGoroutine()))
}

// Collector periodically calls SampleRuntime plus a caller-supplied CPU
// sampler, matching MetricsCollector.Start's ticker loop.
type Collector struct {
	registry  *Registry
	interval  time.Duration
	sampleCPU func() float64
	stop      chan struct{}
}

// NewCollector builds a Collector that samples every interval.
// sampleCPU may be nil to skip CPU sampling.
func NewCollector(registry *Registry, interval time.Duration, sampleCPU func() float64) *Collector {
	return &Collector{registry: registry, interval: interval, sampleCPU: sampleCPU, stop: make(chan struct{})}
}

// Start begins the periodic sampling loop in its own goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.registry.SampleRuntime()
				if c.sampleCPU != nil {
					c.registry.CPUUsagePercent.Set(c.sampleCPU())
				}
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop terminates the sampling loop.
func (c *Collector) Stop() { close(c.stop) }
