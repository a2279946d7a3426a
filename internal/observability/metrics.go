package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ytkey",
		Name:      "cache_lookups_total",
		Help:      "Key cache point lookups by result (hit, miss, error)",
	}, []string{"result"})

	CacheWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ytkey",
		Name:      "cache_writes_total",
		Help:      "Key cache writes by result (inserted, existing, collision, error)",
	}, []string{"result"})

	Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ytkey",
		Name:      "resolutions_total",
		Help:      "Key resolutions by key kind and result",
	}, []string{"kind", "result"})

	ResolutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ytkey",
		Name:      "resolution_duration_seconds",
		Help:      "Duration of key resolutions including extraction",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"kind"})

	ThumbnailProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ytkey",
		Name:      "thumbnail_probes_total",
		Help:      "Thumbnail existence checks by quality and result",
	}, []string{"quality", "result"})

	ThumbnailFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ytkey",
		Name:      "thumbnail_fallbacks_total",
		Help:      "Thumbnail resolutions that fell back to the default image",
	})

	SecondaryToolAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ytkey",
		Name:      "toolchain_secondary_available",
		Help:      "1 if the secondary media tool (ffprobe) passed its probe",
	})

	ActiveDownloads = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ytkey",
		Name:      "active_downloads",
		Help:      "Number of downloads currently running in this worker",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ytkey",
		Name:      "download_queue_depth",
		Help:      "Pending messages in the download jobs stream",
	})

	Downloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ytkey",
		Name:      "downloads_total",
		Help:      "Finished download jobs by status",
	}, []string{"status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ytkey",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ytkey",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
