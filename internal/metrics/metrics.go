// Package metrics exposes Prometheus counters for worker lifecycle events and
// fetch outcomes. A nil *Recorder is valid and records nothing, so tests and
// embedders can skip metrics entirely.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder 持有本进程的 Prometheus 指标，按站点区分。
type Recorder struct {
	registry *prometheus.Registry

	fetches       *prometheus.CounterVec
	precache      *prometheus.CounterVec
	bucketDeletes *prometheus.CounterVec
	writeFailures *prometheus.CounterVec
	activations   *prometheus.CounterVec
}

// NewRecorder 创建独立的 registry，避免与默认全局 registry 互相污染。
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_hub",
			Name:      "fetch_total",
			Help:      "Fetch results by site and response source.",
		}, []string{"site", "source"}),
		precache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_hub",
			Name:      "precache_assets_total",
			Help:      "Install-time asset population results.",
		}, []string{"site", "result"}),
		bucketDeletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_hub",
			Name:      "cache_buckets_deleted_total",
			Help:      "Stale cache buckets removed during activation.",
		}, []string{"site"}),
		writeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_hub",
			Name:      "cache_write_failures_total",
			Help:      "Background cache writes that failed.",
		}, []string{"site"}),
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_hub",
			Name:      "worker_activations_total",
			Help:      "Worker activations by site and version.",
		}, []string{"site", "version"}),
	}
	r.registry.MustRegister(r.fetches, r.precache, r.bucketDeletes, r.writeFailures, r.activations)
	return r
}

func (r *Recorder) FetchServed(site, source string) {
	if r == nil {
		return
	}
	r.fetches.WithLabelValues(site, source).Inc()
}

func (r *Recorder) AssetPrecached(site, result string) {
	if r == nil {
		return
	}
	r.precache.WithLabelValues(site, result).Inc()
}

func (r *Recorder) BucketDeleted(site string) {
	if r == nil {
		return
	}
	r.bucketDeletes.WithLabelValues(site).Inc()
}

func (r *Recorder) CacheWriteFailed(site string) {
	if r == nil {
		return
	}
	r.writeFailures.WithLabelValues(site).Inc()
}

func (r *Recorder) WorkerActivated(site, version string) {
	if r == nil {
		return
	}
	r.activations.WithLabelValues(site, version).Inc()
}

// Handler 返回 Prometheus 文本格式的导出接口。
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
