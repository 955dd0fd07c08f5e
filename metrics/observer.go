// Package metrics exports cache telemetry to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/xerrors"
)

// session results
const (
	ResultCompleted string = "completed"
	ResultFailed    string = "failed"
	ResultCancelled string = "cancelled"
)

// Observer captures telemetry for cache operations
type Observer interface {
	RecordMemoryHit()
	RecordMemoryMiss()
	RecordDiskHit()
	RecordDiskMiss()
	RecordDiskStale()
	RecordSessionStarted()
	RecordSessionJoined()
	RecordSessionFinished(result string)
	RecordDownload(duration time.Duration, sizeBytes int64, err error)
	RecordDecode(duration time.Duration, err error)
	RecordSweep(removed int)
}

// NopObserver discards everything
type NopObserver struct{}

func (NopObserver) RecordMemoryHit() {}
func (NopObserver) RecordMemoryMiss() {}
func (NopObserver) RecordDiskHit() {}
func (NopObserver) RecordDiskMiss() {}
func (NopObserver) RecordDiskStale() {}
func (NopObserver) RecordSessionStarted() {}
func (NopObserver) RecordSessionJoined() {}
func (NopObserver) RecordSessionFinished(string) {}
func (NopObserver) RecordDownload(time.Duration, int64, error) {}
func (NopObserver) RecordDecode(time.Duration, error) {}
func (NopObserver) RecordSweep(int) {}

// OrNop returns observer, or a NopObserver if nil
func OrNop(observer Observer) Observer {
	if observer == nil {
		return NopObserver{}
	}
	return observer
}

// PrometheusObserver exports cache metrics to Prometheus. A nil observer records nothing.
type PrometheusObserver struct {
	lookups          *prometheus.CounterVec
	sessions         *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	downloadDuration prometheus.Histogram
	downloadBytes    prometheus.Counter
	decodeDuration   prometheus.Histogram
	operationErrors  *prometheus.CounterVec
	sweptEntries     prometheus.Counter
}

// NewPrometheusObserver registers cache metrics on reg, the default registerer if nil
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "imagecache"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	observer := &PrometheusObserver{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Count of cache lookups by layer and result.",
		}, []string{"layer", "result"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_sessions_total",
			Help:      "Count of download session events.",
		}, []string{"event"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "download_sessions_active",
			Help:      "Number of in-flight download sessions.",
		}),
		downloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "download_duration_seconds",
			Help:      "Latency of transport fetches.",
			Buckets:   prometheus.DefBuckets,
		}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Cumulative payload size successfully downloaded.",
		}),
		decodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decode_duration_seconds",
			Help:      "Latency of image decoding.",
			Buckets:   prometheus.DefBuckets,
		}),
		operationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Count of failed cache operations.",
		}, []string{"operation"}),
		sweptEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_entries_total",
			Help:      "Count of expired entries removed by sweeps.",
		}),
	}

	if err := register(reg, &observer.lookups); err != nil {
		return nil, err
	}
	if err := register(reg, &observer.sessions); err != nil {
		return nil, err
	}
	if err := register(reg, &observer.activeSessions); err != nil {
		return nil, err
	}
	if err := register(reg, &observer.downloadDuration); err != nil {
		return nil, err
	}
	if err := register(reg, &observer.downloadBytes); err != nil {
		return nil, err
	}
	if err := register(reg, &observer.decodeDuration); err != nil {
		return nil, err
	}
	if err := register(reg, &observer.operationErrors); err != nil {
		return nil, err
	}
	if err := register(reg, &observer.sweptEntries); err != nil {
		return nil, err
	}

	return observer, nil
}

// register registers collector, reusing an already registered collector of the same type
func register[T prometheus.Collector](reg prometheus.Registerer, collector *T) error {
	err := reg.Register(*collector)
	if err == nil {
		return nil
	}

	var are prometheus.AlreadyRegisteredError
	if xerrors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			*collector = existing
			return nil
		}
	}
	return xerrors.Errorf("failed to register cache metric: %w", err)
}

func (o *PrometheusObserver) RecordMemoryHit() {
	o.recordLookup("memory", "hit")
}

func (o *PrometheusObserver) RecordMemoryMiss() {
	o.recordLookup("memory", "miss")
}

func (o *PrometheusObserver) RecordDiskHit() {
	o.recordLookup("disk", "hit")
}

func (o *PrometheusObserver) RecordDiskMiss() {
	o.recordLookup("disk", "miss")
}

func (o *PrometheusObserver) RecordDiskStale() {
	o.recordLookup("disk", "stale")
}

func (o *PrometheusObserver) recordLookup(layer string, result string) {
	if o == nil {
		return
	}
	o.lookups.WithLabelValues(layer, result).Inc()
}

// RecordSessionStarted counts a new download session
func (o *PrometheusObserver) RecordSessionStarted() {
	if o == nil {
		return
	}
	o.sessions.WithLabelValues("started").Inc()
	o.activeSessions.Inc()
}

// RecordSessionJoined counts a request attached to an existing session
func (o *PrometheusObserver) RecordSessionJoined() {
	if o == nil {
		return
	}
	o.sessions.WithLabelValues("joined").Inc()
}

// RecordSessionFinished counts a session leaving the active table
func (o *PrometheusObserver) RecordSessionFinished(result string) {
	if o == nil {
		return
	}
	o.sessions.WithLabelValues(result).Inc()
	o.activeSessions.Dec()
}

// RecordDownload tracks transport latency, size, and failures
func (o *PrometheusObserver) RecordDownload(duration time.Duration, sizeBytes int64, err error) {
	if o == nil {
		return
	}
	o.downloadDuration.Observe(duration.Seconds())
	if err != nil {
		o.operationErrors.WithLabelValues("download").Inc()
		return
	}
	o.downloadBytes.Add(float64(sizeBytes))
}

func (o *PrometheusObserver) RecordDecode(duration time.Duration, err error) {
	if o == nil {
		return
	}
	o.decodeDuration.Observe(duration.Seconds())
	if err != nil {
		o.operationErrors.WithLabelValues("decode").Inc()
	}
}

func (o *PrometheusObserver) RecordSweep(removed int) {
	if o == nil {
		return
	}
	o.sweptEntries.Add(float64(removed))
}

var _ Observer = (*PrometheusObserver)(nil)
var _ Observer = NopObserver{}
