// Package metrics exposes station counters on a private Prometheus registry.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pm25-station/internal/queue"
)

const namespace = "station"

type Metrics struct {
	reg *prometheus.Registry

	readings       *prometheus.CounterVec
	unavailable    *prometheus.CounterVec
	putErrors      prometheus.Counter
	uploaded       prometheus.Counter
	uploadFailures *prometheus.CounterVec
	batchSeconds   prometheus.Histogram
	backoffSeconds prometheus.Gauge
	memDropped     prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_total",
			Help:      "Sensor reads that produced values.",
		}, []string{"sensor"}),
		unavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_unavailable_total",
			Help:      "Sensor reads that produced no values.",
		}, []string{"sensor"}),
		putErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_put_errors_total",
			Help:      "Records that could not be stored in the queue.",
		}),
		uploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_records_total",
			Help:      "Records written to the sink and marked sent.",
		}),
		uploadFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_failures_total",
			Help:      "Failed upload attempts by kind.",
		}, []string{"kind"}),
		batchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_batch_seconds",
			Help:      "Duration of one batch upload attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		backoffSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upload_backoff_seconds",
			Help:      "Current wait before the next upload attempt; zero when healthy.",
		}),
		memDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memqueue_dropped_total",
			Help:      "Pending records evicted from the in-memory queue.",
		}),
	}
	m.reg.MustRegister(
		m.readings,
		m.unavailable,
		m.putErrors,
		m.uploaded,
		m.uploadFailures,
		m.batchSeconds,
		m.backoffSeconds,
		m.memDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// StatsSource is the part of the queue the pending gauge reads.
type StatsSource interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// WatchQueue registers station_queue_pending, read from q at scrape time.
func (m *Metrics) WatchQueue(q StatsSource, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_pending",
		Help:      "Records stored but not yet sent.",
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		st, err := q.Stats(ctx)
		if err != nil {
			logger.Warn("queue stats for metrics failed", "error", err)
			return -1
		}
		return float64(st.Pending)
	}))
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ReadingTaken(sensor string) { m.readings.WithLabelValues(sensor).Inc() }

func (m *Metrics) SensorUnavailable(sensor string) { m.unavailable.WithLabelValues(sensor).Inc() }

func (m *Metrics) QueuePutFailed() { m.putErrors.Inc() }

func (m *Metrics) MemQueueDropped() { m.memDropped.Inc() }

func (m *Metrics) UploadSucceeded(records int, elapsed time.Duration) {
	m.uploaded.Add(float64(records))
	m.batchSeconds.Observe(elapsed.Seconds())
}

func (m *Metrics) UploadFailed(kind string, elapsed time.Duration) {
	m.uploadFailures.WithLabelValues(kind).Inc()
	m.batchSeconds.Observe(elapsed.Seconds())
}

func (m *Metrics) BackoffChanged(wait time.Duration) {
	m.backoffSeconds.Set(wait.Seconds())
}
