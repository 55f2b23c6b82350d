// Package metrics exports sync run activity to Prometheus.
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	imgsync "github.com/portfolio-tools/imgsync/internal/sync"
)

const namespace = "imgsync"

// Metrics records engine events as Prometheus collectors. It implements
// sync.Observer.
type Metrics struct {
	runs          *prometheus.CounterVec
	files         *prometheus.CounterVec
	runDuration   prometheus.Histogram
	bytesHashed   prometheus.Counter
	runActive     prometheus.Gauge
	lastRun       prometheus.Gauge
	lastFailed    prometheus.Gauge
	rowsWritten   *prometheus.CounterVec
	thumbnailRows prometheus.Counter
}

// New registers the sync collectors with reg (default: the global registry).
// Collectors that are already registered are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Sync runs by result.",
		}, []string{"result"}),
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_total",
			Help:      "Files seen by the planner, by decision.",
		}, []string{"action"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of sync runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		bytesHashed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hashed_bytes_total",
			Help:      "Image bytes read to compute content hashes.",
		}),
		runActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_active",
			Help:      "1 while a sync run is in progress.",
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time at which the last run finished.",
		}),
		lastFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_failed_files",
			Help:      "Files left in the failure ledger by the last run.",
		}),
		rowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sheet_rows_total",
			Help:      "Worksheet rows written, by kind.",
		}, []string{"kind"}),
		thumbnailRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "thumbnail_formulas_total",
			Help:      "Thumbnail formulas written.",
		}),
	}

	var err error
	if m.runs, err = register(reg, m.runs); err != nil {
		return nil, err
	}
	if m.files, err = register(reg, m.files); err != nil {
		return nil, err
	}
	if m.runDuration, err = register(reg, m.runDuration); err != nil {
		return nil, err
	}
	if m.bytesHashed, err = register(reg, m.bytesHashed); err != nil {
		return nil, err
	}
	if m.runActive, err = register(reg, m.runActive); err != nil {
		return nil, err
	}
	if m.lastRun, err = register(reg, m.lastRun); err != nil {
		return nil, err
	}
	if m.lastFailed, err = register(reg, m.lastFailed); err != nil {
		return nil, err
	}
	if m.rowsWritten, err = register(reg, m.rowsWritten); err != nil {
		return nil, err
	}
	if m.thumbnailRows, err = register(reg, m.thumbnailRows); err != nil {
		return nil, err
	}
	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	return c, fmt.Errorf("failed to register collector: %w", err)
}

func (m *Metrics) RunStarted(string) {
	m.runActive.Set(1)
}

func (m *Metrics) FileProcessed(_, _ string, action imgsync.Action, _ error) {
	m.files.WithLabelValues(string(action)).Inc()
}

func (m *Metrics) RunFinished(stats *imgsync.Stats, err error) {
	m.runActive.Set(0)
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.runs.WithLabelValues(result).Inc()
	if stats == nil {
		return
	}

	m.runDuration.Observe(stats.Duration.Seconds())
	m.bytesHashed.Add(float64(stats.BytesHashed))
	m.lastRun.Set(float64(stats.Started.Add(stats.Duration).Unix()))
	m.lastFailed.Set(float64(stats.Failed))
	m.rowsWritten.WithLabelValues("updated").Add(float64(stats.Updated))
	m.rowsWritten.WithLabelValues("inserted").Add(float64(stats.Inserted))
	m.thumbnailRows.Add(float64(stats.Thumbnails))
}

var _ imgsync.Observer = (*Metrics)(nil)
