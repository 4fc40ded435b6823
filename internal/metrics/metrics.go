// Package metrics exposes the ingestion pipeline's Prometheus collectors.
// All methods are safe on a nil *Metrics so components can run unmetered in
// tests and tools.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pellet_ingest"

// File sources.
const (
	SourceLocal = "local"
	SourceMail  = "mail"
)

// File error stages.
const (
	StageRead      = "read"
	StageParse     = "parse"
	StageIngest    = "ingest"
	StageDownload  = "download"
	StageDiscovery = "discovery"
)

type Metrics struct {
	cycles          *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	cycleInProgress prometheus.Gauge
	busyRejections  *prometheus.CounterVec
	files           *prometheus.CounterVec
	fileErrors      *prometheus.CounterVec
	records         prometheus.Counter
	replaceWindow   prometheus.Counter
	ledgerPurged    prometheus.Counter
}

// New creates the collectors and registers them with registerer, or with the
// default registerer when it is nil.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Ingestion cycles by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of completed ingestion cycles.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
		cycleInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cycle_in_progress",
			Help:      "1 while an ingestion cycle is running.",
		}),
		busyRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_busy_rejections_total",
			Help:      "Triggers refused because a cycle was already running.",
		}, []string{"trigger"}),
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_processed_total",
			Help:      "Files ingested by source.",
		}, []string{"source"}),
		fileErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_errors_total",
			Help:      "File and attachment failures by source and stage.",
		}, []string{"source", "stage"}),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_imported_total",
			Help:      "Telemetry records written to the store.",
		}),
		replaceWindow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replace_window_open_total",
			Help:      "Two-step replaces that deleted a file's records but failed to insert the new ones.",
		}),
		ledgerPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_purged_total",
			Help:      "Ledger entries removed by the retention sweep.",
		}),
	}

	registerer.MustRegister(
		m.cycles,
		m.cycleDuration,
		m.cycleInProgress,
		m.busyRejections,
		m.files,
		m.fileErrors,
		m.records,
		m.replaceWindow,
		m.ledgerPurged,
	)
	return m
}

func (m *Metrics) CycleStarted() {
	if m == nil {
		return
	}
	m.cycleInProgress.Set(1)
}

func (m *Metrics) CycleFinished(trigger, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.cycleInProgress.Set(0)
	m.cycles.WithLabelValues(trigger, outcome).Inc()
	m.cycleDuration.Observe(took.Seconds())
}

func (m *Metrics) CycleRejected(trigger string) {
	if m == nil {
		return
	}
	m.busyRejections.WithLabelValues(trigger).Inc()
}

func (m *Metrics) FileProcessed(source string) {
	if m == nil {
		return
	}
	m.files.WithLabelValues(source).Inc()
}

func (m *Metrics) FileFailed(source, stage string) {
	if m == nil {
		return
	}
	m.fileErrors.WithLabelValues(source, stage).Inc()
}

func (m *Metrics) AddRecordsImported(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.records.Add(float64(n))
}

func (m *Metrics) ReplaceWindowOpened() {
	if m == nil {
		return
	}
	m.replaceWindow.Inc()
}

func (m *Metrics) LedgerPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.ledgerPurged.Add(float64(n))
}
