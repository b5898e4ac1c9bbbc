package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	AttachmentsSeen      *prometheus.CounterVec
	DocumentsCreated     *prometheus.CounterVec
	DocumentsExisting    *prometheus.CounterVec
	EnqueueFailures      prometheus.Counter
	ExtractionAttempts   *prometheus.CounterVec
	ExtractionOutcomes   *prometheus.CounterVec
	AICallDuration       prometheus.Histogram
	Materializations     *prometheus.CounterVec
	UnmatchedLineItems   prometheus.Counter
	ListenerReconnects   *prometheus.CounterVec
	ListenerIdleCycles   *prometheus.CounterVec
	ReconcileRuns        *prometheus.CounterVec
	ReconcileRecovered   *prometheus.CounterVec
	SweeperRuns          prometheus.Counter
	SweeperEnqueued      prometheus.Counter
	ProcessingTime       prometheus.Histogram
	NotificationFailures prometheus.Counter
}

// NewMetrics creates new Prometheus metrics registered with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AttachmentsSeen: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "doc_intake_attachments_seen_total",
			Help: "Attachments seen in monitored mailboxes",
		}, []string{"account", "source"}),
		DocumentsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "doc_intake_documents_created_total",
			Help: "Inbound documents newly stored",
		}, []string{"account", "source"}),
		DocumentsExisting: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "doc_intake_documents_existing_total",
			Help: "Attachments whose dedup key was already stored",
		}, []string{"account", "source"}),
		EnqueueFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "doc_intake_enqueue_failures_total",
			Help: "Documents left for the sweeper because the queue rejected them",
		}),
		ExtractionAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "doc_intake_extraction_attempts_total",
			Help: "Extraction attempts by strategy and result",
		}, []string{"strategy", "result"}),
		ExtractionOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "doc_intake_extraction_outcomes_total",
			Help: "Extraction runs by resulting document status",
		}, []string{"status"}),
		AICallDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "doc_intake_ai_call_duration_seconds",
			Help:    "Latency of AI completion calls",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
		Materializations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "doc_intake_materializations_total",
			Help: "Materialization runs by result",
		}, []string{"result"}),
		UnmatchedLineItems: factory.NewCounter(prometheus.CounterOpts{
			Name: "doc_intake_unmatched_line_items_total",
			Help: "Line items that did not resolve to a catalog product",
		}),
		ListenerReconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "doc_intake_listener_reconnects_total",
			Help: "Mailbox listener reconnect attempts",
		}, []string{"account"}),
		ListenerIdleCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "doc_intake_listener_idle_cycles_total",
			Help: "Completed IDLE cycles",
		}, []string{"account"}),
		ReconcileRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "doc_intake_reconcile_runs_total",
			Help: "Reconciliation scans by result",
		}, []string{"account", "result"}),
		ReconcileRecovered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "doc_intake_reconcile_recovered_total",
			Help: "Documents created by reconciliation that the listener missed",
		}, []string{"account"}),
		SweeperRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "doc_intake_sweeper_runs_total",
			Help: "Retry sweeper cycles",
		}),
		SweeperEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "doc_intake_sweeper_enqueued_total",
			Help: "Documents re-enqueued by the retry sweeper",
		}),
		ProcessingTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "doc_intake_processing_duration_seconds",
			Help:    "Time spent processing one document in a worker",
			Buckets: prometheus.DefBuckets,
		}),
		NotificationFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "doc_intake_notification_failures_total",
			Help: "Notifications that could not be delivered",
		}),
	}
}

// NewNop returns metrics registered with a private registry, for tests and tools
func NewNop() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
