// Package telemetry owns the Prometheus metrics and health snapshot exposed
// by the indexer core.
package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every counter, gauge and histogram the indexer core emits.
type Metrics struct {
	RPCFailuresTotal *prometheus.CounterVec
	RPCSwitchTotal   *prometheus.CounterVec

	JobResultTotal *prometheus.CounterVec
	JobRetryTotal  *prometheus.CounterVec

	IngestionLagBlocks   *prometheus.GaugeVec
	QueueDepth           *prometheus.GaugeVec
	QueueLastSuccessUnix *prometheus.GaugeVec

	IngestionBatchDurationMs *prometheus.HistogramVec
	IngestionBatchSize       *prometheus.HistogramVec
	JobDurationMs            *prometheus.HistogramVec

	registerer prometheus.Registerer
}

// New registers all metrics against the default Prometheus registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers all metrics against the given registerer, useful
// for isolated tests that don't want to pollute the global registry.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{registerer: reg}

	m.RPCFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rpc_failures_total",
		Help: "Count of RPC call failures per chain and reason.",
	}, []string{"chain_id", "reason"})

	m.RPCSwitchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rpc_switch_total",
		Help: "Count of active-endpoint switches per chain.",
	}, []string{"chain_id", "from", "to"})

	m.JobResultTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_total",
		Help: "Count of job results per queue and outcome.",
	}, []string{"queue", "outcome"})

	m.JobRetryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "job_retries_total",
		Help: "Count of job retries per queue and reason.",
	}, []string{"queue", "reason"})

	m.IngestionLagBlocks = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingestion_lag_blocks",
		Help: "Blocks between the chain head and the persisted cursor.",
	}, []string{"contest_id", "chain_id"})

	m.QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Pending+delayed job count per queue.",
	}, []string{"queue"})

	m.QueueLastSuccessUnix = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_last_success_unixtime",
		Help: "Unix timestamp of the last successful job per queue.",
	}, []string{"queue"})

	m.IngestionBatchDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingestion_batch_duration_ms",
		Help:    "Duration of a pull+write batch in milliseconds.",
		Buckets: []float64{100, 200, 400, 800, 1600, 3200, 6400, 16000},
	}, []string{"contest_id", "chain_id"})

	m.IngestionBatchSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingestion_batch_size",
		Help:    "Number of events returned by a single pull.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 200, 400},
	}, []string{"contest_id", "chain_id"})

	m.JobDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "job_duration_ms",
		Help:    "Job handler execution time in milliseconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})

	for _, c := range []prometheus.Collector{
		m.RPCFailuresTotal, m.RPCSwitchTotal, m.JobResultTotal, m.JobRetryTotal,
		m.IngestionLagBlocks, m.QueueDepth, m.QueueLastSuccessUnix,
		m.IngestionBatchDurationMs, m.IngestionBatchSize, m.JobDurationMs,
	} {
		reg.MustRegister(c)
	}

	return m
}

// Handler returns the HTTP handler mounted at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// QueueSnapshot describes one queue's health for the control-plane status endpoint.
type QueueSnapshot struct {
	Name          string     `json:"name"`
	Pending       int        `json:"pending"`
	Delayed       int        `json:"delayed"`
	Failed        int        `json:"failed"`
	LastSuccessAt *time.Time `json:"lastSuccessAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
}

// HealthSnapshot is the payload returned by GET /v1/tasks/status.
type HealthSnapshot struct {
	Mode         string          `json:"mode"`
	Timestamp    time.Time       `json:"timestamp"`
	Queues       []QueueSnapshot `json:"queues"`
	ActiveAlerts []string        `json:"activeAlerts"`
}

// SnapshotStore accumulates the last-known queue health so the control plane
// can answer GET /v1/tasks/status without querying the database on the hot
// path.
type SnapshotStore struct {
	mu     sync.Mutex
	queues map[string]QueueSnapshot
}

// NewSnapshotStore constructs an empty snapshot store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{queues: make(map[string]QueueSnapshot)}
}

// UpdateQueue replaces the snapshot for one queue.
func (s *SnapshotStore) UpdateQueue(snap QueueSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[snap.Name] = snap
}

// Snapshot returns the current health snapshot with the given mode and alerts.
func (s *SnapshotStore) Snapshot(mode string, alerts []string) HealthSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	queues := make([]QueueSnapshot, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	if alerts == nil {
		alerts = []string{}
	}
	return HealthSnapshot{Mode: mode, Timestamp: time.Now(), Queues: queues, ActiveAlerts: alerts}
}
