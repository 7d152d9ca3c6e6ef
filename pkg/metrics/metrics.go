package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Config store metrics
	CurrentSnapshot = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "overwatch_snapshot_current_timestamp",
			Help: "Timestamp (ms) of the snapshot currently in effect",
		},
	)

	SnapshotsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "overwatch_snapshots_skipped_total",
			Help: "Total number of unusable snapshots skipped during selection",
		},
	)

	SnapshotLoadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "overwatch_snapshot_load_duration_seconds",
			Help:    "Time taken to select and load the current snapshot",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Startup driver metrics
	ClusterMode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "overwatch_cluster_mode",
			Help: "Current cluster mode (1 for the active mode, 0 otherwise)",
		},
		[]string{"mode"},
	)

	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overwatch_runs_total",
			Help: "Total number of startup runs by mode and result",
		},
		[]string{"mode", "result"},
	)

	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "overwatch_run_duration_seconds",
			Help:    "Startup run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"mode"},
	)

	RunInProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "overwatch_run_in_progress",
			Help: "Whether a startup run is executing (1) or not (0)",
		},
	)

	// Service orchestrator metrics
	ServiceStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "overwatch_service_start_duration_seconds",
			Help:    "Time taken to bring one service up",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	ServiceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overwatch_service_failures_total",
			Help: "Total number of service start failures by phase",
		},
		[]string{"service", "phase"},
	)

	ServiceUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "overwatch_service_up",
			Help: "Whether the last start of a service succeeded",
		},
		[]string{"service"},
	)

	ImagePulls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overwatch_image_pulls_total",
			Help: "Total number of image pulls by result",
		},
		[]string{"result"},
	)

	// Certificate authority metrics
	CABootstrapped = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "overwatch_ca_bootstrapped",
			Help: "Whether the certificate authority root material exists",
		},
	)

	CertificatesIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overwatch_certificates_issued_total",
			Help: "Total number of leaf certificates issued",
		},
		[]string{"service"},
	)

	CertificateIssueFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overwatch_certificate_issue_failures_total",
			Help: "Total number of leaf issuances that failed",
		},
		[]string{"service"},
	)

	CertificateExpiry = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "overwatch_certificate_expiry_timestamp_seconds",
			Help: "Expiry of the current leaf certificate per service",
		},
		[]string{"service"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "overwatch_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "overwatch_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "overwatch_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overwatch_api_requests_total",
			Help: "Total number of status API requests by path and status",
		},
		[]string{"path", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "overwatch_api_request_duration_seconds",
			Help:    "Status API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)
)

func init() {
	prometheus.MustRegister(CurrentSnapshot)
	prometheus.MustRegister(SnapshotsSkipped)
	prometheus.MustRegister(SnapshotLoadDuration)
	prometheus.MustRegister(ClusterMode)
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(RunDuration)
	prometheus.MustRegister(RunInProgress)
	prometheus.MustRegister(ServiceStartDuration)
	prometheus.MustRegister(ServiceFailures)
	prometheus.MustRegister(ServiceUp)
	prometheus.MustRegister(ImagePulls)
	prometheus.MustRegister(CABootstrapped)
	prometheus.MustRegister(CertificatesIssued)
	prometheus.MustRegister(CertificateIssueFailures)
	prometheus.MustRegister(CertificateExpiry)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in seconds on a histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on one series of a histogram vec
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
