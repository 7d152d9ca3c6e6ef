/*
Package metrics provides Prometheus metrics and the health registry for
Overwatch.

All metrics are package variables registered with the default Prometheus
registry at init and exposed by Handler on the status server's /metrics
path.

# Metrics Catalog

Config store:

	overwatch_snapshot_current_timestamp           gauge
	overwatch_snapshots_skipped_total              counter
	overwatch_snapshot_load_duration_seconds       histogram

Startup driver:

	overwatch_cluster_mode{mode}                   gauge, 1 for the active mode
	overwatch_runs_total{mode, result}             counter
	overwatch_run_duration_seconds{mode}           histogram
	overwatch_run_in_progress                      gauge

Service orchestrator:

	overwatch_service_start_duration_seconds{service}
	overwatch_service_failures_total{service, phase}
	overwatch_service_up{service}
	overwatch_image_pulls_total{result}

Certificate authority:

	overwatch_ca_bootstrapped
	overwatch_certificates_issued_total{service}
	overwatch_certificate_issue_failures_total{service}
	overwatch_certificate_expiry_timestamp_seconds{service}

Membership and status API:

	overwatch_raft_is_leader, overwatch_raft_peers_total, overwatch_raft_applied_index
	overwatch_api_requests_total{path, status}, overwatch_api_request_duration_seconds{path}

# Timing operations

	timer := metrics.NewTimer()
	err := doWork()
	timer.ObserveDurationVec(metrics.ServiceStartDuration, "proxy")

# Health registry

Components report their state with RegisterComponent / UpdateComponent,
which also sets overwatch_component_up{component}. GetHealth is unhealthy
when any component is; GetReadiness requires every entry of
CriticalComponents to be registered and healthy and lists the rest under
waiting.
HealthHandler, ReadyHandler and LivenessHandler serve those values as JSON
and never block on the startup driver.

# Collector

Collector periodically copies the status board (mode, in-progress flag,
per-service outcomes) into the cluster mode and service gauges, so scrapes
reflect state computed by the driver without calling into it.
*/
package metrics
