/*
Package api serves node status.

The HTTP listener exposes:

	GET /health                    component health
	GET /ready                     readiness of the store, runtime and driver
	GET /live                      liveness
	GET /metrics                   Prometheus metrics
	GET /v1/status                 mode, run in progress, last run, service outcomes
	GET /v1/snapshots              configuration snapshots, newest first
	GET /v1/snapshots/{timestamp}  one snapshot's deployment ("current" for the selected one)
	GET /v1/events                 recent orchestration events (?limit=N)
	GET /v1/membership             raft group stats and node reports (cluster mode)

Snapshot key material is never served.

The gRPC listener registers the standard grpc.health.v1 service. Each
platform service with a recorded outcome has an entry named
"overwatch.<service>", and the overall "" entry is SERVING once the last
startup run succeeded. Entries follow the status board on a short interval;
no request ever waits on a run.
*/
package api
