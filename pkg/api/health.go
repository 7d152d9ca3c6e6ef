package api

import (
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServicePrefix prefixes each platform service's gRPC health entry
const HealthServicePrefix = "overwatch."

// HealthServiceName is the gRPC health entry of a platform service
func HealthServiceName(service string) string {
	return HealthServicePrefix + service
}

// SyncHealth copies the status board into the gRPC health service. Each
// service with an outcome gets an entry; the overall "" entry is SERVING
// once the last run succeeded. Services dropped from the board go back to
// SERVICE_UNKNOWN.
func (s *Server) SyncHealth() {
	st := s.status.Status()

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(st.Services))
	for _, o := range st.Services {
		name := HealthServiceName(o.Service)
		seen[name] = true
		s.known[name] = true
		if o.Succeeded {
			s.health.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
		} else {
			s.health.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
		}
	}
	for name := range s.known {
		if !seen[name] {
			s.health.SetServingStatus(name, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
			delete(s.known, name)
		}
	}

	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if st.LastRun != nil && st.LastRun.Succeeded {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", overall)
}
