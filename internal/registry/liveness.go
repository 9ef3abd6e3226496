package registry

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// RegisterLiveness wires the stock grpc-go health-checking protocol onto srv,
// exposing the control plane process's own liveness/readiness — no custom
// RPCs are defined, matching how other teacher services only ever dialed a
// health-bearing peer rather than hand-rolling one.
func RegisterLiveness(srv *grpc.Server) *health.Server {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return hs
}

// SetServing toggles the named service's reported health status; pass ""
// for the overall process status (SetServingStatus default service).
func SetServing(hs *health.Server, service string, up bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if up {
		status = healthpb.HealthCheckResponse_SERVING
	}
	hs.SetServingStatus(service, status)
}
