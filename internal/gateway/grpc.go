// ABOUTME: Optional gRPC health service for process supervisors
// ABOUTME: Mirrors HTTP readiness: SERVING once the tool registry has been loaded once

package gateway

import (
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// HealthServiceName is the service name reported alongside the overall status.
const HealthServiceName = "query_gateway.Gateway"

// newHealthGRPCServer creates a gRPC server exposing only grpc.health.v1.
func newHealthGRPCServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, hs)

	return server, hs
}

// setServingStatus flips the gRPC health status once a registry load has
// been attempted. A failed load still serves: queries run with zero tools.
func (g *Gateway) setServingStatus() {
	if g.healthServer == nil || !g.cache.Attempted() {
		return
	}
	g.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	g.healthServer.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_SERVING)
}
