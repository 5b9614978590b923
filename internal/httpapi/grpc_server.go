package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"docsign.org/internal/obs"
)

var _ healthpb.HealthServer = (*GRPCServer)(nil)

// GRPCServer exposes the standard gRPC health service. Its status follows the
// readiness probe.
type GRPCServer struct {
	*health.Server

	readiness readinessChecker
	version   string
}

// NewGRPCServer creates the health service wrapper.
func NewGRPCServer(r readinessChecker, version string) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	return &GRPCServer{
		Server:    health.NewServer(),
		readiness: r,
		version:   version,
	}
}

// Refresh evaluates readiness once and publishes the result for both the
// overall service and the named one.
func (s *GRPCServer) Refresh(ctx context.Context) bool {
	st := healthpb.HealthCheckResponse_SERVING
	ok := true
	if err := s.readiness.Check(ctx); err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
		ok = false
		obs.Warn("grpc.health.not_serving", map[string]any{"error": err.Error(), "version": s.version})
	}
	obs.SetReady(ok)
	s.SetServingStatus("", st)
	s.SetServingStatus(serviceName, st)
	return ok
}

// Monitor refreshes readiness every interval until ctx ends, then marks the
// service as shutting down.
func (s *GRPCServer) Monitor(ctx context.Context, interval time.Duration) {
	s.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}
