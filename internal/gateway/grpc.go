// ABOUTME: gRPC listener carrying the standard health service and server reflection
// ABOUTME: Health tracks store reachability so orchestrators can probe over gRPC

package gateway

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

// healthService is the gRPC health service name reported for the messaging core.
const healthService = "coven.dm"

// createGRPCServer creates the gRPC server with keepalive settings and
// registers health and reflection.
func createGRPCServer(logger *slog.Logger) (*grpc.Server, *health.Server) {
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
	healthpb.RegisterHealthServer(server, hs)
	reflection.Register(server)

	logger.Debug("gRPC health and reflection registered")
	return server, hs
}

// updateHealth sets the gRPC serving status from a store ping.
func (g *Gateway) updateHealth(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("store ping failed", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(healthService, status)
}

// watchHealth refreshes the gRPC health status until ctx is done.
func (g *Gateway) watchHealth(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			g.updateHealth(pingCtx)
			cancel()
		}
	}
}
