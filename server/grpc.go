package server

import (
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPC serves the standard health service. The overall status and one
// entry per component start as NOT_SERVING.
type GRPC struct {
	srv        *grpc.Server
	health     *health.Server
	components []string
	logger     *zap.Logger
}

// NewGRPC creates the gRPC server for the named components.
func NewGRPC(logger *zap.Logger, components ...string) *GRPC {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &GRPC{
		srv:        grpc.NewServer(),
		health:     health.NewServer(),
		components: components,
		logger:     logger.Named("server"),
	}
	healthpb.RegisterHealthServer(g.srv, g.health)
	g.SetServing(false)
	return g
}

// SetServing flips the overall and per-component status.
func (g *GRPC) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", status)
	for _, c := range g.components {
		g.health.SetServingStatus(c, status)
	}
}

// Serve blocks serving on lis until Stop.
func (g *GRPC) Serve(lis net.Listener) error {
	g.logger.Info("grpc listening", zap.String("addr", lis.Addr().String()))
	if err := g.srv.Serve(lis); err != nil {
		return fmt.Errorf("grpc server: %w", err)
	}
	return nil
}

// Stop reports NOT_SERVING and drains in-flight calls.
func (g *GRPC) Stop() {
	g.health.Shutdown()
	g.srv.GracefulStop()
}
