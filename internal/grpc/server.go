package grpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"fleetalert/internal/database"
	"fleetalert/internal/logger"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"
)

// ServiceName is the health check service name reported next to "".
const ServiceName = "fleetalert"

// Server exposes the standard gRPC health service. Status follows database
// reachability.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	db     *gorm.DB
	every  time.Duration
}

func NewServer(db *gorm.DB, every time.Duration) *Server {
	if every <= 0 {
		every = 10 * time.Second
	}
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		db:     db,
		every:  every,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// Check pings the database once and publishes the result.
func (s *Server) Check() healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if err := database.Ping(s.db); err != nil {
		logger.Warn("database ping failed", zap.Error(err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}

// Watch re-checks health until ctx is cancelled.
func (s *Server) Watch(ctx context.Context) {
	s.Check()
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Check()
		}
	}
}

// Serve blocks serving on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Stop marks the service down and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// StartServer listens on addr and serves until Stop.
func (s *Server) StartServer(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	logger.Info("gRPC server listening", zap.String("address", addr))
	return s.Serve(lis)
}
