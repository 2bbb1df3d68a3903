// Package grpcutil provides gRPC server utilities and interceptors.
package grpcutil

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServerConfig holds gRPC server configuration.
type ServerConfig struct {
	Port              int
	ServiceName       string
	EnableReflection  bool
	EnableHealthCheck bool
	EnableTracing     bool
	ShutdownTimeout   time.Duration
	MaxRecvMsgSize    int
	MaxSendMsgSize    int

	// Ready, when set, is polled every ReadyInterval while serving. An
	// error flips the health status of ServiceName to NOT_SERVING until a
	// later check passes.
	Ready         func(context.Context) error
	ReadyInterval time.Duration

	UnaryInterceptors  []grpc.UnaryServerInterceptor
	StreamInterceptors []grpc.StreamServerInterceptor
}

// DefaultServerConfig returns the defaults for a queue-facing server.
func DefaultServerConfig(port int, serviceName string) ServerConfig {
	return ServerConfig{
		Port:              port,
		ServiceName:       serviceName,
		EnableReflection:  true,
		EnableHealthCheck: true,
		EnableTracing:     true,
		ShutdownTimeout:   30 * time.Second,
		// Embedding batches and long prompts travel as structpb JSON.
		MaxRecvMsgSize: 32 * 1024 * 1024,
		MaxSendMsgSize: 32 * 1024 * 1024,
		ReadyInterval:  5 * time.Second,
	}
}

// Server wraps a gRPC server with lifecycle management.
type Server struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	config       ServerConfig
	logger       *slog.Logger
}

// NewServer creates a server with tracing, logging and recovery chained
// ahead of any configured interceptors.
func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	var unary []grpc.UnaryServerInterceptor
	var stream []grpc.StreamServerInterceptor
	if cfg.EnableTracing {
		unary = append(unary, TracingUnaryInterceptor(cfg.ServiceName))
		stream = append(stream, TracingStreamInterceptor(cfg.ServiceName))
	}
	unary = append(unary, LoggingUnaryInterceptor(logger), RecoveryUnaryInterceptor(logger))
	stream = append(stream, LoggingStreamInterceptor(logger), RecoveryStreamInterceptor(logger))
	unary = append(unary, cfg.UnaryInterceptors...)
	stream = append(stream, cfg.StreamInterceptors...)

	s := &Server{
		grpcServer: grpc.NewServer(
			grpc.MaxRecvMsgSize(cfg.MaxRecvMsgSize),
			grpc.MaxSendMsgSize(cfg.MaxSendMsgSize),
			grpc.ChainUnaryInterceptor(unary...),
			grpc.ChainStreamInterceptor(stream...),
		),
		config: cfg,
		logger: logger.With("component", "grpc_server"),
	}

	if cfg.EnableReflection {
		reflection.Register(s.grpcServer)
	}
	if cfg.EnableHealthCheck {
		s.healthServer = health.NewServer()
		grpc_health_v1.RegisterHealthServer(s.grpcServer, s.healthServer)
		s.healthServer.SetServingStatus(cfg.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	}
	return s
}

// GRPCServer returns the underlying gRPC server for service registration.
func (s *Server) GRPCServer() *grpc.Server {
	return s.grpcServer
}

// SetServingStatus sets the health status of the configured service.
func (s *Server) SetServingStatus(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	if s.healthServer != nil {
		s.healthServer.SetServingStatus(s.config.ServiceName, status)
	}
}

// Run listens on the configured port and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done, then shuts down gracefully.
// Signal handling belongs to the caller.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gRPC server starting", "addr", lis.Addr().String(), "service", s.config.ServiceName)
		if err := s.grpcServer.Serve(lis); err != nil {
			errCh <- err
		}
	}()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if s.config.Ready != nil && s.healthServer != nil {
		go s.watchReadiness(watchCtx)
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	stopWatch()
	return s.shutdown()
}

func (s *Server) watchReadiness(ctx context.Context) {
	interval := s.config.ReadyInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	serving := true
	for {
		err := s.config.Ready(ctx)
		if ctx.Err() != nil {
			return
		}
		switch {
		case err != nil && serving:
			s.logger.Warn("readiness check failed, reporting NOT_SERVING", "error", err)
			s.SetServingStatus(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
			serving = false
		case err == nil && !serving:
			s.logger.Info("readiness restored, reporting SERVING")
			s.SetServingStatus(grpc_health_v1.HealthCheckResponse_SERVING)
			serving = true
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) shutdown() error {
	s.logger.Info("initiating graceful shutdown", "timeout", s.config.ShutdownTimeout)
	s.SetServingStatus(grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	// Open watch streams hold GracefulStop until the timeout.
	select {
	case <-done:
		s.logger.Info("graceful shutdown completed")
	case <-time.After(s.config.ShutdownTimeout):
		s.logger.Warn("graceful shutdown timed out, forcing stop")
		s.grpcServer.Stop()
	}
	return nil
}
