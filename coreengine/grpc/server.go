package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
)

// Logger interface for the server.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// =============================================================================
// GRACEFUL SERVER
// =============================================================================

// GracefulServer wraps a grpc.Server serving KernelService with
// context-driven shutdown.
type GracefulServer struct {
	grpcServer   *grpc.Server
	kernelServer *KernelServer
	logger       Logger
	address      string

	listener   net.Listener
	shutdownMu sync.Mutex
	isShutdown bool
}

// NewGracefulServer creates a server for kernelServer. The standard
// ServerOptions are applied before opts.
func NewGracefulServer(kernelServer *KernelServer, address string, enableMetrics bool, opts ...grpc.ServerOption) (*GracefulServer, error) {
	if kernelServer == nil {
		return nil, fmt.Errorf("kernel server is required")
	}
	serverOpts := append(ServerOptions(kernelServer.logger, enableMetrics), opts...)
	grpcServer := grpc.NewServer(serverOpts...)
	kernelServer.Register(grpcServer)

	return &GracefulServer{
		grpcServer:   grpcServer,
		kernelServer: kernelServer,
		logger:       kernelServer.logger,
		address:      address,
	}, nil
}

// Serve serves on an existing listener until it is closed or the server stops.
func (s *GracefulServer) Serve(lis net.Listener) error {
	s.listener = lis
	s.logger.Info("grpc_server_started", "address", lis.Addr().String())
	return s.grpcServer.Serve(lis)
}

// Start listens on the configured address and serves until ctx is cancelled.
func (s *GracefulServer) Start(ctx context.Context) error {
	errCh, err := s.StartBackground()
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		s.logger.Info("grpc_graceful_shutdown_initiated", "reason", ctx.Err().Error())
		s.GracefulStop()
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// StartBackground starts the server in a goroutine.
// The returned channel receives a serve error, then closes.
func (s *GracefulServer) StartBackground() (<-chan error, error) {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh, nil
}

// GracefulStop stops accepting connections and waits for in-flight calls.
func (s *GracefulServer) GracefulStop() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.isShutdown {
		return
	}
	s.isShutdown = true

	s.logger.Info("grpc_graceful_stop_started")
	s.grpcServer.GracefulStop()
	s.logger.Info("grpc_graceful_stop_completed")
}

// Stop immediately stops the server.
func (s *GracefulServer) Stop() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.isShutdown {
		return
	}
	s.isShutdown = true

	s.logger.Warn("grpc_immediate_stop")
	s.grpcServer.Stop()
}

// ShutdownWithTimeout stops gracefully, forcing a stop after timeout.
// Open WatchEvents streams only end when their instance or client goes away,
// so the forced stop is the normal path while any are attached.
func (s *GracefulServer) ShutdownWithTimeout(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("grpc_graceful_shutdown_timeout", "timeout_ms", timeout.Milliseconds())
		s.grpcServer.Stop()
	}
}

// GetGRPCServer returns the underlying grpc.Server.
func (s *GracefulServer) GetGRPCServer() *grpc.Server {
	return s.grpcServer
}

// Address returns the configured listen address.
func (s *GracefulServer) Address() string {
	return s.address
}
