package api

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/cmatc13/chainapi/internal/submitter"
	"github.com/cmatc13/chainapi/pkg/logging"
	"github.com/cmatc13/chainapi/pkg/service"
)

// ServiceName is the registry name of the API.
const ServiceName = "api"

// Service wraps the API server as a Service
type Service struct {
	server *Server
	logger *logging.Logger

	mu       sync.RWMutex
	status   service.Status
	listener net.Listener
	done     chan struct{}
	serveErr error
}

// NewService creates a new API service
func NewService(server *Server, logger *logging.Logger) *Service {
	return &Service{
		server: server,
		logger: logger,
		status: service.StatusStopped,
	}
}

// Name returns the service name
func (s *Service) Name() string {
	return ServiceName
}

// Start binds the listen address and serves in the background. A bind
// failure is returned directly.
func (s *Service) Start(ctx context.Context) error {
	s.setStatus(service.StatusStarting)
	s.logger.Info("Starting API service")

	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", s.server.server.Addr)
	if err != nil {
		s.setStatus(service.StatusError)
		return fmt.Errorf("failed to listen on %s: %w", s.server.server.Addr, err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.listener = l
	s.done = done
	s.serveErr = nil
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := s.server.Serve(l); err != nil {
			s.mu.Lock()
			s.serveErr = err
			s.status = service.StatusError
			s.mu.Unlock()
		}
	}()

	s.server.metricsCollector.ServiceLastStarted.SetToCurrentTime()
	s.setStatus(service.StatusRunning)
	s.logger.Info("API service started successfully", "addr", l.Addr().String())
	return nil
}

// Stop gracefully shuts down the service
func (s *Service) Stop(ctx context.Context) error {
	s.setStatus(service.StatusStopping)
	s.logger.Info("Stopping API service")

	s.mu.RLock()
	done := s.done
	s.mu.RUnlock()

	err := s.server.Shutdown(ctx)
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
		}
	}

	s.setStatus(service.StatusStopped)
	s.logger.Info("API service stopped")
	return err
}

// Status returns the current service status
func (s *Service) Status() service.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Health performs a health check
func (s *Service) Health() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.serveErr != nil {
		return fmt.Errorf("server failed: %w", s.serveErr)
	}
	if s.status != service.StatusRunning {
		return fmt.Errorf("service not running")
	}
	return nil
}

// Dependencies returns a list of services this service depends on
func (s *Service) Dependencies() []string {
	return []string{submitter.ServiceName}
}

// Addr returns the bound address, or "" before Start.
func (s *Service) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Service) setStatus(status service.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}
