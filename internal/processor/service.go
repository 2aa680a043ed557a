package processor

import (
	"context"
	"fmt"
	"sync"

	"github.com/cmatc13/chainapi/internal/submitter"
	"github.com/cmatc13/chainapi/pkg/service"
)

// ServiceName is the registry name of the processor.
const ServiceName = "submission-processor"

// Service wraps the Processor as a Service
type Service struct {
	processor *Processor

	mu     sync.RWMutex
	status service.Status
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new submission processor service
func NewService(processor *Processor) *Service {
	return &Service{
		processor: processor,
		status:    service.StatusStopped,
	}
}

// Name returns the service name
func (s *Service) Name() string {
	return ServiceName
}

// Start subscribes to the request topic and starts consuming.
func (s *Service) Start(ctx context.Context) error {
	s.setStatus(service.StatusStarting)

	topic := s.processor.cfg.RequestTopic
	if err := s.processor.consumer.SubscribeTopics([]string{topic}, nil); err != nil {
		s.setStatus(service.StatusError)
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.processor.Run(runCtx)
	}()

	s.setStatus(service.StatusRunning)
	return nil
}

// Stop stops consuming and flushes outstanding results.
func (s *Service) Stop(ctx context.Context) error {
	s.setStatus(service.StatusStopping)

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	err := s.processor.Close()
	s.setStatus(service.StatusStopped)
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
	if status := s.Status(); status != service.StatusRunning {
		return fmt.Errorf("service not running")
	}
	return nil
}

// Dependencies returns a list of services this service depends on
func (s *Service) Dependencies() []string {
	return []string{submitter.ServiceName}
}

func (s *Service) setStatus(status service.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}
