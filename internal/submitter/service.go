package submitter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cmatc13/chainapi/internal/chain"
	"github.com/cmatc13/chainapi/internal/tracker"
	"github.com/cmatc13/chainapi/pkg/logging"
	"github.com/cmatc13/chainapi/pkg/metrics"
	"github.com/cmatc13/chainapi/pkg/service"
)

// ServiceName is the registry name of the submitter.
const ServiceName = "submitter"

// ServiceConfig tunes the background upkeep of the submitter.
type ServiceConfig struct {
	// SweepInterval is how often the tracker evicts resolved entries and
	// the connection is checked.
	SweepInterval time.Duration
	// Reconnect resets a lost connection so the next caller dials again.
	Reconnect bool
}

// Service wraps the Orchestrator as a Service. Start connects to the node
// eagerly.
type Service struct {
	orchestrator *Orchestrator
	conns        *chain.Manager
	tracker      *tracker.Tracker
	metrics      *metrics.Metrics
	cfg          ServiceConfig
	logger       *logging.Logger

	mu     sync.RWMutex
	status service.Status
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the submitter service.
func NewService(o *Orchestrator, cfg ServiceConfig, logger *logging.Logger) *Service {
	return &Service{
		orchestrator: o,
		conns:        o.conns,
		tracker:      o.tracker,
		metrics:      o.metrics,
		cfg:          cfg,
		logger:       logger,
		status:       service.StatusStopped,
	}
}

// Orchestrator returns the wrapped orchestrator.
func (s *Service) Orchestrator() *Orchestrator {
	return s.orchestrator
}

// Name returns the service name
func (s *Service) Name() string {
	return ServiceName
}

// Start connects to the node and starts the upkeep loop.
func (s *Service) Start(ctx context.Context) error {
	s.setStatus(service.StatusStarting)

	if _, err := s.conns.Connection(ctx); err != nil {
		s.setStatus(service.StatusError)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.run(loopCtx, done)

	s.setStatus(service.StatusRunning)
	s.logger.Info("Submitter started", "endpoint", s.conns.Endpoint())
	return nil
}

// run drives the tracker sweep and checks the connection every interval.
func (s *Service) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}

	var sweeper sync.WaitGroup
	sweeper.Add(1)
	go func() {
		defer sweeper.Done()
		s.tracker.Run(ctx, interval)
	}()
	defer sweeper.Wait()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.upkeep()
		}
	}
}

// upkeep publishes tracker and connection gauges and resets a lost
// connection.
func (s *Service) upkeep() {
	if s.metrics != nil {
		s.metrics.RecordTracked(s.tracker.Len(), s.tracker.Pending())
		s.metrics.RecordDependencyStatus(ServiceName, "node", s.conns.Connected())
	}
	if s.cfg.Reconnect && s.conns.Stale() {
		s.logger.Warn("Node connection is down, next use will reconnect")
		s.conns.Reset()
	}
}

// Stop halts the upkeep loop, closes the connection and waits for the
// watchers it ends.
func (s *Service) Stop(ctx context.Context) error {
	s.setStatus(service.StatusStopping)

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	err := s.conns.Close()
	if drainErr := s.orchestrator.Drain(ctx); drainErr != nil {
		s.logger.WithError(drainErr).Warn("Watchers still running at shutdown")
	}

	s.setStatus(service.StatusStopped)
	return err
}

// Status returns the current service status
func (s *Service) Status() service.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Health reports an error unless the service runs. A lost connection does
// not make the service unhealthy since it is re-established on demand.
func (s *Service) Health() error {
	if status := s.Status(); status != service.StatusRunning {
		return fmt.Errorf("submitter is %s", status)
	}
	return nil
}

// Dependencies returns a list of services this service depends on
func (s *Service) Dependencies() []string {
	return nil
}

func (s *Service) setStatus(status service.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}
