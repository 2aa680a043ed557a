package chain

import (
	"context"
	"sync"
	"time"

	"github.com/cmatc13/chainapi/pkg/errors"
	"github.com/cmatc13/chainapi/pkg/logging"
)

// attempt is one connection attempt, shared by every caller that asks for
// the connection while it is in progress or after it completed.
type attempt struct {
	done      chan struct{}
	conn      Conn
	err       error
	startedAt time.Time
}

// Manager owns the single connection to the node. The connection is created
// lazily on first use and recreated, never repaired, by Connect.
type Manager struct {
	endpoint string
	dial     Dialer
	logger   *logging.Logger

	// ctx bounds every dial; it is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	current *attempt
}

// NewManager creates a manager for endpoint. No connection is made yet.
func NewManager(endpoint string, dial Dialer, logger *logging.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		endpoint: endpoint,
		dial:     dial,
		logger:   logger.WithField("endpoint", endpoint),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Endpoint returns the configured node address.
func (m *Manager) Endpoint() string {
	return m.endpoint
}

// Connection returns the live connection handle, starting the first
// connection attempt if none was made yet. Concurrent callers share one
// attempt. A failed attempt is reported to every caller with
// CONNECTION_FAILED until Connect or Reset starts over.
func (m *Manager) Connection(ctx context.Context) (Conn, error) {
	m.mu.Lock()
	a := m.current
	if a == nil {
		a = m.startLocked()
	}
	m.mu.Unlock()

	return m.await(ctx, a)
}

// Connect starts a fresh connection attempt, replacing the current handle,
// and waits for it. The replaced connection is closed.
func (m *Manager) Connect(ctx context.Context) (Conn, error) {
	m.mu.Lock()
	previous := m.current
	a := m.startLocked()
	m.mu.Unlock()

	if previous != nil {
		go closeAttempt(previous)
	}
	return m.await(ctx, a)
}

// Reset forgets the current attempt so the next Connection dials again.
func (m *Manager) Reset() {
	m.mu.Lock()
	previous := m.current
	m.current = nil
	m.mu.Unlock()

	if previous != nil {
		go closeAttempt(previous)
	}
}

// Connected reports whether a completed attempt holds a live connection.
// It never dials.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	a := m.current
	m.mu.Unlock()

	if a == nil {
		return false
	}
	select {
	case <-a.done:
		return a.err == nil && a.conn.IsConnected()
	default:
		return false
	}
}

// Stale reports whether the current attempt completed without leaving a
// live connection, either because it failed or the connection was lost
// since.
func (m *Manager) Stale() bool {
	m.mu.Lock()
	a := m.current
	m.mu.Unlock()

	if a == nil {
		return false
	}
	select {
	case <-a.done:
		return a.err != nil || !a.conn.IsConnected()
	default:
		return false
	}
}

// Close aborts a pending dial and closes the current connection.
func (m *Manager) Close() error {
	m.cancel()

	m.mu.Lock()
	a := m.current
	m.current = nil
	m.mu.Unlock()

	if a == nil {
		return nil
	}
	<-a.done
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

func (m *Manager) startLocked() *attempt {
	a := &attempt{done: make(chan struct{}), startedAt: time.Now()}
	m.current = a
	m.logger.Info("Connecting to node")

	go func() {
		defer close(a.done)
		conn, err := m.dial(m.ctx, m.endpoint)
		if err != nil {
			a.err = errors.ChainWrapWithCode(err, errors.OpConnect, errors.ChainErrConnectionFailed,
				"could not connect to node")
			m.logger.WithError(err).Error("Connection to node failed")
			return
		}
		a.conn = conn
		m.logger.Info("Connected to node", "duration_ms", time.Since(a.startedAt).Milliseconds())
	}()
	return a
}

func (m *Manager) await(ctx context.Context, a *attempt) (Conn, error) {
	select {
	case <-a.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if a.err != nil {
		return nil, a.err
	}
	return a.conn, nil
}

func closeAttempt(a *attempt) {
	<-a.done
	if a.conn != nil {
		_ = a.conn.Close()
	}
}
