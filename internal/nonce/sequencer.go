// Package nonce hands out per-account nonces that stay strictly increasing
// across concurrent submissions, reconciled against the node's view.
package nonce

import (
	"context"
	"sync"
	"time"

	"github.com/cmatc13/chainapi/pkg/errors"
	"github.com/cmatc13/chainapi/pkg/logging"
	"github.com/cmatc13/chainapi/pkg/metrics"
)

// metricsService labels the dependency metrics recorded by the sequencer.
const metricsService = "nonce"

// Remote reports the next nonce the node expects from an account.
type Remote interface {
	AccountNextIndex(ctx context.Context, address string) (uint64, error)
}

// Sequencer serializes allocations per address. Different addresses never
// wait on each other.
type Sequencer struct {
	store   Store
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// SequencerOption configures a Sequencer.
type SequencerOption func(*Sequencer)

// WithMetrics records node query and store latency on m.
func WithMetrics(m *metrics.Metrics) SequencerOption {
	return func(s *Sequencer) { s.metrics = m }
}

// NewSequencer creates a sequencer backed by store.
func NewSequencer(store Store, logger *logging.Logger, opts ...SequencerOption) *Sequencer {
	s := &Sequencer{
		store:  store,
		logger: logger,
		locks:  make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Allocate returns the nonce to sign the next extrinsic of address with.
// The node is queried every time so that extrinsics sent from elsewhere, or
// a node that restarted with an empty pool, are accounted for. A failed
// query leaves the stored state untouched.
func (s *Sequencer) Allocate(ctx context.Context, remote Remote, address string) (uint64, error) {
	unlock, err := s.lock(ctx, address)
	if err != nil {
		return 0, err
	}
	defer unlock()

	started := time.Now()
	next, err := remote.AccountNextIndex(ctx, address)
	s.observe("node", "account_next_index", started, err)
	if err != nil {
		return 0, errors.WrapWithField(
			errors.ChainWrapWithCode(err, errors.OpAllocateNonce, errors.ChainErrNonceQueryFailed,
				"failed to query account nonce"),
			"address", address)
	}

	started = time.Now()
	nonce, err := s.store.Reserve(ctx, address, next)
	s.observe("nonce_store", "reserve", started, err)
	if err != nil {
		if errors.IsStorageError(err, errors.StorageErrWrite) {
			s.logger.WithError(err).Error("Nonce store rejected reservation", "address", address, "remote", next)
		}
		return 0, err
	}
	if nonce == next {
		s.logger.Debug("Using node nonce", "address", address, "nonce", nonce)
	} else {
		s.logger.Debug("Node nonce behind local counter", "address", address, "remote", next, "nonce", nonce)
	}
	return nonce, nil
}

// Last returns the last nonce reserved for address.
func (s *Sequencer) Last(ctx context.Context, address string) (uint64, bool, error) {
	return s.store.Last(ctx, address)
}

func (s *Sequencer) observe(dependency, operation string, started time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordDependencyLatency(metricsService, dependency, operation, time.Since(started))
	if err != nil {
		s.metrics.RecordDependencyError(metricsService, dependency, operation)
	}
}

// lock acquires the per-address lock, giving up when ctx is done.
func (s *Sequencer) lock(ctx context.Context, address string) (func(), error) {
	s.mu.Lock()
	l, ok := s.locks[address]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[address] = l
	}
	s.mu.Unlock()

	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
