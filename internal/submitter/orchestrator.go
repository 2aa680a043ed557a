// Package submitter submits signed extrinsics to the node and follows each
// one to a terminal status in the background, so callers get the content
// hash back right away and can wait for the outcome separately.
package submitter

import (
	"context"
	"sync"
	"time"

	"github.com/cmatc13/chainapi/internal/chain"
	"github.com/cmatc13/chainapi/internal/nonce"
	"github.com/cmatc13/chainapi/internal/signer"
	"github.com/cmatc13/chainapi/internal/tracker"
	"github.com/cmatc13/chainapi/pkg/errors"
	"github.com/cmatc13/chainapi/pkg/logging"
	"github.com/cmatc13/chainapi/pkg/metrics"
)

// DefaultSubmitTimeout bounds the submit RPC once the payload is signed.
const DefaultSubmitTimeout = 30 * time.Second

// StatusConnectionLost labels outcomes of subscriptions that ended before a
// terminal status arrived.
const StatusConnectionLost chain.StatusKind = "connection_lost"

// Resolution is the final outcome of one extrinsic.
type Resolution struct {
	Hash      string
	Success   bool
	Status    chain.StatusKind
	BlockHash string
	Duration  time.Duration
}

// OutcomeSink is notified once per resolved extrinsic.
type OutcomeSink interface {
	ExtrinsicResolved(r Resolution)
}

// OutcomeSinkFunc adapts a function to OutcomeSink.
type OutcomeSinkFunc func(r Resolution)

// ExtrinsicResolved implements OutcomeSink.
func (f OutcomeSinkFunc) ExtrinsicResolved(r Resolution) { f(r) }

// Health is a snapshot of the submitter and its node.
type Health struct {
	BlockchainConnected bool   `json:"blockchainConnected"`
	InFlightExtrinsics  int    `json:"inFlightExtrinsics"`
	PendingExtrinsics   int    `json:"pendingExtrinsics"`
	RuntimeVersion      uint32 `json:"runtimeVersion"`
	RuntimeName         string `json:"runtimeName"`
	ChainName           string `json:"chainName"`
}

// Orchestrator runs the submit pipeline: connection, nonce, signature,
// tracking, submission and background watching.
type Orchestrator struct {
	conns   *chain.Manager
	nonces  *nonce.Sequencer
	tracker *tracker.Tracker
	logger  *logging.Logger
	metrics *metrics.Metrics

	submitTimeout time.Duration

	sinksMu sync.RWMutex
	sinks   []OutcomeSink

	// identity is the runtime and chain name last read from the node. The
	// socket client cannot answer RPCs once it lost its connection.
	identityMu sync.Mutex
	identity   nodeIdentity

	watchers sync.WaitGroup
}

type nodeIdentity struct {
	version chain.RuntimeVersion
	name    string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records submission metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithSubmitTimeout bounds the submit RPC. The caller's cancellation does
// not abort it: once signed, the payload may already be in the node's pool.
func WithSubmitTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.submitTimeout = d
		}
	}
}

// New creates an orchestrator.
func New(conns *chain.Manager, nonces *nonce.Sequencer, tr *tracker.Tracker, logger *logging.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		conns:   conns,
		nonces:  nonces,
		tracker: tr,
		logger:  logger,

		submitTimeout: DefaultSubmitTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// AddOutcomeSink registers sink for every later resolution.
func (o *Orchestrator) AddOutcomeSink(sink OutcomeSink) {
	o.sinksMu.Lock()
	defer o.sinksMu.Unlock()
	o.sinks = append(o.sinks, sink)
}

// Submit signs call with s, submits it and returns its content hash. It
// does not wait for inclusion. Submitting an identical signed payload again
// returns the existing hash without resubmitting.
func (o *Orchestrator) Submit(ctx context.Context, call []byte, s signer.Signer) (string, error) {
	hash, err := o.submit(ctx, call, s)
	if err != nil {
		if o.metrics != nil {
			o.metrics.RecordSubmissionError(errors.Code(err))
		}
		return "", err
	}
	return hash, nil
}

func (o *Orchestrator) submit(ctx context.Context, call []byte, s signer.Signer) (string, error) {
	conn, err := o.conns.Connection(ctx)
	if err != nil {
		return "", err
	}

	address := s.Address()
	started := time.Now()
	n, err := o.nonces.Allocate(ctx, conn, address)
	if err != nil {
		o.logger.WithContext(ctx).WithError(err).Error("Nonce allocation failed", "address", address)
		return "", err
	}
	if o.metrics != nil {
		o.metrics.RecordNonceAllocation(time.Since(started))
	}

	payload, err := s.Sign(ctx, call, n)
	if err != nil {
		return "", errors.WrapWithField(
			errors.ChainWrapWithCode(err, errors.OpSign, errors.ChainErrSignFailed, "failed to sign extrinsic"),
			"address", address)
	}

	hash := signer.HashPayload(payload)
	logger := o.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"hash":    hash,
		"address": address,
		"nonce":   n,
	})

	if _, duplicate := o.tracker.Register(hash); duplicate {
		logger.Error("Extrinsic already submitted", "code", errors.ChainErrDuplicateSubmission)
		if o.metrics != nil {
			o.metrics.RecordSubmission("duplicate")
		}
		return hash, nil
	}

	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.submitTimeout)
	defer cancel()

	submittedAt := time.Now()
	sub, err := conn.SubmitAndWatch(submitCtx, payload)
	if o.metrics != nil {
		o.metrics.RecordDependencyLatency(ServiceName, "node", "submit_and_watch", time.Since(submittedAt))
		if err != nil {
			o.metrics.RecordDependencyError(ServiceName, "node", "submit_and_watch")
		}
	}
	if err != nil {
		o.tracker.Remove(hash)
		logger.WithError(err).Error("Extrinsic submission failed")
		return "", errors.WrapWithField(
			errors.ChainWrapWithCode(err, errors.OpSubmit, errors.ChainErrSubmitFailed, "node rejected extrinsic"),
			"hash", hash)
	}

	logger.Info("Extrinsic submitted")
	if o.metrics != nil {
		o.metrics.RecordSubmission("submitted")
		o.metrics.RecordTracked(o.tracker.Len(), o.tracker.Pending())
	}

	o.watchers.Add(1)
	go o.watch(hash, sub, logger, submittedAt)
	return hash, nil
}

// watch follows sub until a terminal status and resolves the extrinsic.
func (o *Orchestrator) watch(hash string, sub chain.Subscription, logger *logging.Logger, submittedAt time.Time) {
	defer o.watchers.Done()
	defer sub.Unsubscribe()

	for update := range sub.Updates() {
		if !update.Kind.IsTerminal() {
			logger.Debug("Extrinsic status", "status", update.Kind, "block", update.BlockHash)
			continue
		}

		success := update.Kind == chain.StatusFinalized && ExtrinsicSucceeded(update.Events)
		o.resolve(Resolution{
			Hash:      hash,
			Success:   success,
			Status:    update.Kind,
			BlockHash: update.BlockHash,
			Duration:  time.Since(submittedAt),
		}, logger)
		return
	}

	logger.Warn("Status subscription ended without a terminal status")
	o.resolve(Resolution{
		Hash:     hash,
		Status:   StatusConnectionLost,
		Duration: time.Since(submittedAt),
	}, logger)
}

func (o *Orchestrator) resolve(r Resolution, logger *logging.Logger) {
	if !o.tracker.Resolve(r.Hash, r.Success) {
		return
	}

	if r.Success {
		logger.Info("Extrinsic finalized", "block", r.BlockHash, "duration_ms", r.Duration.Milliseconds())
	} else {
		logger.Warn("Extrinsic failed", "status", r.Status, "block", r.BlockHash)
	}
	if o.metrics != nil {
		o.metrics.RecordOutcome(string(r.Status), r.Success, r.Duration)
		o.metrics.RecordTracked(o.tracker.Len(), o.tracker.Pending())
	}

	o.sinksMu.RLock()
	sinks := o.sinks
	o.sinksMu.RUnlock()
	for _, sink := range sinks {
		sink.ExtrinsicResolved(r)
	}
}

// ExtrinsicSucceeded applies the success rule to the events of a finalized
// extrinsic: it failed if the system reported ExtrinsicFailed or a proxied
// call returned an error.
func ExtrinsicSucceeded(events []chain.Event) bool {
	for _, e := range events {
		if e.Is("system", "ExtrinsicFailed") {
			return false
		}
		if e.Is("proxy", "ProxyExecuted") && e.ResultIsError() {
			return false
		}
	}
	return true
}

// Wait blocks until the extrinsic identified by hash resolves or ctx is
// done. Unknown hashes fail immediately with UNKNOWN_EXTRINSIC.
func (o *Orchestrator) Wait(ctx context.Context, hash string) (bool, error) {
	return o.tracker.Wait(ctx, hash)
}

// WaitTimeout is Wait bounded by d. The returned finalized flag is false if
// d elapsed first.
func (o *Orchestrator) WaitTimeout(ctx context.Context, hash string, d time.Duration) (success bool, finalized bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	success, err = o.tracker.Wait(ctx, hash)
	switch {
	case err == nil:
		return success, true, nil
	case errors.Is(err, context.DeadlineExceeded):
		return false, false, nil
	default:
		return false, false, err
	}
}

// Outcome reports the outcome of hash without waiting.
func (o *Orchestrator) Outcome(hash string) (success bool, resolved bool, err error) {
	cell, ok := o.tracker.Lookup(hash)
	if !ok {
		return false, false, errors.ChainErrorf(errors.ChainErrUnknownExtrinsic, "extrinsic %s is not tracked", hash)
	}
	success, resolved = cell.Result()
	return success, resolved, nil
}

// Health reports the connection state, tracker counts and node identity.
// It establishes the connection if none exists yet. Once the connection is
// lost the last identity read from the node is reported.
func (o *Orchestrator) Health(ctx context.Context) (Health, error) {
	conn, err := o.conns.Connection(ctx)
	if err != nil {
		return Health{}, err
	}

	connected := conn.IsConnected()
	if connected {
		if err := o.refreshIdentity(ctx, conn); err != nil {
			if conn.IsConnected() {
				return Health{}, err
			}
			connected = false
		}
	}

	o.identityMu.Lock()
	id := o.identity
	o.identityMu.Unlock()

	return Health{
		BlockchainConnected: connected,
		InFlightExtrinsics:  o.tracker.Len(),
		PendingExtrinsics:   o.tracker.Pending(),
		RuntimeVersion:      id.version.SpecVersion,
		RuntimeName:         id.version.SpecName,
		ChainName:           id.name,
	}, nil
}

func (o *Orchestrator) refreshIdentity(ctx context.Context, conn chain.Conn) error {
	version, err := conn.RuntimeVersion(ctx)
	if err != nil {
		return errors.ChainWrapWithCode(err, errors.OpHealth, errors.ChainErrRPC, "failed to read runtime version")
	}
	name, err := conn.Chain(ctx)
	if err != nil {
		return errors.ChainWrapWithCode(err, errors.OpHealth, errors.ChainErrRPC, "failed to read chain name")
	}

	o.identityMu.Lock()
	o.identity = nodeIdentity{version: version, name: name}
	o.identityMu.Unlock()
	return nil
}

// Connection returns the live node connection, establishing it if needed.
func (o *Orchestrator) Connection(ctx context.Context) (chain.Conn, error) {
	return o.conns.Connection(ctx)
}

// Drain waits for every watcher to finish or ctx to be done.
func (o *Orchestrator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
