// Package tracker records the final outcome of every submitted extrinsic and
// lets any number of callers wait for it.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/cmatc13/chainapi/pkg/errors"
	"github.com/cmatc13/chainapi/pkg/logging"
)

// DefaultRetention is how long resolved entries stay queryable.
const DefaultRetention = time.Hour

// Outcome is a write-once cell broadcasting an extrinsic's success flag.
type Outcome struct {
	done       chan struct{}
	once       sync.Once
	success    bool
	resolvedAt time.Time
}

func newOutcome() *Outcome {
	return &Outcome{done: make(chan struct{})}
}

// Done is closed once the outcome is known.
func (o *Outcome) Done() <-chan struct{} {
	return o.done
}

// Result returns the outcome and whether it is known yet.
func (o *Outcome) Result() (success bool, resolved bool) {
	select {
	case <-o.done:
		return o.success, true
	default:
		return false, false
	}
}

func (o *Outcome) resolve(success bool, at time.Time) bool {
	resolved := false
	o.once.Do(func() {
		o.success = success
		o.resolvedAt = at
		close(o.done)
		resolved = true
	})
	return resolved
}

// Tracker maps content hashes to outcomes.
type Tracker struct {
	retention time.Duration
	now       func() time.Time
	logger    *logging.Logger

	mu      sync.Mutex
	entries map[string]*Outcome
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithRetention sets how long resolved entries are kept. Zero keeps them
// forever.
func WithRetention(d time.Duration) Option {
	return func(t *Tracker) { t.retention = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates an empty tracker.
func New(logger *logging.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		retention: DefaultRetention,
		now:       time.Now,
		logger:    logger,
		entries:   make(map[string]*Outcome),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register creates an unresolved entry for hash. An existing entry is kept
// and returned with duplicate set.
func (t *Tracker) Register(hash string) (cell *Outcome, duplicate bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.entries[hash]; ok {
		return existing, true
	}
	cell = newOutcome()
	t.entries[hash] = cell
	return cell, false
}

// Resolve records the outcome of hash. Only the first resolution counts; it
// reports whether this call was it.
func (t *Tracker) Resolve(hash string, success bool) bool {
	t.mu.Lock()
	cell, ok := t.entries[hash]
	t.mu.Unlock()
	if !ok {
		t.logger.Warn("Resolving unknown extrinsic", "hash", hash)
		return false
	}
	return cell.resolve(success, t.now())
}

// Wait blocks until hash is resolved or ctx is done. An unknown hash fails
// immediately with UNKNOWN_EXTRINSIC.
func (t *Tracker) Wait(ctx context.Context, hash string) (bool, error) {
	t.mu.Lock()
	cell, ok := t.entries[hash]
	t.mu.Unlock()
	if !ok {
		return false, errors.WrapWithField(
			errors.ChainErrorf(errors.ChainErrUnknownExtrinsic, "extrinsic %s is not tracked", hash),
			"hash", hash)
	}

	select {
	case <-cell.done:
		return cell.success, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Lookup returns the cell of hash without waiting.
func (t *Tracker) Lookup(hash string) (*Outcome, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cell, ok := t.entries[hash]
	return cell, ok
}

// Remove forgets hash.
func (t *Tracker) Remove(hash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, hash)
}

// Len is the number of tracked extrinsics, resolved or not.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Pending is the number of tracked extrinsics without an outcome.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	pending := 0
	for _, cell := range t.entries {
		if _, resolved := cell.Result(); !resolved {
			pending++
		}
	}
	return pending
}

// Sweep evicts entries resolved more than the retention before now and
// returns how many were removed. Unresolved entries are never evicted.
func (t *Tracker) Sweep(now time.Time) int {
	if t.retention <= 0 {
		return 0
	}
	cutoff := now.Add(-t.retention)

	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for hash, cell := range t.entries {
		if _, resolved := cell.Result(); resolved && cell.resolvedAt.Before(cutoff) {
			delete(t.entries, hash)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := t.Sweep(t.now()); removed > 0 {
				t.logger.Debug("Evicted resolved extrinsics", "count", removed)
			}
		}
	}
}
