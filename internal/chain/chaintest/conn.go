// Package chaintest provides an in-memory chain.Conn for tests.
package chaintest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cmatc13/chainapi/internal/chain"
)

// ErrClosed is returned by calls on a closed Conn.
var ErrClosed = errors.New("chaintest: connection closed")

// Conn is a scripted node connection. The zero value is not usable; use NewConn.
type Conn struct {
	mu         sync.Mutex
	nonces     map[string]uint64
	nonceErr   error
	submitErr  error
	submitHook func(ctx context.Context)
	subs       []*Subscription
	closed     bool

	nonceCalls atomic.Int64

	Runtime   chain.RuntimeVersion
	ChainName string
}

// NewConn returns a connected fake node.
func NewConn() *Conn {
	return &Conn{
		nonces:    make(map[string]uint64),
		Runtime:   chain.RuntimeVersion{SpecName: "node-template", SpecVersion: 100},
		ChainName: "Development",
	}
}

// SetNonce sets the next index the node reports for address.
func (c *Conn) SetNonce(address string, nonce uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonces[address] = nonce
}

// SetNonceError makes AccountNextIndex fail with err (nil clears it).
func (c *Conn) SetNonceError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonceErr = err
}

// SetSubmitError makes SubmitAndWatch fail with err (nil clears it).
func (c *Conn) SetSubmitError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitErr = err
}

// OnSubmit runs hook with the submit context before SubmitAndWatch does
// anything else.
func (c *Conn) OnSubmit(hook func(ctx context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitHook = hook
}

// NonceCalls returns how many times AccountNextIndex was called.
func (c *Conn) NonceCalls() int64 {
	return c.nonceCalls.Load()
}

// Subscriptions returns the subscriptions created so far, in submit order.
func (c *Conn) Subscriptions() []*Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Subscription(nil), c.subs...)
}

// AccountNextIndex implements chain.Conn.
func (c *Conn) AccountNextIndex(ctx context.Context, address string) (uint64, error) {
	c.nonceCalls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	if c.nonceErr != nil {
		return 0, c.nonceErr
	}
	return c.nonces[address], nil
}

// SubmitAndWatch implements chain.Conn.
func (c *Conn) SubmitAndWatch(ctx context.Context, payload []byte) (chain.Subscription, error) {
	c.mu.Lock()
	hook := c.submitHook
	c.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.submitErr != nil {
		return nil, c.submitErr
	}
	sub := &Subscription{
		Payload:      append([]byte(nil), payload...),
		updates:      make(chan chain.StatusUpdate, 16),
		unsubscribed: make(chan struct{}),
	}
	c.subs = append(c.subs, sub)
	return sub, nil
}

// RuntimeVersion implements chain.Conn.
func (c *Conn) RuntimeVersion(ctx context.Context) (chain.RuntimeVersion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return chain.RuntimeVersion{}, ErrClosed
	}
	return c.Runtime, nil
}

// Chain implements chain.Conn.
func (c *Conn) Chain(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}
	return c.ChainName, nil
}

// IsConnected implements chain.Conn.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close implements chain.Conn. Open subscriptions are ended.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	subs := append([]*Subscription(nil), c.subs...)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.end()
	}
	return nil
}

// Dialer returns a chain.Dialer handing out c and counting dials.
func (c *Conn) Dialer(dials *atomic.Int64) chain.Dialer {
	return func(ctx context.Context, endpoint string) (chain.Conn, error) {
		if dials != nil {
			dials.Add(1)
		}
		return c, nil
	}
}

// Subscription is the fake status stream of one submitted payload.
type Subscription struct {
	Payload []byte

	updates      chan chain.StatusUpdate
	unsubscribed chan struct{}
	once         sync.Once

	mu    sync.Mutex
	ended bool
}

// Updates implements chain.Subscription.
func (s *Subscription) Updates() <-chan chain.StatusUpdate {
	return s.updates
}

// Unsubscribe implements chain.Subscription.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { close(s.unsubscribed) })
	s.end()
}

// Unsubscribed is closed once the consumer called Unsubscribe.
func (s *Subscription) Unsubscribed() <-chan struct{} {
	return s.unsubscribed
}

// Push delivers update unless the stream already ended. It reports whether
// the update was delivered.
func (s *Subscription) Push(update chain.StatusUpdate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	select {
	case s.updates <- update:
		return true
	case <-s.unsubscribed:
		return false
	}
}

// End closes the stream without a terminal status, as a lost connection does.
func (s *Subscription) End() {
	s.end()
}

func (s *Subscription) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.updates)
	}
}
