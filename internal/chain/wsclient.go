package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cmatc13/chainapi/pkg/logging"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 10 * time.Second
	unwatchTimeout     = 5 * time.Second
	subscriptionBuffer = 16

	methodAccountNextIndex = "system_accountNextIndex"
	methodSubmitAndWatch   = "author_submitAndWatchExtrinsic"
	methodUnwatch          = "author_unwatchExtrinsic"
	methodRuntimeVersion   = "state_getRuntimeVersion"
	methodChain            = "system_chain"
)

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type rpcResult struct {
	result json.RawMessage
	sub    *wsSubscription
	err    error
}

type pendingCall struct {
	ch        chan rpcResult
	subscribe bool
}

// WSClient is a JSON-RPC 2.0 client over one websocket connection.
// Responses are matched to calls by id and subscription notifications are
// routed by subscription id.
type WSClient struct {
	conn   *websocket.Conn
	logger *logging.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*pendingCall
	subs    map[string]*wsSubscription
	err     error

	done chan struct{}
}

// DialWebsocket returns the Dialer used in production.
func DialWebsocket(logger *logging.Logger) Dialer {
	return func(ctx context.Context, endpoint string) (Conn, error) {
		dialer := websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: wsHandshakeTimeout,
		}
		conn, _, err := dialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to connect websocket %s: %w", endpoint, err)
		}
		return NewWSClient(conn, logger), nil
	}
}

// NewWSClient starts serving an established websocket connection.
func NewWSClient(conn *websocket.Conn, logger *logging.Logger) *WSClient {
	c := &WSClient{
		conn:    conn,
		logger:  logger,
		pending: make(map[uint64]*pendingCall),
		subs:    make(map[string]*wsSubscription),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// AccountNextIndex implements Conn.
func (c *WSClient) AccountNextIndex(ctx context.Context, address string) (uint64, error) {
	res, err := c.call(ctx, methodAccountNextIndex, false, address)
	if err != nil {
		return 0, err
	}
	var nonce uint64
	if err := json.Unmarshal(res.result, &nonce); err != nil {
		return 0, fmt.Errorf("malformed account index for %s: %w", address, err)
	}
	return nonce, nil
}

// SubmitAndWatch implements Conn.
func (c *WSClient) SubmitAndWatch(ctx context.Context, payload []byte) (Subscription, error) {
	res, err := c.call(ctx, methodSubmitAndWatch, true, "0x"+hex.EncodeToString(payload))
	if err != nil {
		return nil, err
	}
	return res.sub, nil
}

// RuntimeVersion implements Conn.
func (c *WSClient) RuntimeVersion(ctx context.Context) (RuntimeVersion, error) {
	var version RuntimeVersion
	res, err := c.call(ctx, methodRuntimeVersion, false)
	if err != nil {
		return version, err
	}
	if err := json.Unmarshal(res.result, &version); err != nil {
		return version, fmt.Errorf("malformed runtime version: %w", err)
	}
	return version, nil
}

// Chain implements Conn.
func (c *WSClient) Chain(ctx context.Context) (string, error) {
	res, err := c.call(ctx, methodChain, false)
	if err != nil {
		return "", err
	}
	var name string
	if err := json.Unmarshal(res.result, &name); err != nil {
		return "", fmt.Errorf("malformed chain name: %w", err)
	}
	return name, nil
}

// IsConnected implements Conn.
func (c *WSClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err == nil
}

// Close sends a close frame, closes the socket and waits for the read loop.
func (c *WSClient) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *WSClient) call(ctx context.Context, method string, subscribe bool, params ...interface{}) (rpcResult, error) {
	if params == nil {
		params = []interface{}{}
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return rpcResult{}, fmt.Errorf("failed to encode %s params: %w", method, err)
	}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return rpcResult{}, err
	}
	c.nextID++
	id := c.nextID
	pc := &pendingCall{ch: make(chan rpcResult, 1), subscribe: subscribe}
	c.pending[id] = pc
	c.mu.Unlock()

	if err := c.write(ctx, rpcMessage{JSONRPC: "2.0", ID: &id, Method: method, Params: encoded}); err != nil {
		c.dropPending(id)
		return rpcResult{}, fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case res := <-pc.ch:
		return res, res.err
	case <-ctx.Done():
		c.dropPending(id)
		// The response may have been delivered while we gave up.
		select {
		case res := <-pc.ch:
			if res.sub != nil {
				res.sub.Unsubscribe()
			}
		default:
		}
		return rpcResult{}, ctx.Err()
	}
}

func (c *WSClient) write(ctx context.Context, msg rpcMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteJSON(msg)
}

func (c *WSClient) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *WSClient) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}

		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("Discarding malformed message from node", "error", err)
			continue
		}

		switch {
		case msg.ID != nil:
			c.handleResponse(msg)
		case msg.Method != "":
			c.handleNotification(msg)
		}
	}
}

// handleResponse delivers a call result. Subscriptions are registered here,
// before the next message is read, so no early notification is lost.
func (c *WSClient) handleResponse(msg rpcMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pc, ok := c.pending[*msg.ID]
	if !ok {
		return
	}
	delete(c.pending, *msg.ID)

	res := rpcResult{result: msg.Result}
	switch {
	case msg.Error != nil:
		res.err = msg.Error
	case pc.subscribe:
		id := subscriptionID(msg.Result)
		if id == "" {
			res.err = fmt.Errorf("node returned an empty subscription id")
			break
		}
		sub := newWSSubscription(c, id)
		c.subs[id] = sub
		res.sub = sub
	}
	pc.ch <- res
}

func (c *WSClient) handleNotification(msg rpcMessage) {
	var params struct {
		Subscription json.RawMessage `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		c.logger.Warn("Discarding malformed notification", "method", msg.Method, "error", err)
		return
	}

	id := subscriptionID(params.Subscription)
	c.mu.Lock()
	sub := c.subs[id]
	c.mu.Unlock()
	if sub == nil {
		c.logger.Debug("Notification for unknown subscription", "method", msg.Method, "subscription", id)
		return
	}

	update, err := parseStatus(params.Result)
	if err != nil {
		c.logger.Warn("Discarding undecodable extrinsic status", "subscription", id, "error", err)
		return
	}
	sub.deliver(update)
}

func (c *WSClient) shutdown(cause error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = fmt.Errorf("websocket connection closed: %w", cause)
	}
	for id, pc := range c.pending {
		pc.ch <- rpcResult{err: c.err}
		delete(c.pending, id)
	}
	subs := c.subs
	c.subs = make(map[string]*wsSubscription)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	if !websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		c.logger.Warn("Connection to node lost", "error", cause)
	}
}

func (c *WSClient) unwatch(id string) {
	if !c.IsConnected() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), unwatchTimeout)
	defer cancel()
	// The node ends the subscription on its own after a terminal status, so
	// an error here is expected and harmless.
	if _, err := c.call(ctx, methodUnwatch, false, id); err != nil {
		c.logger.Debug("Unwatch failed", "subscription", id, "error", err)
	}
}

// subscriptionID normalizes ids that nodes send either as strings or numbers.
func subscriptionID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

type wsSubscription struct {
	client *WSClient
	id     string

	updates chan StatusUpdate
	quit    chan struct{}
	quitMu  sync.Once

	mu     sync.Mutex
	closed bool
}

func newWSSubscription(client *WSClient, id string) *wsSubscription {
	return &wsSubscription{
		client:  client,
		id:      id,
		updates: make(chan StatusUpdate, subscriptionBuffer),
		quit:    make(chan struct{}),
	}
}

func (s *wsSubscription) Updates() <-chan StatusUpdate {
	return s.updates
}

func (s *wsSubscription) Unsubscribe() {
	s.close()

	s.client.mu.Lock()
	_, registered := s.client.subs[s.id]
	delete(s.client.subs, s.id)
	s.client.mu.Unlock()

	if registered {
		go s.client.unwatch(s.id)
	}
}

func (s *wsSubscription) deliver(update StatusUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.updates <- update:
	case <-s.quit:
	}
}

// close stops delivery; a deliver blocked on a full channel is released by
// quit before updates is closed.
func (s *wsSubscription) close() {
	s.quitMu.Do(func() { close(s.quit) })

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.updates)
	}
}
