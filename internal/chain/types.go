// Package chain holds the contract with the ledger node: the connection
// handle, transaction status notifications and emitted events, plus the
// Manager owning the single shared connection.
package chain

import (
	"context"
	"encoding/json"
	"strings"
)

// StatusKind is the discriminator of a transaction status notification.
type StatusKind string

const (
	StatusFuture          StatusKind = "future"
	StatusReady           StatusKind = "ready"
	StatusBroadcast       StatusKind = "broadcast"
	StatusInBlock         StatusKind = "in_block"
	StatusRetracted       StatusKind = "retracted"
	StatusFinalityTimeout StatusKind = "finality_timeout"
	StatusFinalized       StatusKind = "finalized"
	StatusUsurped         StatusKind = "usurped"
	StatusDropped         StatusKind = "dropped"
	StatusInvalid         StatusKind = "invalid"
)

// IsTerminal reports whether no further notification will follow for the
// extrinsic. Only StatusFinalized can end successfully.
func (k StatusKind) IsTerminal() bool {
	switch k {
	case StatusFinalized, StatusDropped, StatusInvalid, StatusRetracted, StatusUsurped, StatusFinalityTimeout:
		return true
	default:
		return false
	}
}

// StatusUpdate is one notification of an extrinsic's lifecycle.
type StatusUpdate struct {
	Kind StatusKind
	// BlockHash is set for in_block, retracted, finalized, usurped and finality_timeout.
	BlockHash string
	// Events emitted by the extrinsic, in order. Only set for finalized.
	Events []Event
}

// Event is a runtime event emitted while applying an extrinsic.
type Event struct {
	Section string            `json:"section"`
	Method  string            `json:"method"`
	Data    []json.RawMessage `json:"data,omitempty"`
}

// Is reports whether the event is section.method. Pallet names are compared
// case-insensitively since nodes disagree on their casing.
func (e Event) Is(section, method string) bool {
	return strings.EqualFold(e.Section, section) && e.Method == method
}

// ResultIsError reports whether the first data field is a dispatch result
// carrying an error, as in Proxy.ProxyExecuted.
func (e Event) ResultIsError() bool {
	if len(e.Data) == 0 {
		return false
	}
	var result struct {
		Err     json.RawMessage `json:"err"`
		IsError bool            `json:"isError"`
	}
	if err := json.Unmarshal(e.Data[0], &result); err != nil {
		return false
	}
	return result.IsError || (len(result.Err) > 0 && string(result.Err) != "null")
}

// RuntimeVersion identifies the runtime the node is executing.
type RuntimeVersion struct {
	SpecName    string `json:"specName"`
	SpecVersion uint32 `json:"specVersion"`
}

// Subscription delivers status notifications for one submitted extrinsic.
// Updates is closed after Unsubscribe or when the connection is lost.
type Subscription interface {
	Updates() <-chan StatusUpdate
	Unsubscribe()
}

// Conn is the live session with a node. Implementations are safe for
// concurrent use.
type Conn interface {
	// AccountNextIndex returns the next nonce the node expects from address,
	// including extrinsics already in its pool.
	AccountNextIndex(ctx context.Context, address string) (uint64, error)
	// SubmitAndWatch submits a signed payload and subscribes to its status.
	SubmitAndWatch(ctx context.Context, payload []byte) (Subscription, error)
	RuntimeVersion(ctx context.Context) (RuntimeVersion, error)
	Chain(ctx context.Context) (string, error)
	IsConnected() bool
	Close() error
}

// Dialer establishes a new connection to endpoint.
type Dialer func(ctx context.Context, endpoint string) (Conn, error)
