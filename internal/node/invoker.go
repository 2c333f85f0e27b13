package node

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/relaysmith/nodebroker/internal/protocol"
)

// NodeInvokeRequest is an alias for the protocol type, re-exported for
// convenience so callers don't need to import protocol directly.
type NodeInvokeRequest = protocol.NodeInvokeRequest

// NodeInvokeResult is an alias for the protocol type.
type NodeInvokeResult = protocol.NodeInvokeResult

// DefaultInvokeTimeoutMs is used when InvokeRequest.TimeoutMs is unset.
const DefaultInvokeTimeoutMs = 30_000

// InvokeRequest is the input to Invoker.Invoke.
type InvokeRequest struct {
	NodeID         string
	Command        string
	ParamsJSON     string // caller's params, already serialized; empty means none
	TimeoutMs      int
	IdempotencyKey string
}

// InvokeResult is the output of Invoker.Invoke. OK mirrors the wire reply;
// a false OK always carries a non-nil Error with one of the wire codes.
type InvokeResult struct {
	OK          bool
	PayloadJSON *string
	Error       *protocol.ErrorShape
}

// TransferCanceller lets the Invoker tear down a chunked transfer when its
// owning invoke resolves through any other path (timeout, abort, reply).
// Implemented by transfer.Engine; kept as a narrow interface here so this
// package never imports the transfer package.
type TransferCanceller interface {
	// Cancel tears down any transfer for this invoke id, freeing its bytes.
	Cancel(id string)
	// CancelForNode tears down every transfer owned by nodeID.
	CancelForNode(nodeID string)
}

// pendingInvoke tracks a single in-flight invocation.
type pendingInvoke struct {
	nodeID string
	result chan InvokeResult // buffered 1; exactly one value is ever sent
	timer  *time.Timer
}

// Invoker manages the request/response lifecycle for node invocations.
// All mutation of the pending table happens under mu, so
// resolution from any path (reply, timeout, abort, disconnect) is
// serialized and exactly-once.
type Invoker struct {
	reg       *Registry
	pending   map[string]*pendingInvoke
	transfers TransferCanceller
	mu        sync.Mutex
}

// NewInvoker creates a new invoker backed by the given registry.
func NewInvoker(reg *Registry) *Invoker {
	return &Invoker{
		reg:     reg,
		pending: make(map[string]*pendingInvoke),
	}
}

// SetTransferCanceller wires the chunked-transfer engine so invoke
// resolution can reclaim an in-flight transfer's bytes.
func (inv *Invoker) SetTransferCanceller(tc TransferCanceller) {
	inv.mu.Lock()
	inv.transfers = tc
	inv.mu.Unlock()
}

// Invoke sends a command to a node and waits for the result. It never returns a Go error for routing/temporal/protocol
// failures — those are carried in InvokeResult.Error — except when the
// caller's own context is cancelled before resolution.
func (inv *Invoker) Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error) {
	session, ok := inv.reg.Get(req.NodeID)
	if !ok {
		return InvokeResult{OK: false, Error: &protocol.ErrorShape{
			Code: protocol.ErrCodeNotConnected,
		}}, nil
	}

	timeoutMs := req.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = DefaultInvokeTimeoutMs
	}

	id := generateInvokeID()
	pi := &pendingInvoke{
		nodeID: req.NodeID,
		result: make(chan InvokeResult, 1),
	}

	inv.mu.Lock()
	inv.pending[id] = pi
	inv.mu.Unlock()

	wireReq := protocol.NodeInvokeRequest{
		ID:             id,
		NodeID:         req.NodeID,
		Command:        req.Command,
		ParamsJSON:     req.ParamsJSON,
		TimeoutMs:      timeoutMs,
		IdempotencyKey: req.IdempotencyKey,
	}

	if err := session.Send("node.invoke.request", wireReq); err != nil {
		inv.mu.Lock()
		delete(inv.pending, id)
		inv.mu.Unlock()
		return InvokeResult{OK: false, Error: &protocol.ErrorShape{
			Code:    protocol.ErrCodeUnavailable,
			Message: "failed to send invoke to node",
		}}, nil
	}

	// Arm the timer under the lock; a reply racing ahead of us may already
	// have resolved and removed the entry, in which case no timer is needed.
	inv.mu.Lock()
	if _, still := inv.pending[id]; still {
		pi.timer = time.AfterFunc(time.Duration(timeoutMs)*time.Millisecond, func() {
			inv.resolve(id, InvokeResult{OK: false, Error: &protocol.ErrorShape{
				Code: protocol.ErrCodeTimeout,
			}})
		})
	}
	inv.mu.Unlock()

	select {
	case result := <-pi.result:
		return result, nil
	case <-ctx.Done():
		// The caller gave up; the pending entry is left to resolve
		// naturally (timeout/reply/disconnect still fire exactly once).
		return InvokeResult{OK: false}, ctx.Err()
	}
}

// resolve is the single commit point for exactly-once resolution: it
// removes the pending entry, cancels its timer, reclaims any associated
// transfer, and delivers the result. Returns false if id was already
// resolved or never existed (a no-op late arrival).
func (inv *Invoker) resolve(id string, result InvokeResult) bool {
	inv.mu.Lock()
	pi, ok := inv.pending[id]
	if !ok {
		inv.mu.Unlock()
		return false
	}
	delete(inv.pending, id)
	timer := pi.timer
	tc := inv.transfers
	inv.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if tc != nil {
		tc.Cancel(id)
	}
	pi.result <- result
	return true
}

// PendingCount returns the number of invokes currently awaiting resolution,
// for gauge reporting.
func (inv *Invoker) PendingCount() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return len(inv.pending)
}

// PendingNodeID reports the nodeID a pending invoke targets, for callers
// (the transfer engine) that must validate a transfer's nodeID against its
// owning invoke before accepting a start/chunk frame.
func (inv *Invoker) PendingNodeID(id string) (string, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	pi, ok := inv.pending[id]
	if !ok {
		return "", false
	}
	return pi.nodeID, true
}

// HandleResult delivers a direct (non-chunked) result from a node to the
// waiting Invoke call. Kept as a convenience wrapper around
// HandleInvokeResult for callers that already have the wire struct.
func (inv *Invoker) HandleResult(result protocol.NodeInvokeResult) bool {
	return inv.HandleInvokeResult(result.ID, result.NodeID, result.OK, result.ResolvedPayloadJSON(), result.Error)
}

// HandleInvokeResult finds the pending entry for id, verifies nodeID
// matches to prevent cross-node spoofing, cancels its timer, clears any
// associated transfer, and resolves the caller. A reply
// referencing an unknown requestId is silently discarded. Returns true if
// a matching pending entry existed and was resolved.
func (inv *Invoker) HandleInvokeResult(id, nodeID string, ok bool, payloadJSON *string, errShape *protocol.ErrorShape) bool {
	inv.mu.Lock()
	pi, exists := inv.pending[id]
	if !exists {
		inv.mu.Unlock()
		return false
	}
	if pi.nodeID != nodeID {
		inv.mu.Unlock()
		return false
	}
	inv.mu.Unlock()

	return inv.resolve(id, InvokeResult{OK: ok, PayloadJSON: payloadJSON, Error: errShape})
}

// AbortInvokeResultTransfer is an explicit node-driven abort of an invoke
// or its in-flight transfer. If a matching pending invoke
// exists, it resolves with the supplied error (default UNAVAILABLE/"node
// invoke aborted"); if only a transfer exists, its bytes are reclaimed and
// false is returned (nothing was resolved).
func (inv *Invoker) AbortInvokeResultTransfer(id, nodeID string, errShape *protocol.ErrorShape) bool {
	inv.mu.Lock()
	pi, exists := inv.pending[id]
	tc := inv.transfers
	inv.mu.Unlock()

	if !exists || pi.nodeID != nodeID {
		if tc != nil {
			tc.Cancel(id)
		}
		return false
	}

	if errShape == nil {
		errShape = &protocol.ErrorShape{Code: protocol.ErrCodeUnavailable, Message: "node invoke aborted"}
	}
	return inv.resolve(id, InvokeResult{OK: false, Error: errShape})
}

// CancelPendingForNode resolves every pending invoke targeting nodeID with
// NOT_CONNECTED and reclaims any of the node's in-flight transfers.
// Called when a node disconnects or is replaced.
func (inv *Invoker) CancelPendingForNode(nodeID string) {
	inv.mu.Lock()
	var ids []string
	for id, pi := range inv.pending {
		if pi.nodeID == nodeID {
			ids = append(ids, id)
		}
	}
	tc := inv.transfers
	inv.mu.Unlock()

	for _, id := range ids {
		inv.resolve(id, InvokeResult{OK: false, Error: &protocol.ErrorShape{
			Code:    protocol.ErrCodeNotConnected,
			Message: "node disconnected",
		}})
	}
	if tc != nil {
		tc.CancelForNode(nodeID)
	}
}

// generateInvokeID returns a fresh uuid-v4 string.
func generateInvokeID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("node: crypto/rand failed: " + err.Error())
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
