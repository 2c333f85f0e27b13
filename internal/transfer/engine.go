// Package transfer implements the chunked invoke-result transfer engine:
// ordered, size-bounded, hash-verified assembly of oversized
// reply payloads, plus the global inflight-byte accounting shared across
// all active transfers.
package transfer

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"strings"
	"sync"

	"github.com/relaysmith/nodebroker/internal/protocol"
)

// InvokeResolver is the narrow surface the engine needs from the
// invocation table. node.Invoker satisfies this interface structurally;
// this package never imports node, so the two subsystems stay decoupled.
type InvokeResolver interface {
	// PendingNodeID reports the nodeID a pending invoke targets.
	PendingNodeID(id string) (nodeID string, ok bool)
	// HandleInvokeResult resolves the invoke with the given outcome.
	HandleInvokeResult(id, nodeID string, ok bool, payloadJSON *string, errShape *protocol.ErrorShape) bool
}

// Limits bounds a single transfer's total size and the aggregate inflight
// ceiling across every active transfer.
type Limits struct {
	MaxInvokeResultBytes int64
	MaxInflightBytes     int64
}

// Result is the outcome of Start or Chunk.
type Result struct {
	OK     bool
	Reason string // protocol failure reason when !OK
}

// transferState tracks one in-progress chunked result.
type transferState struct {
	nodeID         string
	totalBytes     int64
	chunkBytes     int64
	chunkCount     int
	nextIndex      int
	bytesReceived  int64
	expectedSHA256 string
	hasher         hash.Hash
	chunks         [][]byte
}

// Engine tracks every in-flight chunked transfer and the global inflight
// byte counter. All table mutation happens under mu;
// Start/Chunk only call back into the resolver after releasing mu, so the
// resolver's own teardown path (which calls Engine.Cancel) never re-enters
// a held lock.
type Engine struct {
	resolver      InvokeResolver
	transfers     map[string]*transferState
	inflightBytes int64
	mu            sync.Mutex
}

// NewEngine creates an engine that resolves completed/failed transfers
// through resolver.
func NewEngine(resolver InvokeResolver) *Engine {
	return &Engine{
		resolver:  resolver,
		transfers: make(map[string]*transferState),
	}
}

// InflightBytes returns the current aggregate inflight byte count.
func (e *Engine) InflightBytes() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflightBytes
}

// ActiveCount returns the number of transfers currently in flight.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.transfers)
}

// Start begins a chunked transfer. Validation order is fixed; the first
// failure wins and, except for an
// unknown invoke id (nothing to resolve), resolves the owning invoke with
// INVALID_REQUEST.
func (e *Engine) Start(id, nodeID string, totalBytes, chunkBytes int64, chunkCount int, sha256Hex string, limits Limits) Result {
	pendingNodeID, exists := e.resolver.PendingNodeID(id)
	if !exists || pendingNodeID != nodeID {
		return Result{OK: false, Reason: "unknown-invoke-id"}
	}

	var reason, msg string
	accepted := false

	e.mu.Lock()
	_, dup := e.transfers[id]
	switch {
	case dup:
		reason, msg = "chunk-out-of-order", "chunk out of order"
	case totalBytes > limits.MaxInvokeResultBytes:
		reason, msg = "payload-too-large", "payload too large"
	case e.inflightBytes+totalBytes > limits.MaxInflightBytes:
		reason, msg = "payload-too-large", "payload too large"
	default:
		e.transfers[id] = &transferState{
			nodeID:         nodeID,
			totalBytes:     totalBytes,
			chunkBytes:     chunkBytes,
			chunkCount:     chunkCount,
			expectedSHA256: strings.ToLower(sha256Hex),
			hasher:         sha256.New(),
			chunks:         make([][]byte, 0, chunkCount),
		}
		e.inflightBytes += totalBytes
		accepted = true
	}
	e.mu.Unlock()

	if !accepted {
		e.resolver.HandleInvokeResult(id, nodeID, false, nil, &protocol.ErrorShape{
			Code: protocol.ErrCodeInvalidRequest, Message: msg,
		})
		return Result{OK: false, Reason: reason}
	}
	return Result{OK: true}
}

// Chunk accepts one chunk of an in-progress transfer.
// When the chunk completes the transfer, the assembled payload (or a
// completion failure) is delivered to the owning invoke.
func (e *Engine) Chunk(id, nodeID string, index int, dataB64 string, bytes int) Result {
	decoded, decodeErr := base64.StdEncoding.DecodeString(dataB64)

	e.mu.Lock()
	t, exists := e.transfers[id]
	if !exists || t.nodeID != nodeID {
		e.mu.Unlock()
		e.resolveUnknownInvoke(id, nodeID)
		return Result{OK: false, Reason: "unknown-invoke-id"}
	}

	var reason, msg string
	terminal := false
	switch {
	case index != t.nextIndex || index >= t.chunkCount:
		reason, msg, terminal = "chunk-out-of-order", "chunk out of order", true
	case decodeErr != nil || len(decoded) != bytes:
		reason, msg, terminal = "chunk-bytes-mismatch", "chunk bytes mismatch", true
	case t.bytesReceived+int64(len(decoded)) > t.totalBytes:
		reason, msg, terminal = "chunk-bytes-mismatch", "chunk bytes mismatch", true
	}

	if terminal {
		e.removeTransferLocked(id)
		e.mu.Unlock()
		e.resolver.HandleInvokeResult(id, nodeID, false, nil, &protocol.ErrorShape{
			Code: protocol.ErrCodeInvalidRequest, Message: msg,
		})
		return Result{OK: false, Reason: reason}
	}

	t.chunks = append(t.chunks, decoded)
	t.hasher.Write(decoded)
	t.bytesReceived += int64(len(decoded))
	t.nextIndex++

	complete := t.nextIndex == t.chunkCount
	var completionErr *protocol.ErrorShape
	var completionReason string
	var payloadJSON *string

	if complete {
		if t.bytesReceived != t.totalBytes {
			completionReason = "chunk-bytes-mismatch"
			completionErr = &protocol.ErrorShape{Code: protocol.ErrCodeInvalidRequest, Message: "chunk bytes mismatch"}
		} else if finalHash := hex.EncodeToString(t.hasher.Sum(nil)); finalHash != t.expectedSHA256 {
			completionReason = "hash-mismatch"
			completionErr = &protocol.ErrorShape{Code: protocol.ErrCodeInvalidRequest, Message: "hash mismatch"}
		} else {
			joined := make([]byte, 0, t.totalBytes)
			for _, c := range t.chunks {
				joined = append(joined, c...)
			}
			s := string(joined)
			payloadJSON = &s
		}
		e.removeTransferLocked(id)
	}
	e.mu.Unlock()

	if !complete {
		return Result{OK: true}
	}
	if completionErr != nil {
		e.resolver.HandleInvokeResult(id, nodeID, false, nil, completionErr)
		return Result{OK: false, Reason: completionReason}
	}
	e.resolver.HandleInvokeResult(id, nodeID, true, payloadJSON, nil)
	return Result{OK: true, Reason: "complete"}
}

// resolveUnknownInvoke resolves the owning invoke with INVALID_REQUEST when
// a chunk arrives for an id that has a pending invoke but no transfer.
func (e *Engine) resolveUnknownInvoke(id, nodeID string) {
	if pendingNodeID, ok := e.resolver.PendingNodeID(id); ok && pendingNodeID == nodeID {
		e.resolver.HandleInvokeResult(id, nodeID, false, nil, &protocol.ErrorShape{
			Code: protocol.ErrCodeInvalidRequest, Message: "unknown invoke id",
		})
	}
}

// Cancel tears down any transfer for id, freeing its bytes. A no-op if no
// transfer is tracked (satisfies node.TransferCanceller).
func (e *Engine) Cancel(id string) {
	e.mu.Lock()
	e.removeTransferLocked(id)
	e.mu.Unlock()
}

// CancelForNode tears down every transfer owned by nodeID (satisfies
// node.TransferCanceller; called on node disconnect).
func (e *Engine) CancelForNode(nodeID string) {
	e.mu.Lock()
	for id, t := range e.transfers {
		if t.nodeID == nodeID {
			e.removeTransferLocked(id)
		}
	}
	e.mu.Unlock()
}

// removeTransferLocked deletes the transfer and releases its bytes. Must
// be called with mu held. inflightBytes never drops below zero.
func (e *Engine) removeTransferLocked(id string) {
	t, ok := e.transfers[id]
	if !ok {
		return
	}
	delete(e.transfers, id)
	e.inflightBytes -= t.totalBytes
	if e.inflightBytes < 0 {
		e.inflightBytes = 0
	}
}
